package transfer

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Honglongwu/dx-toolkit/transfer/checksum"
	"github.com/Honglongwu/dx-toolkit/transfer/chunkplan"
	"github.com/Honglongwu/dx-toolkit/transfer/network"
)

// fakeObject is a committed object in the fake backend.
type fakeObject struct {
	data        []byte
	chunkSize   int64
	chunkSums   []string
	whole       string
	rangeable   bool
	downloadURL string
}

// fakeSession is an open upload session in the fake backend.
type fakeSession struct {
	locator   string
	totalSize int64
	chunkSize int64
	chunks    map[int][]byte
	sums      map[int]string
}

// fakeBackend implements both network.SessionService and network.Transport
// in memory, with per-chunk failure injection.
type fakeBackend struct {
	mu sync.Mutex

	objects  map[string]*fakeObject
	sessions map[string]*fakeSession
	nextID   int

	// transientPutFailures[index] is how many times PutChunk for that
	// chunk fails with a retryable connection error before succeeding.
	transientPutFailures map[int]int
	// fatalPutFailures marks chunks whose PutChunk always fails with a
	// non-retryable rejection.
	fatalPutFailures map[int]bool
	// corruptGetOnce[index] corrupts the first GetChunk response for
	// that chunk.
	corruptGetOnce map[int]bool
	// transientCloseFailures is how many times CloseObject fails with a
	// server error before succeeding.
	transientCloseFailures int
	// putGate, when non-nil, is consulted before each PutChunk and may
	// block or fail the call.
	putGate func(ctx context.Context, index int) error

	openCalls  int
	putCalls   int
	getCalls   int
	closeCalls int
	abortCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		objects:              map[string]*fakeObject{},
		sessions:             map[string]*fakeSession{},
		transientPutFailures: map[int]int{},
		fatalPutFailures:     map[int]bool{},
		corruptGetOnce:       map[int]bool{},
	}
}

// seedObject registers a committed, range-addressable object.
func (b *fakeBackend) seedObject(locator string, data []byte, chunkSize int64) {
	plan, err := chunkplan.Plan(int64(len(data)), chunkplan.Policy{
		ChunkSize:    chunkSize,
		MinChunkSize: chunkSize,
		MaxChunkSize: chunkSize,
	})
	if err != nil {
		panic(err)
	}
	sums := make([]string, len(plan))
	for i, chunk := range plan {
		sums[i] = checksum.Sum(data[chunk.Start:chunk.End])
	}
	whole, err := checksum.Whole(sums)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[locator] = &fakeObject{
		data:      append([]byte(nil), data...),
		chunkSize: chunkSize,
		chunkSums: sums,
		whole:     whole,
		rangeable: true,
	}
}

func (b *fakeBackend) object(locator string) *fakeObject {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[locator]
}

func (b *fakeBackend) OpenUploadSession(ctx context.Context, locator string, totalSize, chunkSize int64, chunkCount int) (network.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openCalls++
	b.nextID++
	token := fmt.Sprintf("session-%d", b.nextID)
	b.sessions[token] = &fakeSession{
		locator:   locator,
		totalSize: totalSize,
		chunkSize: chunkSize,
		chunks:    map[int][]byte{},
		sums:      map[int]string{},
	}
	return network.Session{Token: token, Locator: locator, TotalSize: totalSize}, nil
}

func (b *fakeBackend) CloseObject(ctx context.Context, session network.Session, wholeChecksum string, chunkChecksums []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCalls++

	if b.transientCloseFailures > 0 {
		b.transientCloseFailures--
		return &network.TransportError{Kind: network.KindServerRejected, StatusCode: 503, Err: fmt.Errorf("commit temporarily unavailable")}
	}

	sess, ok := b.sessions[session.Token]
	if !ok {
		return &network.TransportError{Kind: network.KindServerRejected, StatusCode: 404, Err: fmt.Errorf("unknown session %s", session.Token)}
	}
	if len(sess.chunks) != len(chunkChecksums) {
		return &network.TransportError{Kind: network.KindServerRejected, StatusCode: 400, Err: fmt.Errorf("have %d chunks, checksum list has %d", len(sess.chunks), len(chunkChecksums))}
	}

	indices := make([]int, 0, len(sess.chunks))
	for i := range sess.chunks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var buf bytes.Buffer
	sums := make([]string, 0, len(indices))
	for _, i := range indices {
		buf.Write(sess.chunks[i])
		sums = append(sums, sess.sums[i])
	}
	whole, err := checksum.Whole(sums)
	if err != nil {
		return err
	}
	if whole != wholeChecksum {
		return &network.TransportError{Kind: network.KindServerRejected, StatusCode: 422, Err: fmt.Errorf("whole checksum mismatch")}
	}

	b.objects[sess.locator] = &fakeObject{
		data:      buf.Bytes(),
		chunkSize: sess.chunkSize,
		chunkSums: sums,
		whole:     whole,
		rangeable: true,
	}
	delete(b.sessions, session.Token)
	return nil
}

func (b *fakeBackend) AbortUploadSession(ctx context.Context, session network.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abortCalls++
	delete(b.sessions, session.Token)
	return nil
}

func (b *fakeBackend) GetObjectMetadata(ctx context.Context, locator string) (network.ObjectMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[locator]
	if !ok {
		return network.ObjectMetadata{}, &network.TransportError{Kind: network.KindServerRejected, StatusCode: 404, Err: fmt.Errorf("no object %s", locator)}
	}
	return network.ObjectMetadata{
		SizeBytes:      int64(len(obj.data)),
		ChunkSizeBytes: obj.chunkSize,
		ChunkChecksums: append([]string(nil), obj.chunkSums...),
		WholeChecksum:  obj.whole,
		DownloadURL:    obj.downloadURL,
		Rangeable:      obj.rangeable,
	}, nil
}

func (b *fakeBackend) PutChunk(ctx context.Context, session network.Session, chunk chunkplan.Chunk, data []byte) (string, error) {
	b.mu.Lock()
	gate := b.putGate
	b.putCalls++
	if b.fatalPutFailures[chunk.Index] {
		b.mu.Unlock()
		return "", &network.TransportError{Kind: network.KindServerRejected, StatusCode: 400, Err: fmt.Errorf("chunk %d rejected", chunk.Index)}
	}
	if b.transientPutFailures[chunk.Index] > 0 {
		b.transientPutFailures[chunk.Index]--
		b.mu.Unlock()
		return "", &network.TransportError{Kind: network.KindConnection, Err: fmt.Errorf("connection reset")}
	}
	b.mu.Unlock()

	if gate != nil {
		if err := gate(ctx, chunk.Index); err != nil {
			return "", err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[session.Token]
	if !ok {
		return "", &network.TransportError{Kind: network.KindServerRejected, StatusCode: 404, Err: fmt.Errorf("unknown session %s", session.Token)}
	}
	sum := checksum.Sum(data)
	sess.chunks[chunk.Index] = append([]byte(nil), data...)
	sess.sums[chunk.Index] = sum
	return sum, nil
}

func (b *fakeBackend) GetChunk(ctx context.Context, locator string, chunk chunkplan.Chunk) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getCalls++

	obj, ok := b.objects[locator]
	if !ok {
		return nil, &network.TransportError{Kind: network.KindServerRejected, StatusCode: 404, Err: fmt.Errorf("no object %s", locator)}
	}

	data := append([]byte(nil), obj.data[chunk.Start:chunk.End]...)
	if b.corruptGetOnce[chunk.Index] {
		b.corruptGetOnce[chunk.Index] = false
		if len(data) > 0 {
			data[0] ^= 0xff
		}
	}
	return data, nil
}

// fakeEnvRepo is a map-backed env.Repository.
type fakeEnvRepo map[string]string

func (r fakeEnvRepo) Get(key string) string { return r[key] }

func (r fakeEnvRepo) Set(key, value string) error {
	r[key] = value
	return nil
}

func (r fakeEnvRepo) Unset(key string) error {
	delete(r, key)
	return nil
}

func (r fakeEnvRepo) List() []string {
	list := make([]string, 0, len(r))
	for k, v := range r {
		list = append(list, k+"="+v)
	}
	return list
}
