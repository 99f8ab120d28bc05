// Package checksum computes and validates the content digests used to verify
// transferred chunks and whole objects.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrMismatch reports that a computed digest differs from the expected one.
// A mismatch is retried at the chunk level; repeated mismatches are fatal.
var ErrMismatch = errors.New("checksum mismatch")

// Sum returns the hex-encoded MD5 digest of data.
func Sum(data []byte) string {
	digest := md5.Sum(data)
	return hex.EncodeToString(digest[:])
}

// SumReader returns the hex-encoded MD5 digest of everything read from r.
func SumReader(r io.Reader) (string, error) {
	hash := md5.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// File returns the hex-encoded MD5 digest of the file at path.
func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	return SumReader(file)
}

// Verify compares a computed digest to the expected one. An empty expected
// value means the remote side declared no digest for this content and the
// comparison is skipped. Quoting differences (ETag-style `"..."` values) are
// ignored.
func Verify(actual, expected string) error {
	if expected == "" {
		return nil
	}
	if normalize(actual) != normalize(expected) {
		return fmt.Errorf("%w: got %s, want %s", ErrMismatch, actual, expected)
	}
	return nil
}

// Whole combines per-chunk digests into the whole-object checksum: the MD5
// of the concatenated raw chunk digests in index order, suffixed with the
// chunk count. This matches how the platform reports multipart object
// checksums.
func Whole(chunkSums []string) (string, error) {
	hash := md5.New()
	for i, sum := range chunkSums {
		raw, err := hex.DecodeString(normalize(sum))
		if err != nil {
			return "", fmt.Errorf("decode chunk %d checksum %q: %w", i, sum, err)
		}
		hash.Write(raw)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(hash.Sum(nil)), len(chunkSums)), nil
}

func normalize(sum string) string {
	return strings.ToLower(strings.Trim(sum, `"`))
}
