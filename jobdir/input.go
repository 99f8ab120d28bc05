package jobdir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const linkKey = "$dnanexus_link"

// FileRef is one platform file reference from the job input.
type FileRef struct {
	ID      string
	Project string
	// Name is the object's filename when the link carries one. Empty
	// names fall back to the file ID on disk.
	Name string
}

// Filename returns the on-disk basename for this reference.
func (r FileRef) Filename() (string, error) {
	name := r.Name
	if name == "" {
		name = r.ID
	}
	return sanitizeFilename(name)
}

// FileEntry maps one referenced file to its staging path relative to the
// input directory.
type FileEntry struct {
	// InputName is the job input key this file belongs to.
	InputName string
	// Path is the destination relative to <idir>, following the
	// <input name>[/<array index>]/<filename> layout.
	Path string
	Ref  FileRef
}

// JobInput is the parsed job_input.json, split into file references and
// everything else.
type JobInput struct {
	// Files lists entries per input name, array entries in order.
	Files map[string][]FileEntry
	// Dirs are the directories to create under <idir>, parents first.
	Dirs []string
	// Rest holds the non-file inputs untouched, for the job code to
	// interpret.
	Rest map[string]json.RawMessage
}

// ParseJobInput reads and parses a job_input.json file.
//
// An input value is a file reference when it is a {"$dnanexus_link": ...}
// object, either the short form with a file ID string or the long form with
// id/project fields. Arrays of references get one zero-padded subdirectory
// per element so duplicate filenames cannot clobber each other. Every other
// value lands in Rest.
func ParseJobInput(path string) (*JobInput, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job input: %w", err)
	}

	var inputs map[string]json.RawMessage
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, fmt.Errorf("parse job input %s: %w", path, err)
	}

	result := &JobInput{
		Files: map[string][]FileEntry{},
		Rest:  map[string]json.RawMessage{},
	}

	for name, value := range inputs {
		entries, err := parseInputValue(name, value)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		if len(entries) == 0 {
			result.Rest[name] = value
			continue
		}
		result.Files[name] = entries
		result.Dirs = append(result.Dirs, name)
		for _, entry := range entries {
			if dir := filepath.Dir(entry.Path); dir != name {
				result.Dirs = append(result.Dirs, dir)
			}
		}
	}

	return result, nil
}

func parseInputValue(name string, value json.RawMessage) ([]FileEntry, error) {
	var array []json.RawMessage
	if err := json.Unmarshal(value, &array); err == nil {
		return parseFileArray(name, array)
	}

	ref, ok, err := parseLink(value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	entry, err := makeEntry(name, "", ref)
	if err != nil {
		return nil, err
	}
	return []FileEntry{entry}, nil
}

// parseFileArray lays array elements out in numbered subdirectories:
// <input>/00/<file>, <input>/01/<file> and so on. An array that contains
// anything but links is not a file input.
func parseFileArray(name string, links []json.RawMessage) ([]FileEntry, error) {
	if len(links) == 0 {
		return nil, nil
	}

	numDigits := len(strconv.Itoa(len(links) - 1))
	entries := make([]FileEntry, 0, len(links))
	for i, link := range links {
		ref, ok, err := parseLink(link)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		subdir := fmt.Sprintf("%0*d", numDigits, i)
		entry, err := makeEntry(name, subdir, ref)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func makeEntry(name, subdir string, ref FileRef) (FileEntry, error) {
	filename, err := ref.Filename()
	if err != nil {
		return FileEntry{}, err
	}
	dir := name
	if subdir != "" {
		dir = filepath.Join(name, subdir)
	}
	return FileEntry{
		InputName: name,
		Path:      filepath.Join(dir, filename),
		Ref:       ref,
	}, nil
}

// parseLink decodes a $dnanexus_link value. ok is false when the value is
// not a link at all.
func parseLink(value json.RawMessage) (FileRef, bool, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(value, &wrapper); err != nil {
		return FileRef{}, false, nil
	}
	inner, found := wrapper[linkKey]
	if !found {
		return FileRef{}, false, nil
	}

	// Short form: {"$dnanexus_link": "file-xxxx"}.
	var id string
	if err := json.Unmarshal(inner, &id); err == nil {
		if id == "" {
			return FileRef{}, false, fmt.Errorf("empty file ID in link")
		}
		return FileRef{ID: id}, true, nil
	}

	// Long form: {"$dnanexus_link": {"id": ..., "project": ...}}.
	var long struct {
		ID      string `json:"id"`
		Project string `json:"project"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(inner, &long); err != nil {
		return FileRef{}, false, fmt.Errorf("malformed link: %w", err)
	}
	if long.ID == "" {
		return FileRef{}, false, fmt.Errorf("link without file ID")
	}
	return FileRef{ID: long.ID, Project: long.Project, Name: long.Name}, true, nil
}
