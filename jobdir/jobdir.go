// Package jobdir stages files for platform job executions. Inputs described
// by job_input.json are downloaded under <home>/in, one subdirectory per
// input name, and results written under <home>/out are collected and
// uploaded when the job finishes.
package jobdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
)

const (
	inputDirName     = "in"
	outputDirName    = "out"
	jobInputFileName = "job_input.json"
)

// homeDir resolves the job's home directory, preferring $HOME so test and
// container environments can redirect it.
func homeDir(envRepo env.Repository) (string, error) {
	if home := envRepo.Get("HOME"); home != "" {
		return home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return home, nil
}

// InputDir returns the directory inputs are staged into, <home>/in.
func InputDir(envRepo env.Repository) (string, error) {
	home, err := homeDir(envRepo)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, inputDirName), nil
}

// OutputDir returns the directory outputs are collected from, <home>/out.
func OutputDir(envRepo env.Repository) (string, error) {
	home, err := homeDir(envRepo)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, outputDirName), nil
}

// JobInputFile returns the path of the job input description, written by the
// execution environment before the job starts.
func JobInputFile(envRepo env.Repository) (string, error) {
	home, err := homeDir(envRepo)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, jobInputFileName), nil
}

// EnsureDir creates path if needed and rejects a file squatting on it.
func EnsureDir(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0755)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s already exists and is a file, not a directory", path)
	}
	return nil
}

// sanitizeFilename turns an object name into a safe Unix basename. Slashes
// are percent-encoded; "." and ".." are invalid names.
func sanitizeFilename(name string) (string, error) {
	if name == "." || name == ".." {
		return "", fmt.Errorf("invalid filename %q", name)
	}
	return strings.ReplaceAll(name, "/", "%2F"), nil
}
