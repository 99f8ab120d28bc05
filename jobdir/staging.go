package jobdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/Honglongwu/dx-toolkit/transfer"
)

// TransferStarter launches transfer jobs. Satisfied by *transfer.Engine.
type TransferStarter interface {
	StartDownload(ctx context.Context, input transfer.DownloadInput, cfg transfer.Config) (*transfer.Handle, error)
	StartUpload(ctx context.Context, input transfer.UploadInput, cfg transfer.Config) (*transfer.Handle, error)
}

// DownloadAllInputs stages every file referenced by the job input under
// idir. All downloads start up front and run concurrently; the first
// failure cancels the rest.
func DownloadAllInputs(ctx context.Context, engine TransferStarter, jobInput *JobInput, idir string, cfg transfer.Config, logger log.Logger) error {
	for _, dir := range jobInput.Dirs {
		if err := EnsureDir(filepath.Join(idir, dir)); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(jobInput.Files))
	for name := range jobInput.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	var handles []*transfer.Handle
	for _, name := range names {
		for _, entry := range jobInput.Files[name] {
			dest := filepath.Join(idir, entry.Path)
			logger.Infof("Staging input %s: %s -> %s", entry.InputName, entry.Ref.ID, dest)

			handle, err := engine.StartDownload(ctx, transfer.DownloadInput{
				Locator: entry.Ref.ID,
				Path:    dest,
			}, cfg)
			if err != nil {
				cancelAll(handles)
				return fmt.Errorf("download input %s (%s): %w", entry.InputName, entry.Ref.ID, err)
			}
			handles = append(handles, handle)
		}
	}

	return waitAll(handles)
}

// CollectOutputs returns the files under odir matching any of the doublestar
// patterns, as paths relative to odir, sorted and deduplicated. With no
// patterns every regular file is collected.
func CollectOutputs(odir string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}

	seen := map[string]bool{}
	fsys := os.DirFS(odir)
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, match := range matches {
			info, err := os.Stat(filepath.Join(odir, match))
			if err != nil {
				return nil, err
			}
			if info.Mode().IsRegular() {
				seen[match] = true
			}
		}
	}

	outputs := make([]string, 0, len(seen))
	for path := range seen {
		outputs = append(outputs, path)
	}
	sort.Strings(outputs)
	return outputs, nil
}

// UploadAllOutputs uploads the collected output files concurrently. Each
// file's locator is its odir-relative path under locatorPrefix. Returns the
// relative-path-to-locator mapping of everything uploaded.
func UploadAllOutputs(ctx context.Context, engine TransferStarter, odir string, outputs []string, locatorPrefix string, cfg transfer.Config, logger log.Logger) (map[string]string, error) {
	locators := make(map[string]string, len(outputs))

	var handles []*transfer.Handle
	for _, relPath := range outputs {
		locator := locatorPrefix + "/" + filepath.ToSlash(relPath)
		locators[relPath] = locator
		logger.Infof("Uploading output %s -> %s", relPath, locator)

		handle, err := engine.StartUpload(ctx, transfer.UploadInput{
			Path:    filepath.Join(odir, relPath),
			Locator: locator,
		}, cfg)
		if err != nil {
			cancelAll(handles)
			return nil, fmt.Errorf("upload output %s: %w", relPath, err)
		}
		handles = append(handles, handle)
	}

	if err := waitAll(handles); err != nil {
		return nil, err
	}
	return locators, nil
}

func cancelAll(handles []*transfer.Handle) {
	for _, h := range handles {
		h.Cancel()
	}
}

// waitAll drains every handle and reports the first failure. Remaining jobs
// are cancelled once one fails, but still waited for.
func waitAll(handles []*transfer.Handle) error {
	var firstErr error
	for _, h := range handles {
		status, err := h.Wait()
		if err != nil && firstErr == nil {
			firstErr = err
			cancelAll(handles)
		}
		if err == nil && status != transfer.StatusComplete && firstErr == nil {
			firstErr = fmt.Errorf("transfer ended with status %s", status)
		}
	}
	return firstErr
}
