package jobdir

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// ArchiveDependencyChecker reports whether the system tar and zstd binaries
// are available.
type ArchiveDependencyChecker interface {
	CheckDependencies() bool
}

// DependencyChecker probes for tar and zstd on PATH.
type DependencyChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewDependencyChecker ...
func NewDependencyChecker(logger log.Logger, envRepo env.Repository) *DependencyChecker {
	return &DependencyChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (dc *DependencyChecker) CheckDependencies() bool {
	return dc.checkDependency("tar") && dc.checkDependency("zstd")
}

func (dc *DependencyChecker) checkDependency(binaryName string) bool {
	cmdFactory := command.NewFactory(dc.envRepo)
	cmd := cmdFactory.Create("which", []string{binaryName}, nil)
	dc.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Archiver bundles a job's output directory into one zstd-compressed tar
// so many small result files travel as a single upload. It shells out to
// the system binaries when present and falls back to the Go zstd
// implementation otherwise.
type Archiver struct {
	logger            log.Logger
	envRepo           env.Repository
	dependencyChecker ArchiveDependencyChecker
}

// NewArchiver ...
func NewArchiver(logger log.Logger, envRepo env.Repository, dependencyChecker ArchiveDependencyChecker) *Archiver {
	return &Archiver{
		logger:            logger,
		envRepo:           envRepo,
		dependencyChecker: dependencyChecker,
	}
}

// Compress archives the contents of srcDir into archivePath. Paths inside
// the archive are relative to srcDir.
func (a *Archiver) Compress(archivePath, srcDir string) error {
	if a.dependencyChecker.CheckDependencies() {
		a.logger.Debugf("Using installed zstd binary")
		if err := a.compressWithBinary(archivePath, srcDir); err != nil {
			return fmt.Errorf("compress %s: %w", srcDir, err)
		}
		return nil
	}

	a.logger.Debugf("Falling back to native implementation of zstd")
	if err := a.compressWithGoLib(archivePath, srcDir); err != nil {
		return fmt.Errorf("compress %s: %w", srcDir, err)
	}
	return nil
}

// Decompress extracts archivePath into destDir.
func (a *Archiver) Decompress(archivePath, destDir string) error {
	if a.dependencyChecker.CheckDependencies() {
		a.logger.Debugf("Using installed zstd binary")
		if err := a.decompressWithBinary(archivePath, destDir); err != nil {
			return fmt.Errorf("decompress %s: %w", archivePath, err)
		}
		return nil
	}

	a.logger.Debugf("Falling back to native implementation of zstd")
	if err := a.decompressWithGoLib(archivePath, destDir); err != nil {
		return fmt.Errorf("decompress %s: %w", archivePath, err)
	}
	return nil
}

func (a *Archiver) compressWithGoLib(archivePath, srcDir string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer out.Close()

	zstdWriter, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zstdWriter)

	err = filepath.Walk(srcDir, func(file string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(srcDir, file)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(file); err != nil {
				return fmt.Errorf("read symlink: %w", err)
			}
		}

		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return fmt.Errorf("create file info header: %w", err)
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar file header: %w", err)
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		data, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		if _, err := io.Copy(tw, data); err != nil {
			data.Close()
			return fmt.Errorf("copy file into archive: %w", err)
		}
		return data.Close()
	})
	if err != nil {
		return fmt.Errorf("iterate on files: %w", err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func (a *Archiver) compressWithBinary(archivePath, srcDir string) error {
	cmdFactory := command.NewFactory(a.envRepo)

	tarArgs := []string{
		"--use-compress-program", "zstd --threads=0",
		"-c",
		"-f", archivePath,
		"-C", srcDir,
		".",
	}
	cmd := cmdFactory.Create("tar", tarArgs, nil)
	a.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}
	return nil
}

func (a *Archiver) decompressWithGoLib(archivePath, destDir string) error {
	compressedFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("read file %s: %w", archivePath, err)
	}
	defer compressedFile.Close()

	zr, err := zstd.NewReader(compressedFile)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar file: %w", err)
		}

		target := filepath.Join(destDir, filepath.FromSlash(header.Name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
			fileToWrite, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(fileToWrite, tr); err != nil {
				fileToWrite.Close()
				return fmt.Errorf("copy content to file: %w", err)
			}
			if err := fileToWrite.Close(); err != nil {
				return fmt.Errorf("write file: %w", err)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink file: %w", err)
			}
		}
	}
	return nil
}

func (a *Archiver) decompressWithBinary(archivePath, destDir string) error {
	cmdFactory := command.NewFactory(a.envRepo)

	tarArgs := []string{
		"--use-compress-program", "zstd -d",
		"-x",
		"-f", archivePath,
		"--directory", destDir,
	}
	cmd := cmdFactory.Create("tar", tarArgs, nil)
	a.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}
	return nil
}
