// Package safe provides file operations with validation, used wherever
// the agent copies files across trust boundaries (container filesystem
// views, user-owned symbol logs).
package safe

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// DefaultMaxFileSize bounds copies and reads. Symbol maps for large JIT
// runtimes run to tens of megabytes.
const DefaultMaxFileSize = 64 << 20

// CopyFileOptions configures the behavior of CopyFile and ReadFile.
type CopyFileOptions struct {
	// MaxSize is the maximum allowed file size in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// DestPerm is the permission mode for the destination file. Zero means 0600.
	DestPerm os.FileMode
	// AllowSymlinks allows symlink sources. Default is false for security.
	AllowSymlinks bool
}

// CopyFile copies a file from src to dst with security validations.
// It rejects symlinks by default to prevent file inclusion attacks,
// validates file size, and ensures only regular files are copied.
func CopyFile(src, dst string, opts *CopyFileOptions) error {
	if opts == nil {
		opts = &CopyFileOptions{}
	}
	destPerm := opts.DestPerm
	if destPerm == 0 {
		destPerm = 0o600
	}

	cleanSrc := filepath.Clean(src)
	if err := validateRegular(cleanSrc, opts); err != nil {
		return err
	}

	srcFile, err := os.Open(cleanSrc)
	if err != nil {
		return err
	}
	defer func(srcFile *os.File) {
		_ = srcFile.Close()
	}(srcFile)

	// #nosec G304 - we have validated the file prior to this.
	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, destPerm)
	if err != nil {
		return err
	}
	defer func(dstFile *os.File) {
		_ = dstFile.Close()
	}(dstFile)

	_, err = io.Copy(dstFile, srcFile)
	return err
}

// ReadFile reads a file with the same validations as CopyFile.
func ReadFile(path string, opts *CopyFileOptions) ([]byte, error) {
	if opts == nil {
		opts = &CopyFileOptions{}
	}

	cleanPath := filepath.Clean(path)
	if err := validateRegular(cleanPath, opts); err != nil {
		return nil, err
	}

	return os.ReadFile(cleanPath)
}

// WriteFileAtomic writes data to a temporary file in the destination
// directory and renames it into place, so readers never observe a
// partially written file. Used to publish symbol maps into the shared
// pid-keyed location.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func validateRegular(path string, opts *CopyFileOptions) error {
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	// Check file info without following symlinks.
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if !opts.AllowSymlinks {
			return fmt.Errorf("file %q is a symlink, which is not allowed for security reasons", path)
		}
		info, err = os.Stat(path)
		if err != nil {
			return err
		}
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("path %q is not a regular file", path)
	}

	if info.Size() > maxSize {
		return fmt.Errorf("file exceeds maximum allowed size of %d bytes", maxSize)
	}
	return nil
}

// Close closes gracefully a Closer interface, handling and logging the error.
func Close(c io.Closer, logger zerolog.Logger, msg string) {
	if err := c.Close(); err != nil {
		logger.Error().Err(err).Msg(msg)
	}
}
