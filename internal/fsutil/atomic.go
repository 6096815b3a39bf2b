// Package fsutil provides filesystem primitives the pipeline depends on:
// atomic file replacement and advisory per-path locking.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrCrossDevice is returned when the atomic rename would cross filesystems.
// Renames are only atomic within a single filesystem, so this is fatal rather
// than silently falling back to a copy.
var ErrCrossDevice = errors.New("atomic write: rename crosses filesystem boundary")

// WriteFile writes data to path atomically: the bytes land in a sibling temp
// file which is fsynced and then renamed over the target. A concurrent reader
// observes either the old contents or the new contents, never a prefix.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	// Any failure from here on must not leave the temp file behind.
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		if isCrossDevice(err) {
			return fmt.Errorf("%w: %s", ErrCrossDevice, path)
		}
		return fmt.Errorf("failed to rename temp file over %s: %w", path, err)
	}

	// Persist the rename itself. Failure here is not fatal: the data is
	// durable in the file, only the directory entry may lag a crash.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}

	return nil
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, syscall.EXDEV)
	}
	return errors.Is(err, syscall.EXDEV)
}
