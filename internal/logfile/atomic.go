package logfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RenameOptions controls how AtomicWriteWith retries the final rename.
type RenameOptions struct {
	// MaxAttempts bounds rename attempts before falling back to copy.
	MaxAttempts uint64
	// InitialInterval is the first retry delay; it doubles with jitter.
	InitialInterval time.Duration
	// MaxInterval caps a single retry delay.
	MaxInterval time.Duration
	// Rename replaces os.Rename. Tests use it to simulate a destination
	// that is transiently locked by a reader.
	Rename func(oldpath, newpath string) error
}

// DefaultRenameOptions returns the retry policy used by AtomicWrite.
func DefaultRenameOptions() RenameOptions {
	return RenameOptions{
		MaxAttempts:     8,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

// AtomicWrite replaces path with data so that readers observe either the old
// or the new contents, never a partial file.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	return AtomicWriteWith(path, data, perm, DefaultRenameOptions())
}

// AtomicWriteWith is AtomicWrite with an explicit rename retry policy.
//
// Algorithm:
//  1. write data to a temp file in the destination directory and fsync it
//  2. rename the temp file over path, retrying with exponential backoff and
//     jitter while the rename fails
//  3. when every attempt fails, copy the temp file over path and delete it
func AtomicWriteWith(path string, data []byte, perm os.FileMode, opts RenameOptions) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	rename := opts.Rename
	if rename == nil {
		rename = os.Rename
	}
	attempts := opts.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0

	renameErr := backoff.Retry(func() error {
		return rename(tmpName, path)
	}, backoff.WithMaxRetries(b, attempts-1))
	if renameErr == nil {
		syncDir(dir)
		return nil
	}

	// Last resort: the destination stayed locked for every attempt.
	if err := copyFile(tmpName, path, perm); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: rename failed (%v) and copy fallback failed: %w", path, renameErr, err)
	}
	cleanup()
	syncDir(dir)
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// syncDir makes the rename durable on filesystems that need the directory
// entry flushed. Failures are ignored; not every platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
