package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ModTime returns the modification time of path in UTC, truncated to
// seconds so it compares equal to a stored date. Missing files give the
// zero time.
func ModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}

	return info.ModTime().UTC().Truncate(time.Second)
}

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// CopyFile copies src over dst, creating the parent of dst.
func CopyFile(src, dst string, owner *OwnerConfig) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	if err := MkdirAll(filepath.Dir(dst), 0o755, owner); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return fmt.Errorf("copying %s: %w", src, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}

	Chown(dst, owner)

	return nil
}

// MoveFile moves srcDir/srcName to dstDir/dstName. An existing
// destination is only replaced when force is set; the source is removed
// either way.
func MoveFile(srcDir, dstDir, srcName, dstName string, force bool, owner *OwnerConfig) error {
	src := filepath.Join(srcDir, srcName)
	dst := filepath.Join(dstDir, dstName)

	if src == dst {
		return nil
	}

	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("source %s: %w", src, err)
	}

	if force || !Exists(dst) {
		if err := CopyFile(src, dst, owner); err != nil {
			return err
		}
	}

	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", src, err)
	}

	return nil
}
