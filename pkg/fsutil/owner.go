// Package fsutil holds the file operations used on the test and result
// trees: ownership aware directory creation, result moves and second
// precision modification times.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// OwnerConfig holds the UID/GID given to created result files.
type OwnerConfig struct {
	UID int
	GID int
}

// ParseOwner parses "uid:gid". An empty string means no ownership change.
func ParseOwner(owner string) (*OwnerConfig, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, nil
	}

	uidText, gidText, ok := strings.Cut(owner, ":")
	if !ok || strings.Contains(gidText, ":") {
		return nil, fmt.Errorf("invalid owner %q, expected uid:gid", owner)
	}

	uid, err := parseID(uidText)
	if err != nil {
		return nil, fmt.Errorf("invalid uid in %q: %w", owner, err)
	}

	gid, err := parseID(gidText)
	if err != nil {
		return nil, fmt.Errorf("invalid gid in %q: %w", owner, err)
	}

	return &OwnerConfig{UID: uid, GID: gid}, nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}

	if id < 0 {
		return 0, fmt.Errorf("negative id %d", id)
	}

	return id, nil
}

// Chown applies owner to path. Failures are ignored: archives stay usable
// by the current user.
func Chown(path string, owner *OwnerConfig) {
	if owner == nil {
		return
	}

	_ = os.Chown(path, owner.UID, owner.GID)
}

// MkdirAll creates a directory tree and applies owner to every directory
// it created. Existing parents keep their ownership.
func MkdirAll(path string, perm os.FileMode, owner *OwnerConfig) error {
	path = filepath.Clean(path)

	var created []string

	for dir := path; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			break
		}

		created = append(created, dir)

		if parent := filepath.Dir(dir); parent == dir {
			break
		}
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	for i := len(created) - 1; i >= 0; i-- {
		Chown(created[i], owner)
	}

	return nil
}
