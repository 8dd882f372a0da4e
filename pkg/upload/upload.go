// Package upload archives the Result tree to remote storage.
package upload

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Uploader copies a local result tree to remote storage.
type Uploader interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// Sync uploads the files of localDir that are missing remotely or
	// differ in size or are newer than their remote copy.
	Sync(ctx context.Context, localDir string) (Stats, error)

	// PutJSON writes v as a JSON object named name under the prefix.
	PutJSON(ctx context.Context, name string, v any) error
}

// Stats summarises a Sync.
type Stats struct {
	Uploaded int
	Skipped  int
	Bytes    int64
}

// localFile is a file of the tree keyed by its slash-separated path.
type localFile struct {
	Path    string
	Rel     string
	Size    int64
	ModTime time.Time
}

// remoteObject is the remote state of a key.
type remoteObject struct {
	Size         int64
	LastModified time.Time
}

// walkLocal lists the regular files below dir, skipping hidden entries.
func walkLocal(dir string) ([]localFile, error) {
	var files []localFile

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		files = append(files, localFile{
			Path:    path,
			Rel:     filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory %s: %w", dir, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Rel < files[j].Rel })

	return files, nil
}

// plan returns the files to upload given the remote objects keyed by
// relative path.
func plan(files []localFile, remote map[string]remoteObject) []localFile {
	var out []localFile

	for _, f := range files {
		obj, ok := remote[f.Rel]
		if ok && obj.Size == f.Size && !f.ModTime.After(obj.LastModified) {
			continue
		}

		out = append(out, f)
	}

	return out
}
