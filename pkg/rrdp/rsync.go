package rrdp

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// mirrorRsync brings the rsync tree in line with the full object set:
// new and changed files are written via temp-and-rename, deletions
// happen last, and files already holding the right bytes are left
// untouched so rsync clients see stable mtimes.
func (w *Writer) mirrorRsync(full map[string][]byte) error {
	desired := make(map[string][]byte, len(full))
	for uri, data := range full {
		rel, err := rsyncRelPath(uri)
		if err != nil {
			return err
		}
		desired[rel] = data
	}

	for rel, data := range desired {
		path := filepath.Join(w.rsyncDir, filepath.FromSlash(rel))
		if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create rsync directory for %s: %w", rel, err)
		}
		if err := writeFileAtomic(path, data); err != nil {
			return err
		}
	}

	var stale []string
	err := filepath.WalkDir(w.rsyncDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.rsyncDir, path)
		if err != nil {
			return err
		}
		if _, want := desired[filepath.ToSlash(rel)]; !want {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan rsync tree: %w", err)
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove withdrawn %s: %w", path, err)
		}
	}
	pruneEmptyDirs(w.rsyncDir)
	return nil
}

// rsyncRelPath maps an rsync URI to its path under the mirror root:
// scheme and host are dropped, the path is kept.
func rsyncRelPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse object uri %s: %w", uri, err)
	}
	if u.Scheme != "rsync" {
		return "", fmt.Errorf("object uri %s: not an rsync uri", uri)
	}
	rel := strings.TrimPrefix(u.Path, "/")
	if rel == "" || strings.Contains(rel, "..") {
		return "", fmt.Errorf("object uri %s: unusable path", uri)
	}
	return rel, nil
}

func pruneEmptyDirs(root string) {
	// Repeated passes handle nested empty directories; the tree is
	// shallow so this converges quickly.
	for {
		removed := false
		filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() || path == root {
				return nil
			}
			entries, err := os.ReadDir(path)
			if err == nil && len(entries) == 0 {
				if os.Remove(path) == nil {
					removed = true
				}
			}
			return nil
		})
		if !removed {
			return
		}
	}
}
