package security

import (
	"io/fs"
	"path/filepath"
	"strings"

	"wave-agent/internal/domain"
)

// skippedDirs are never listed: VCS metadata and dependency caches.
var skippedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
}

// Files lists regular files under the root, relative and slash-separated,
// in walk order. Hidden directories are skipped. At most limit entries are
// returned; limit <= 0 means no limit. Unreadable entries are ignored.
func (s *Sandbox) Files(limit int) []domain.FileInfo {
	var out []domain.FileInfo
	_ = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != s.root {
				return fs.SkipDir
			}
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != s.root && (skippedDirs[name] || strings.HasPrefix(name, ".")) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, domain.FileInfo{
			Path:    s.Rel(path),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		if limit > 0 && len(out) >= limit {
			return fs.SkipAll
		}
		return nil
	})
	return out
}
