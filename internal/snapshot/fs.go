package snapshot

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FS is the filesystem snapshots read from and restore into. Paths are
// relative to the workspace root.
type FS interface {
	ReadFile(name string) ([]byte, error)
	Stat(name string) (fs.FileInfo, error)
	WriteFile(name string, data []byte, mode fs.FileMode) error
	Chtimes(name string, mtime time.Time) error
	Remove(name string) error
	// Files lists regular files under dir, sorted.
	Files(dir string) ([]string, error)
}

// OSFS confines file access to Root.
type OSFS struct {
	Root string
}

// Clean normalizes name to a slash-separated path relative to the root and
// rejects anything that escapes it.
func (o OSFS) Clean(name string) (string, error) {
	root := filepath.Clean(o.Root)
	p := name
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(root, filepath.Clean(p))
		if err != nil {
			return "", err
		}
		p = rel
	}
	p = filepath.Clean(p)
	if p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace %q", name, o.Root)
	}
	return filepath.ToSlash(p), nil
}

func (o OSFS) abs(name string) (string, error) {
	rel, err := o.Clean(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(o.Root, filepath.FromSlash(rel)), nil
}

func (o OSFS) ReadFile(name string) ([]byte, error) {
	p, err := o.abs(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (o OSFS) Stat(name string) (fs.FileInfo, error) {
	p, err := o.abs(name)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

func (o OSFS) WriteFile(name string, data []byte, mode fs.FileMode) error {
	p, err := o.abs(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".execguard-restore"
	if err := os.WriteFile(tmp, data, mode.Perm()); err != nil {
		return err
	}
	if err := os.Chmod(tmp, mode.Perm()); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}

func (o OSFS) Chtimes(name string, mtime time.Time) error {
	p, err := o.abs(name)
	if err != nil {
		return err
	}
	return os.Chtimes(p, mtime, mtime)
}

func (o OSFS) Remove(name string) error {
	p, err := o.abs(name)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (o OSFS) Files(dir string) ([]string, error) {
	base, err := o.abs(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" && p != base {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(o.Root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(out)
	return out, err
}
