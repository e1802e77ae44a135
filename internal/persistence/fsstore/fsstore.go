package fsstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir stores blobs as files below a root directory. Logical paths are
// slash-separated and must stay inside the root.
type Dir struct {
	root string
}

func New(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("empty storage root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes storage root", path)
	}
	return filepath.Join(d.root, clean), nil
}

func (d *Dir) ReadBytes(path string) ([]byte, error) {
	p, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (d *Dir) EnsureDir(path string) error {
	p, err := d.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

// WriteBytesAtomically writes to a temp file in the target directory, syncs
// it and renames it over the target, so readers see the old or the new
// content and never a partial file.
func (d *Dir) WriteBytesAtomically(path string, data []byte) error {
	p, err := d.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		return err
	}
	committed = true
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}
