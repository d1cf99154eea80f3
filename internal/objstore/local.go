package objstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Local stores objects as files under a root directory. It stands in for
// S3 in development and for the postgres and sqlite warehouses.
type Local struct {
	root string
}

// NewLocal creates a store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: resolve %s", dir)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, eris.Wrapf(err, "objstore: create %s", abs)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute root directory.
func (l *Local) Root() string { return l.root }

func (l *Local) path(key string) (string, error) {
	p := filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if p != l.root && !strings.HasPrefix(p, l.root+string(filepath.Separator)) {
		return "", eris.Errorf("objstore: key %q escapes %s", key, l.root)
	}
	return p, nil
}

// Put writes data to root/key and returns its file:// ref.
func (l *Local) Put(_ context.Context, key string, data []byte) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", eris.Wrapf(err, "objstore: mkdir for %s", key)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "objstore: write %s", key)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", eris.Wrapf(err, "objstore: rename %s", key)
	}
	return Ref{Scheme: SchemeFile, Key: filepath.ToSlash(p)}.String(), nil
}

// Get reads the file at a file:// ref.
func (l *Local) Get(_ context.Context, ref string) ([]byte, error) {
	r, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if r.Scheme != SchemeFile {
		return nil, eris.Errorf("objstore: local store cannot read %q", ref)
	}
	data, err := os.ReadFile(filepath.FromSlash(r.Key))
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: read %s", ref)
	}
	return data, nil
}

// List returns refs of files whose key starts with prefix, sorted by key.
func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimPrefix(prefix, "/")
	var keys []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: list %s", prefix)
	}
	sort.Strings(keys)

	refs := make([]string, len(keys))
	for i, k := range keys {
		refs[i] = Ref{Scheme: SchemeFile, Key: filepath.ToSlash(filepath.Join(l.root, filepath.FromSlash(k)))}.String()
	}
	return refs, nil
}
