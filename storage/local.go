package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Local implements ObjectStore on the local filesystem with one directory
// per bucket under root.
type Local struct {
	root string
}

// NewLocal creates a Local store rooted at dir, creating dir if needed.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Local{root: abs}, nil
}

func (l *Local) resolve(bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("storage: invalid bucket %q", bucket)
	}
	full := filepath.Join(l.root, bucket, filepath.FromSlash(key))
	bucketDir := filepath.Join(l.root, bucket)
	if full != bucketDir && !strings.HasPrefix(full, bucketDir+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: key %q escapes bucket %q", key, bucket)
	}
	return full, nil
}

// Put writes through a temp file and renames, so readers never see a
// partial object.
func (l *Local) Put(_ context.Context, bucket, key string, r io.Reader, _ int64, _ string) error {
	full, err := l.resolve(bucket, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(l.root, bucket)); err != nil {
		return fmt.Errorf("storage: bucket %s: %w", bucket, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), full)
}

func (l *Local) Get(_ context.Context, bucket, key string) ([]byte, error) {
	full, err := l.resolve(bucket, key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (l *Local) Stat(_ context.Context, bucket, key string) (ObjectInfo, error) {
	full, err := l.resolve(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return ObjectInfo{}, nil
	}
	if err != nil {
		return ObjectInfo{}, err
	}
	if info.IsDir() {
		return ObjectInfo{}, nil
	}
	return ObjectInfo{Exists: true, Size: info.Size()}, nil
}

func (l *Local) List(_ context.Context, bucket, prefix string) ([]string, error) {
	bucketDir, err := l.resolve(bucket, "")
	if err != nil {
		return nil, err
	}
	var keys []string
	err = filepath.WalkDir(bucketDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *Local) BucketExists(_ context.Context, bucket string) (bool, error) {
	dir, err := l.resolve(bucket, "")
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (l *Local) MakeBucket(_ context.Context, bucket string) error {
	dir, err := l.resolve(bucket, "")
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

// URL returns a file:// URL for the object.
func (l *Local) URL(bucket, key string) string {
	return "file://" + filepath.ToSlash(filepath.Join(l.root, bucket, filepath.FromSlash(key)))
}

var (
	_ ObjectStore = (*Local)(nil)
	_ BucketMaker = (*Local)(nil)
)
