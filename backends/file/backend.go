// Package file stores blocks as files in a local directory, one file per key.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kochman/cloudraid"
)

const tmpPrefix = ".tmp-"

func NewBackend(name, dir string) (*Backend, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("unable to stat dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	b := &Backend{
		name: name,
		dir:  dir,
	}
	return b, nil
}

type Backend struct {
	name string
	dir  string
}

func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(b.dir, key), nil
}

func (b *Backend) wrap(op, key string, err error) error {
	return &cloudraid.BackendError{Backend: b.name, Op: op, Key: key, Err: err}
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, b.wrap("list", "", fmt.Errorf("unable to read dir: %w", err))
	}
	keys := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, b.wrap("read", key, err)
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, b.wrap("read", key, cloudraid.ErrNotFound)
	} else if err != nil {
		return nil, b.wrap("read", key, fmt.Errorf("unable to read block: %w", err))
	}
	return data, nil
}

// Write goes through a temporary file and a rename, so readers see either
// the old block or the new one.
func (b *Backend) Write(ctx context.Context, key string, data []byte) error {
	p, err := b.path(key)
	if err != nil {
		return b.wrap("write", key, err)
	}
	f, err := os.CreateTemp(b.dir, tmpPrefix)
	if err != nil {
		return b.wrap("write", key, fmt.Errorf("unable to create temp file: %w", err))
	}
	tmp := f.Name()
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return b.wrap("write", key, fmt.Errorf("unable to write block: %w", err))
	}
	err = os.Rename(tmp, p)
	if err != nil {
		os.Remove(tmp)
		return b.wrap("write", key, fmt.Errorf("unable to rename block: %w", err))
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return b.wrap("delete", key, err)
	}
	err = os.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return b.wrap("delete", key, fmt.Errorf("unable to remove block: %w", err))
	}
	return nil
}
