// Package gcs stores blocks as objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/kochman/cloudraid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type Backend struct {
	name string
	b    *storage.BucketHandle
}

// NewBackend connects to bucket. An empty credentialsFile falls back to the
// application default credentials.
func NewBackend(ctx context.Context, name, bucket, credentialsFile string) (*Backend, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create client: %w", err)
	}

	b := client.Bucket(bucket)
	_, err = b.Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to get bucket handle: %w", err)
	}

	backend := &Backend{
		name: name,
		b:    b,
	}
	return backend, nil
}

func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) wrap(op, key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		err = cloudraid.ErrNotFound
	}
	return &cloudraid.BackendError{Backend: b.name, Op: op, Key: key, Err: err}
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	q := &storage.Query{Prefix: prefix}
	keys := []string{}
	it := b.b.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, b.wrap("list", "", fmt.Errorf("unable to iterate: %w", err))
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := b.b.Object(key).NewReader(ctx)
	if err != nil {
		return nil, b.wrap("read", key, err)
	}
	defer r.Close()

	p, err := io.ReadAll(r)
	if err != nil {
		return nil, b.wrap("read", key, fmt.Errorf("unable to read object: %w", err))
	}
	return p, nil
}

// Write replaces the object. GCS gives read-after-write consistency once the
// writer is closed, so nothing needs deleting first.
func (b *Backend) Write(ctx context.Context, key string, p []byte) error {
	f := b.b.Object(key).NewWriter(ctx)
	_, err := f.Write(p)
	if err != nil {
		f.Close()
		return b.wrap("write", key, fmt.Errorf("unable to write object: %w", err))
	}

	err = f.Close()
	if err != nil {
		return b.wrap("write", key, fmt.Errorf("unable to close writer: %w", err))
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	err := b.b.Object(key).Delete(ctx)
	if err == storage.ErrObjectNotExist {
		return nil
	} else if err != nil {
		return b.wrap("delete", key, fmt.Errorf("unable to delete object: %w", err))
	}
	return nil
}
