package file

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/go-test/deep"
	"github.com/kochman/cloudraid"
	"github.com/kochman/cloudraid/backends/backendtest"
)

func TestWriteRead(t *testing.T) {
	dir, err := os.MkdirTemp("", "cloudraid-backend-file-")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	// make sure we conform to the interface
	var b cloudraid.Backend
	b, err = NewBackend("local", dir)
	if err != nil {
		t.Fatalf("unable to create file backend: %v", err)
	}
	ctx := context.Background()

	keys, err := b.List(ctx, "")
	if err != nil {
		t.Fatalf("unable to list empty dir: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}

	_, err = b.Read(ctx, "abc-0")
	if !cloudraid.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	err = b.Write(ctx, "abc-0", []byte("hello"))
	if err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	p, err := b.Read(ctx, "abc-0")
	if err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	expected := []byte("hello")
	if !bytes.Equal(p, expected) {
		t.Errorf("expected %v, got %v", expected, p)
	}

	// overwrite with something shorter. nothing of the old value may remain
	err = b.Write(ctx, "abc-0", []byte("hi"))
	if err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	p, err = b.Read(ctx, "abc-0")
	if err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	expected = []byte("hi")
	if !bytes.Equal(p, expected) {
		t.Errorf("expected %v, got %v", expected, p)
	}

	err = b.Write(ctx, "abd-0", []byte("other"))
	if err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	keys, err = b.List(ctx, "abc-")
	if err != nil {
		t.Fatalf("unable to list: %v", err)
	}
	if diff := deep.Equal(keys, []string{"abc-0"}); diff != nil {
		t.Error(diff)
	}

	err = b.Delete(ctx, "abc-0")
	if err != nil {
		t.Fatalf("unable to delete: %v", err)
	}
	err = b.Delete(ctx, "abc-0")
	if err != nil {
		t.Errorf("deleting a missing key should succeed, got %v", err)
	}
	_, err = b.Read(ctx, "abc-0")
	if !cloudraid.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestInvalidKey(t *testing.T) {
	dir, err := os.MkdirTemp("", "cloudraid-backend-file-")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	b, err := NewBackend("local", dir)
	if err != nil {
		t.Fatalf("unable to create file backend: %v", err)
	}
	err = b.Write(context.Background(), "../escape", []byte("x"))
	if err == nil {
		t.Errorf("expected an error for a key with a path separator")
	}
}

func TestConformance(t *testing.T) {
	dir, err := os.MkdirTemp("", "cloudraid-backend-file-")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	b, err := NewBackend("local", dir)
	if err != nil {
		t.Fatalf("unable to create file backend: %v", err)
	}
	backendtest.Run(t, b)
}
