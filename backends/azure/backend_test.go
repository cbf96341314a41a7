package azure

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/kochman/cloudraid"
	"github.com/kochman/cloudraid/backends/backendtest"
	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	b := &Backend{name: "azure"}
	err := b.wrap("read", "k", errors.New("connection refused"))

	var be *cloudraid.BackendError
	assert.True(t, errors.As(err, &be))
	assert.Equal(t, "read", be.Op)
	assert.False(t, cloudraid.IsNotFound(err))
}

func TestNewBackendValidates(t *testing.T) {
	_, err := NewBackend(context.Background(), "azure", Options{Account: "acct"})
	assert.Error(t, err)
}

// TestConformance runs against CLOUDRAID_AZURE_CONTAINER, which can point at
// Azurite through CLOUDRAID_AZURE_ENDPOINT.
func TestConformance(t *testing.T) {
	container := os.Getenv("CLOUDRAID_AZURE_CONTAINER")
	if container == "" {
		t.Skip("CLOUDRAID_AZURE_CONTAINER not set")
	}
	b, err := NewBackend(context.Background(), "azure", Options{
		Account:   os.Getenv("CLOUDRAID_AZURE_ACCOUNT"),
		Key:       os.Getenv("CLOUDRAID_AZURE_KEY"),
		Container: container,
		Endpoint:  os.Getenv("CLOUDRAID_AZURE_ENDPOINT"),
	})
	if err != nil {
		t.Fatalf("unable to create azure backend: %v", err)
	}
	backendtest.Run(t, b)
}
