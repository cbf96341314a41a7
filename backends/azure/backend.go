// Package azure stores blocks as block blobs in an Azure Storage container.
package azure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/kochman/cloudraid"
)

// Options configures the connection. Endpoint defaults to the public blob
// endpoint of Account; set it to talk to an emulator.
type Options struct {
	Account   string
	Key       string
	Container string
	Endpoint  string
}

type Backend struct {
	name string
	c    azblob.ContainerURL
}

func NewBackend(ctx context.Context, name string, opt Options) (*Backend, error) {
	if opt.Account == "" || opt.Container == "" {
		return nil, fmt.Errorf("account and container are required")
	}
	credential, err := azblob.NewSharedKeyCredential(opt.Account, opt.Key)
	if err != nil {
		return nil, fmt.Errorf("unable to create credential: %w", err)
	}
	endpoint := opt.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", opt.Account)
	}
	u, err := url.Parse(strings.TrimRight(endpoint, "/") + "/" + opt.Container)
	if err != nil {
		return nil, fmt.Errorf("unable to parse endpoint: %w", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})
	c := azblob.NewContainerURL(*u, pipeline)
	_, err = c.GetProperties(ctx, azblob.LeaseAccessConditions{})
	if err != nil {
		return nil, fmt.Errorf("unable to get container %q: %w", opt.Container, err)
	}

	b := &Backend{
		name: name,
		c:    c,
	}
	return b, nil
}

func (b *Backend) Name() string {
	return b.name
}

func isNotFound(err error) bool {
	storageErr, ok := err.(azblob.StorageError)
	if !ok {
		return false
	}
	if storageErr.ServiceCode() == azblob.ServiceCodeBlobNotFound {
		return true
	}
	resp := storageErr.Response()
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

func (b *Backend) wrap(op, key string, err error) error {
	if isNotFound(err) {
		err = cloudraid.ErrNotFound
	}
	return &cloudraid.BackendError{Backend: b.name, Op: op, Key: key, Err: err}
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	options := azblob.ListBlobsSegmentOptions{
		Prefix: prefix,
	}
	keys := []string{}
	for marker := (azblob.Marker{}); marker.NotDone(); {
		resp, err := b.c.ListBlobsFlatSegment(ctx, marker, options)
		if err != nil {
			return nil, b.wrap("list", "", err)
		}
		marker = resp.NextMarker
		for _, item := range resp.Segment.BlobItems {
			keys = append(keys, item.Name)
		}
	}
	return keys, nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	blob := b.c.NewBlockBlobURL(key)
	resp, err := blob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return nil, b.wrap("read", key, err)
	}
	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer body.Close()

	p, err := io.ReadAll(body)
	if err != nil {
		return nil, b.wrap("read", key, fmt.Errorf("unable to read body: %w", err))
	}
	return p, nil
}

// Write uploads the whole block in one request. A block blob upload
// replaces any existing blob atomically.
func (b *Backend) Write(ctx context.Context, key string, p []byte) error {
	blob := b.c.NewBlockBlobURL(key)
	_, err := azblob.UploadBufferToBlockBlob(ctx, p, blob, azblob.UploadToBlockBlobOptions{
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{ContentType: "text/plain"},
	})
	if err != nil {
		return b.wrap("write", key, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	blob := b.c.NewBlockBlobURL(key)
	_, err := blob.Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil && !isNotFound(err) {
		return b.wrap("delete", key, err)
	}
	return nil
}
