// Package s3 stores blocks as objects in an Amazon S3 (or S3 compatible)
// bucket.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/kochman/cloudraid"
)

// Options configures the connection. Empty keys fall back to the default
// AWS credential chain.
type Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type Backend struct {
	name   string
	bucket string
	c      *s3.S3
}

func NewBackend(ctx context.Context, name string, opt Options) (*Backend, error) {
	if opt.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	cfg := aws.NewConfig()
	if opt.Region != "" {
		cfg = cfg.WithRegion(opt.Region)
	}
	if opt.AccessKeyID != "" || opt.SecretAccessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(opt.AccessKeyID, opt.SecretAccessKey, ""))
	}
	if opt.Endpoint != "" {
		cfg = cfg.WithEndpoint(opt.Endpoint).WithS3ForcePathStyle(true)
	}
	ses, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create session: %w", err)
	}

	c := s3.New(ses)
	_, err = c.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(opt.Bucket)})
	if err != nil {
		return nil, fmt.Errorf("unable to get bucket %q: %w", opt.Bucket, err)
	}

	b := &Backend{
		name:   name,
		bucket: opt.Bucket,
		c:      c,
	}
	return b, nil
}

func (b *Backend) Name() string {
	return b.name
}

// isNotFound reports whether err is S3 telling us the key does not exist.
func isNotFound(err error) bool {
	if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	if awsErr, ok := err.(awserr.Error); ok {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

func (b *Backend) wrap(op, key string, err error) error {
	if isNotFound(err) {
		err = cloudraid.ErrNotFound
	}
	return &cloudraid.BackendError{Backend: b.name, Op: op, Key: key, Err: err}
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	req := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
	}
	if prefix != "" {
		req.Prefix = aws.String(prefix)
	}
	keys := []string{}
	err := b.c.ListObjectsV2PagesWithContext(ctx, req, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, b.wrap("list", "", err)
	}
	return keys, nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.c.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, b.wrap("read", key, err)
	}
	defer resp.Body.Close()

	p, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, b.wrap("read", key, fmt.Errorf("unable to read body: %w", err))
	}
	return p, nil
}

// Write puts the object and then waits until a HEAD sees it, so a following
// Read never finds the key missing.
func (b *Backend) Write(ctx context.Context, key string, p []byte) error {
	_, err := b.c.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(p),
		ContentLength: aws.Int64(int64(len(p))),
		ContentType:   aws.String("text/plain"),
	})
	if err != nil {
		return b.wrap("write", key, err)
	}
	err = b.c.WaitUntilObjectExistsWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.wrap("write", key, fmt.Errorf("object never became visible: %w", err))
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.c.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return b.wrap("delete", key, err)
	}
	err = b.c.WaitUntilObjectNotExistsWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return b.wrap("delete", key, fmt.Errorf("object still visible: %w", err))
	}
	return nil
}
