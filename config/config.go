// Package config loads the settings of a cloudraid deployment from a file
// and the environment, and builds the three backends it names.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kochman/cloudraid"
	"github.com/kochman/cloudraid/backends/azure"
	"github.com/kochman/cloudraid/backends/file"
	"github.com/kochman/cloudraid/backends/gcs"
	"github.com/kochman/cloudraid/backends/memory"
	"github.com/kochman/cloudraid/backends/s3"
	"github.com/kochman/cloudraid/backends/throttle"
	"github.com/kochman/cloudraid/codec"
	"github.com/kochman/cloudraid/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key looked up in the environment, e.g.
// CLOUDRAID_BLOCK_SIZE.
const EnvPrefix = "CLOUDRAID"

// Backend types.
const (
	TypeS3     = "s3"
	TypeAzure  = "azure"
	TypeGCS    = "gcs"
	TypeFile   = "file"
	TypeMemory = "memory"
)

// gcsWriteInterval is the GCS limit on mutations of a single object.
const gcsWriteInterval = time.Second

type Config struct {
	BlockSize     int64         `mapstructure:"block_size"`
	DeleteTimeout time.Duration `mapstructure:"delete_timeout"`
	DeletePoll    time.Duration `mapstructure:"delete_poll"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	WriteInterval time.Duration `mapstructure:"write_interval"`
	RetryTimeout  time.Duration `mapstructure:"retry_timeout"`

	// Backends are in placement order. Reordering them after data has been
	// written makes that data unreadable.
	Backends []Backend `mapstructure:"backends"`
}

type Backend struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`

	// s3, gcs
	Bucket string `mapstructure:"bucket"`

	// s3
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// s3, azure
	Endpoint string `mapstructure:"endpoint"`

	// azure
	Account   string `mapstructure:"account"`
	Key       string `mapstructure:"key"`
	Container string `mapstructure:"container"`

	// gcs
	CredentialsFile string `mapstructure:"credentials_file"`

	// file
	Dir string `mapstructure:"dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("block_size", session.DefaultBlockSize)
	v.SetDefault("delete_timeout", session.DefaultDeleteTimeout)
	v.SetDefault("delete_poll", session.DefaultDeletePoll)
	v.SetDefault("cache_ttl", time.Duration(0))
	v.SetDefault("write_interval", time.Duration(0))
	v.SetDefault("retry_timeout", 10*time.Second)
}

// Load reads the config file at path, if path is not empty, and overlays
// CLOUDRAID_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("unable to read config %q: %w", path, err)
		}
	}

	c := &Config{}
	err := v.Unmarshal(c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	err = c.Validate()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the config without contacting any backend.
func (c *Config) Validate() error {
	if c.BlockSize <= 0 || c.BlockSize%codec.Width != 0 {
		return fmt.Errorf("block_size must be a positive multiple of %d, got %d", codec.Width, c.BlockSize)
	}
	if c.DeleteTimeout <= 0 {
		return fmt.Errorf("delete_timeout must be positive, got %v", c.DeleteTimeout)
	}
	if c.DeletePoll <= 0 {
		return fmt.Errorf("delete_poll must be positive, got %v", c.DeletePoll)
	}
	if len(c.Backends) != 3 {
		return fmt.Errorf("exactly 3 backends are required, got %d", len(c.Backends))
	}
	seen := map[string]bool{}
	for i := range c.Backends {
		b := &c.Backends[i]
		b.Type = strings.ToLower(b.Type)
		if b.Type == "azureblob" {
			b.Type = TypeAzure
		}
		if b.Name == "" {
			b.Name = fmt.Sprintf("%s%d", b.Type, i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backend name %q is used twice", b.Name)
		}
		seen[b.Name] = true

		switch b.Type {
		case TypeS3, TypeGCS:
			if b.Bucket == "" {
				return fmt.Errorf("backend %q: bucket is required", b.Name)
			}
		case TypeAzure:
			if b.Account == "" || b.Container == "" {
				return fmt.Errorf("backend %q: account and container are required", b.Name)
			}
		case TypeFile:
			if b.Dir == "" {
				return fmt.Errorf("backend %q: dir is required", b.Name)
			}
		case TypeMemory:
		default:
			return fmt.Errorf("backend %q: unknown type %q", b.Name, b.Type)
		}
	}
	return nil
}

// Build connects to every backend and wraps each in a throttle.
func (c *Config) Build(ctx context.Context, log *logrus.Entry) ([]cloudraid.Backend, error) {
	backends := make([]cloudraid.Backend, 0, len(c.Backends))
	for _, bc := range c.Backends {
		b, err := bc.open(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to create backend %q: %w", bc.Name, err)
		}

		interval := c.WriteInterval
		if bc.Type == TypeGCS && interval < gcsWriteInterval {
			interval = gcsWriteInterval
		}
		backends = append(backends, throttle.New(b,
			throttle.WithWriteInterval(interval),
			throttle.WithRetry(c.RetryTimeout),
			throttle.WithLogger(log),
		))
		log.WithFields(logrus.Fields{"backend": bc.Name, "type": bc.Type}).Debug("backend ready")
	}
	return backends, nil
}

func (bc Backend) open(ctx context.Context) (cloudraid.Backend, error) {
	switch bc.Type {
	case TypeS3:
		return s3.NewBackend(ctx, bc.Name, s3.Options{
			Bucket:          bc.Bucket,
			Region:          bc.Region,
			Endpoint:        bc.Endpoint,
			AccessKeyID:     bc.AccessKeyID,
			SecretAccessKey: bc.SecretAccessKey,
		})
	case TypeAzure:
		return azure.NewBackend(ctx, bc.Name, azure.Options{
			Account:   bc.Account,
			Key:       bc.Key,
			Container: bc.Container,
			Endpoint:  bc.Endpoint,
		})
	case TypeGCS:
		return gcs.NewBackend(ctx, bc.Name, bc.Bucket, bc.CredentialsFile)
	case TypeFile:
		return file.NewBackend(bc.Name, bc.Dir)
	case TypeMemory:
		return memory.NewBackend(bc.Name), nil
	}
	return nil, fmt.Errorf("unknown type %q", bc.Type)
}

// SessionOptions returns the session settings from c.
func (c *Config) SessionOptions(log *logrus.Entry) []session.Option {
	return []session.Option{
		session.WithBlockSize(c.BlockSize),
		session.WithDeleteTimeout(c.DeleteTimeout),
		session.WithDeletePoll(c.DeletePoll),
		session.WithCacheTTL(c.CacheTTL),
		session.WithLogger(log),
	}
}

// Session builds the backends and opens a session over them.
func (c *Config) Session(ctx context.Context, log *logrus.Entry) (*session.Session, error) {
	backends, err := c.Build(ctx, log)
	if err != nil {
		return nil, err
	}
	return session.New(backends, c.SessionOptions(log)...)
}
