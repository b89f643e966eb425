package offcourse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AssetOrigin serves course media assets (video stills, transcripts,
// attachments) for offline pinning. Course documents come from the REST
// backend; bulk assets typically live on an object store behind a CDN.
type AssetOrigin interface {
	// Fetch downloads an asset by key.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Exists checks whether an asset is available.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all asset keys under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// S3AssetOriginConfig configures the S3-compatible asset origin.
type S3AssetOriginConfig struct {
	Bucket   string `yaml:"bucket" json:"bucket"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer using IAM roles, instance
	// profiles, or environment variables (AWS_ACCESS_KEY_ID,
	// AWS_SECRET_ACCESS_KEY) instead of setting these directly.
	// DO NOT commit credentials to source control.
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"-"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"-"`
	Prefix          string `yaml:"prefix,omitempty" json:"prefix,omitempty"` // Key prefix for all objects
	UsePathStyle    bool   `yaml:"use_path_style,omitempty" json:"use_path_style,omitempty"`
	CacheSize       int    `yaml:"cache_size,omitempty" json:"cache_size,omitempty"` // Assets to cache in memory (default: 64)

	// MaxRetries for origin fetches (default: 3).
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// S3AssetOrigin implements AssetOrigin against S3 or S3-compatible storage.
type S3AssetOrigin struct {
	client  *s3.Client
	config  S3AssetOriginConfig
	cache   *lruCache
	retryer *Retryer
}

// lruCache keeps recently fetched assets in memory so repeated pinning of
// the same working set does not refetch from the origin.
type lruCache struct {
	capacity int
	items    map[string]*lruItem
	order    []string
	mu       sync.Mutex
}

type lruItem struct {
	data      []byte
	timestamp time.Time
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		items:    make(map[string]*lruItem),
	}
}

func (c *lruCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.moveToEnd(key)
	return item.data, true
}

func (c *lruCache) put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		c.items[key].data = data
		c.items[key].timestamp = time.Now()
		c.moveToEnd(key)
		return
	}

	for len(c.items) >= c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}

	c.items[key] = &lruItem{data: data, timestamp: time.Now()}
	c.order = append(c.order, key)
}

func (c *lruCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			break
		}
	}
}

// NewS3AssetOrigin creates an asset origin backed by S3-compatible storage.
func NewS3AssetOrigin(cfg S3AssetOriginConfig) (*S3AssetOrigin, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3AssetOrigin{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		cache:  newLRUCache(cfg.CacheSize),
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           func(err error) bool { return err != nil },
		}),
	}, nil
}

func (o *S3AssetOrigin) Fetch(ctx context.Context, key string) ([]byte, error) {
	fullKey := o.config.Prefix + key

	if data, ok := o.cache.get(fullKey); ok {
		return data, nil
	}

	val, result := o.retryer.DoWithResult(ctx, func() (any, error) {
		resp, err := o.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(o.config.Bucket),
			Key:    aws.String(fullKey),
		})
		if err != nil {
			return nil, fmt.Errorf("asset origin get failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		d, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("asset origin read failed: %w", err)
		}
		return d, nil
	})

	if result.LastErr != nil {
		return nil, result.LastErr
	}

	data := val.([]byte)
	o.cache.put(fullKey, data)
	return data, nil
}

func (o *S3AssetOrigin) Exists(ctx context.Context, key string) (bool, error) {
	fullKey := o.config.Prefix + key

	_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("asset origin head failed: %w", err)
	}
	return true, nil
}

func (o *S3AssetOrigin) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := o.config.Prefix + prefix

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(o.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.config.Bucket),
		Prefix: aws.String(fullPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("asset origin list failed: %w", err)
		}
		for _, obj := range page.Contents {
			// Remove the prefix to return relative keys
			keys = append(keys, strings.TrimPrefix(*obj.Key, o.config.Prefix))
		}
	}

	return keys, nil
}
