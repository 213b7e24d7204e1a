package attachments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrPresignUnsupported is returned by backends that cannot hand out
// direct download URLs.
var ErrPresignUnsupported = errors.New("presigned urls not supported")

// Presigner is implemented by stores that can issue time-limited download
// URLs, letting runners fetch large blobs without going through the API.
type Presigner interface {
	PresignGet(ctx context.Context, key string) (string, error)
}

// Compile-time interface check.
var _ Presigner = (*s3Store)(nil)

type presignAPI interface {
	PresignGetObject(
		ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions),
	) (*presignedRequest, error)
}

type presignedRequest struct {
	URL string
}

// presignClient adapts the SDK presign client to presignAPI.
type presignClient struct {
	client *s3.PresignClient
}

func (c *presignClient) PresignGetObject(
	ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions),
) (*presignedRequest, error) {
	req, err := c.client.PresignGetObject(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}

	return &presignedRequest{URL: req.URL}, nil
}

type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// presigner issues presigned GET URLs. URLs are cached for half their
// lifetime so that a returned URL is always valid for a while.
type presigner struct {
	api      presignAPI
	bucket   string
	expiry   time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	cache map[string]presignCacheEntry
}

func newPresigner(client *s3.PresignClient, bucket string, expiry time.Duration) *presigner {
	return newPresignerWithAPI(&presignClient{client: client}, bucket, expiry)
}

func newPresignerWithAPI(api presignAPI, bucket string, expiry time.Duration) *presigner {
	return &presigner{
		api:      api,
		bucket:   bucket,
		expiry:   expiry,
		cacheTTL: expiry / 2,
		now:      time.Now,
		cache:    make(map[string]presignCacheEntry),
	}
}

func (p *presigner) get(ctx context.Context, objectKey string) (string, error) {
	now := p.now()

	p.mu.RLock()
	if entry, ok := p.cache[objectKey]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[objectKey]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	req, err := p.api.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning %q: %w", objectKey, err)
	}

	p.cache[objectKey] = presignCacheEntry{url: req.URL, expiresAt: now.Add(p.cacheTTL)}

	return req.URL, nil
}

// PresignGet returns a presigned download URL for key.
func (s *s3Store) PresignGet(ctx context.Context, key string) (string, error) {
	if s.presign == nil {
		return "", ErrPresignUnsupported
	}

	k, err := s.objectKey(key)
	if err != nil {
		return "", err
	}

	return s.presign.get(ctx, k)
}
