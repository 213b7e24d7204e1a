package attachments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresignAPI struct {
	calls int
	err   error
}

func (f *fakePresignAPI) PresignGetObject(
	_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.PresignOptions),
) (*presignedRequest, error) {
	f.calls++

	if f.err != nil {
		return nil, f.err
	}

	return &presignedRequest{
		URL: fmt.Sprintf("https://bucket.example/%s?n=%d", aws.ToString(params.Key), f.calls),
	}, nil
}

func TestPresigner_CachesForHalfTheExpiry(t *testing.T) {
	api := &fakePresignAPI{}
	p := newPresignerWithAPI(api, "bucket", 10*time.Minute)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	first, err := p.get(context.Background(), "fixtures/1")
	require.NoError(t, err)

	now = now.Add(4 * time.Minute)

	second, err := p.get(context.Background(), "fixtures/1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, api.calls)

	now = now.Add(2 * time.Minute)

	third, err := p.get(context.Background(), "fixtures/1")
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.Equal(t, 2, api.calls)
}

func TestPresigner_Error(t *testing.T) {
	api := &fakePresignAPI{err: errors.New("no credentials")}
	p := newPresignerWithAPI(api, "bucket", time.Minute)

	_, err := p.get(context.Background(), "fixtures/1")
	require.Error(t, err)
	assert.Empty(t, p.cache)
}

func TestS3Store_PresignDisabled(t *testing.T) {
	s, _ := NewS3Store(logrus.New(), &config.S3StorageConfig{Bucket: "bucket"}).(*s3Store)

	_, err := s.PresignGet(context.Background(), "fixtures/1")
	require.ErrorIs(t, err, ErrPresignUnsupported)
}

func TestS3Store_PresignUsesPrefix(t *testing.T) {
	s, _ := NewS3Store(logrus.New(), &config.S3StorageConfig{
		Bucket: "bucket",
		Prefix: "gradeoor",
	}).(*s3Store)

	api := &fakePresignAPI{}
	s.presign = newPresignerWithAPI(api, "bucket", time.Minute)

	url, err := s.PresignGet(context.Background(), "fixtures/1")
	require.NoError(t, err)
	assert.Contains(t, url, "gradeoor/fixtures/1")
}
