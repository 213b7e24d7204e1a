package attachments

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewLocalStore(logrus.New(), dir)
	require.NoError(t, err)

	key := StepAttachmentKey(3, 9)
	require.NoError(t, s.Put(ctx, key, []byte("<testsuite/>")))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "<testsuite/>", string(got))

	_, err = os.Stat(filepath.Join(dir, "results", "3", "steps", "9", "attachment"))
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, key, []byte("replaced")))
	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(got))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))

	_, err = s.Get(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestValidKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key     string
		wantErr bool
	}{
		{key: "fixtures/1/data.txt"},
		{key: "submissions/abc.tar.gz"},
		{key: "", wantErr: true},
		{key: "/etc/passwd", wantErr: true},
		{key: "a/../../etc", wantErr: true},
		{key: "a//b", wantErr: true},
		{key: "./a", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := validKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			assert.NoError(t, err)
		})
	}
}

func TestS3Store_ObjectKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{name: "no prefix", key: "results/1/steps/2/attachment", want: "results/1/steps/2/attachment"},
		{name: "prefix", prefix: "gradeoor", key: "fixtures/4", want: "gradeoor/fixtures/4"},
		{name: "slashes trimmed", prefix: "/env/prod/", key: "fixtures/4", want: "env/prod/fixtures/4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := NewS3Store(logrus.New(), &config.S3StorageConfig{
				Bucket: "bucket",
				Prefix: tt.prefix,
			}).(*s3Store)

			got, err := s.objectKey(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsS3NotFound(t *testing.T) {
	t.Parallel()

	assert.True(t, isS3NotFound(&s3types.NoSuchKey{}))
	assert.True(t, isS3NotFound(&s3types.NotFound{}))
	assert.False(t, isS3NotFound(errors.New("access denied")))
}

func TestNew(t *testing.T) {
	t.Parallel()

	s, err := New(logrus.New(), &config.StorageConfig{
		Driver: "local",
		Local:  config.LocalStorageConfig{Dir: t.TempDir()},
	})
	require.NoError(t, err)
	assert.IsType(t, &localStore{}, s)

	_, err = New(logrus.New(), &config.StorageConfig{Driver: "ftp"})
	require.Error(t, err)
}
