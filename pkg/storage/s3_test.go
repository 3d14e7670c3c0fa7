package storage

import (
	"errors"
	"fmt"
	"testing"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defrances/reportoor/pkg/config"
)

func TestIsS3NotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "typed no such key", err: &s3types.NoSuchKey{}, want: true},
		{name: "wrapped typed", err: fmt.Errorf("get: %w", &s3types.NoSuchKey{}), want: true},
		{name: "message only", err: errors.New("api error NoSuchKey: gone"), want: true},
		{name: "other error", err: errors.New("access denied"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isS3NotFound(tt.err))
		})
	}
}

func TestNewS3Bucket_RateLimit(t *testing.T) {
	log := logrus.New()

	b, ok := NewS3Bucket(log, &config.S3Config{Bucket: "reports"}).(*s3Bucket)
	require.True(t, ok)
	assert.Nil(t, b.limiter)
	assert.Equal(t, "s3://reports", b.String())

	b, ok = NewS3Bucket(log, &config.S3Config{
		Bucket:            "reports",
		RequestsPerSecond: 0.5,
	}).(*s3Bucket)
	require.True(t, ok)
	require.NotNil(t, b.limiter)
	assert.Equal(t, 1, b.limiter.Burst())
}

func TestNew_SelectsBackend(t *testing.T) {
	log := logrus.New()

	b, err := New(log, &config.StorageConfig{
		Local: &config.LocalStorageConfig{Dir: t.TempDir()},
	})
	require.NoError(t, err)
	assert.Contains(t, b.String(), "file://")

	b, err = New(log, &config.StorageConfig{
		S3: &config.S3Config{Bucket: "bkt"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://bkt", b.String())

	_, err = New(log, &config.StorageConfig{})
	require.Error(t, err)
}
