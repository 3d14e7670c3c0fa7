package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/defrances/reportoor/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Compile-time interface check.
var _ Bucket = (*s3Bucket)(nil)

type s3Bucket struct {
	log     logrus.FieldLogger
	client  *s3.Client
	bucket  string
	limiter *rate.Limiter
}

// NewS3Bucket creates a Bucket backed by S3-compatible storage.
func NewS3Bucket(log logrus.FieldLogger, cfg *config.S3Config) Bucket {
	b := &s3Bucket{
		log:    log.WithField("component", "s3-bucket"),
		client: newS3Client(cfg),
		bucket: cfg.Bucket,
	}

	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}

		b.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return b
}

func (b *s3Bucket) String() string {
	return "s3://" + b.bucket
}

func (b *s3Bucket) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}

	return b.limiter.Wait(ctx)
}

// List returns every key under prefix, following pagination.
func (b *s3Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = dirPrefix(prefix)

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string

	for paginator.HasMorePages() {
		if err := b.wait(ctx); err != nil {
			return nil, err
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			if obj.Key != nil && !strings.HasSuffix(*obj.Key, "/") {
				keys = append(keys, *obj.Key)
			}
		}
	}

	sort.Strings(keys)

	b.log.WithFields(logrus.Fields{
		"prefix": prefix,
		"count":  len(keys),
	}).Debug("Listed objects")

	return keys, nil
}

// Get returns the contents of key, or (nil, nil) if it does not exist.
func (b *s3Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	if err := b.wait(ctx); err != nil {
		return nil, err
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

// Put writes data to key with the given content type.
func (b *s3Bucket) Put(
	ctx context.Context, key string, data []byte, contentType string,
) error {
	if err := checkKey(key); err != nil {
		return err
	}

	if err := b.wait(ctx); err != nil {
		return err
	}

	if contentType == "" {
		contentType = ContentType(key)
	}

	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object %q: %w", key, err)
	}

	return nil
}

// Delete removes key. S3 reports success for missing keys.
func (b *s3Bucket) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	if err := b.wait(ctx); err != nil {
		return err
	}

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("deleting object %q: %w", key, err)
	}

	return nil
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = config.DefaultS3Region
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Some S3-compatible implementations return a generic error with
	// "NoSuchKey" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NoSuchKey")
}
