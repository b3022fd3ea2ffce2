package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"

	appconfig "creator-payment-system/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrMediaNotFound is returned when a referenced object was never uploaded
var ErrMediaNotFound = errors.New("media object not found")

// ObjectHeader is the part of the S3 API MediaStore needs
type ObjectHeader interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// MediaStore resolves uploaded R2 object keys to public CDN URLs. It never reads content.
type MediaStore struct {
	client     ObjectHeader
	bucket     string
	cdnBaseURL string
}

func NewMediaStore(client ObjectHeader, bucket, cdnBaseURL string) *MediaStore {
	return &MediaStore{client: client, bucket: bucket, cdnBaseURL: strings.TrimRight(cdnBaseURL, "/")}
}

// InitR2 builds a MediaStore backed by Cloudflare R2
func InitR2(ctx context.Context, cfg appconfig.R2Config) (*MediaStore, error) {
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	cdnBaseURL := cfg.CDNBaseURL
	if cdnBaseURL == "" {
		cdnBaseURL = endpoint
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return NewMediaStore(client, cfg.Bucket, cdnBaseURL), nil
}

// ResolveURLs checks every key exists in the bucket and returns its CDN URL. Keys may
// also be given as CDN URLs already.
func (m *MediaStore) ResolveURLs(ctx context.Context, keys []string) ([]string, error) {
	urls := make([]string, 0, len(keys))
	for _, raw := range keys {
		key := m.objectKey(raw)
		if key == "" {
			return nil, fmt.Errorf("%w: %q", ErrMediaNotFound, raw)
		}
		_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var nf *types.NotFound
			if errors.As(err, &nf) {
				return nil, fmt.Errorf("%w: %s", ErrMediaNotFound, key)
			}
			return nil, fmt.Errorf("failed to head %s: %w", key, err)
		}
		urls = append(urls, fmt.Sprintf("%s/%s", m.cdnBaseURL, key))
	}
	return urls, nil
}

func (m *MediaStore) objectKey(raw string) string {
	key := strings.TrimSpace(raw)
	if m.cdnBaseURL != "" {
		key = strings.TrimPrefix(key, m.cdnBaseURL)
	}
	return strings.TrimLeft(key, "/")
}
