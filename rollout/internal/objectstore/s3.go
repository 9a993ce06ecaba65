package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/memorymonster/platform/rollout/internal/canonical"
)

// Uploader is satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Bucket writes canonical JSON objects under a fixed prefix.
type Bucket struct {
	name     string
	prefix   string
	uploader Uploader
}

// NewBucket loads AWS configuration from the environment (AWS_REGION,
// AWS_PROFILE, static keys) and returns a Bucket backed by the S3 upload manager.
func NewBucket(ctx context.Context, name, prefix string) (*Bucket, error) {
	if name == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewBucketWithUploader(name, prefix, manager.NewUploader(s3.NewFromConfig(cfg))), nil
}

func NewBucketWithUploader(name, prefix string, uploader Uploader) *Bucket {
	return &Bucket{name: name, prefix: strings.Trim(prefix, "/"), uploader: uploader}
}

func (b *Bucket) Name() string { return b.name }

// Key joins parts under the bucket prefix.
func (b *Bucket) Key(parts ...string) string {
	return path.Join(append([]string{b.prefix}, parts...)...)
}

// PutJSON canonicalizes v and uploads it to key, returning the object's digest.
func (b *Bucket) PutJSON(ctx context.Context, key string, v interface{}) (string, error) {
	body, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", key, err)
	}
	digest, err := canonical.Digest(v)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", key, err)
	}
	_, err = b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.name),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata:             map[string]string{"sha256": digest},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return digest, nil
}
