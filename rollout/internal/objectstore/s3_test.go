package objectstore_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memorymonster/platform/rollout/internal/objectstore"
)

type fakeUploader struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakeUploader) Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(b))
	return &manager.UploadOutput{}, nil
}

func TestPutJSONUploadsCanonicalBody(t *testing.T) {
	up := &fakeUploader{}
	b := objectstore.NewBucketWithUploader("strategies", "/prod/", up)

	key := b.Key("strategies", "com.google.Chrome", "cache_cleanup", "v3.json")
	assert.Equal(t, "prod/strategies/com.google.Chrome/cache_cleanup/v3.json", key)

	digest, err := b.PutJSON(context.Background(), key, map[string]interface{}{"z": 1, "a": "x"})
	require.NoError(t, err)
	require.Len(t, up.inputs, 1)
	assert.Equal(t, "strategies", aws.ToString(up.inputs[0].Bucket))
	assert.Equal(t, key, aws.ToString(up.inputs[0].Key))
	assert.Equal(t, `{"a":"x","z":1}`, up.bodies[0])
	assert.Equal(t, digest, up.inputs[0].Metadata["sha256"])
}

func TestPutJSONWrapsUploadError(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	b := objectstore.NewBucketWithUploader("strategies", "", up)

	_, err := b.PutJSON(context.Background(), "k.json", map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
