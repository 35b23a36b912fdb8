package cache_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsonne/hubit-go/pkg/hubit/cache"
	"github.com/mrsonne/hubit-go/pkg/hubit/store"
)

// fakeS3 is an in-memory stand-in for s3iface.S3API, embedding the
// interface so only the two methods S3Backend actually calls need
// implementations (the rest panic if ever reached, the same trick
// mocks.go uses elsewhere for AWS iface mocks).
type fakeS3 struct {
	s3iface.S3API
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) GetObject(in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3BackendMissReturnsEmpty(t *testing.T) {
	b := cache.NewS3BackendWithClient(newFakeS3(), "bucket", "")
	flat, hit, err := b.Load("nonexistent")
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Empty(t, flat)
}

func TestS3BackendRoundTrips(t *testing.T) {
	b := cache.NewS3BackendWithClient(newFakeS3(), "bucket", "prefix")
	want := store.Flat{"items.0.x": 1.5, "name": "widget"}
	require.NoError(t, b.Store("model-abc", want))

	got, hit, err := b.Load("model-abc")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want, got)
}
