package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/klauspost/compress/zstd"

	"github.com/mrsonne/hubit-go/pkg/hubit/store"
)

// S3Backend stores one zstd+gob object per model identity in an S3
// bucket, grounded on the session/client construction pattern used for
// the Secrets Manager client elsewhere in this stack (op_aws.go's
// GetSession/GetSecretsManagerClient), with s3iface.S3API substituted
// for secretsmanageriface so tests can mock it the same way.
type S3Backend struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3Backend builds an S3Backend for bucket using the default AWS
// session (region, credentials, endpoint resolved the usual SDK way).
// keyPrefix may be empty.
func NewS3Backend(bucket, keyPrefix string) (*S3Backend, error) {
	sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, fmt.Errorf("cache: aws session: %w", err)
	}
	return &S3Backend{client: s3.New(sess), bucket: bucket, prefix: keyPrefix}, nil
}

// NewS3BackendWithClient builds an S3Backend against an already
// constructed client, for tests or callers with their own session
// pooling (takes an iface type so a mock can stand in for the real
// service).
func NewS3BackendWithClient(client s3iface.S3API, bucket, keyPrefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: keyPrefix}
}

func (b *S3Backend) key(identity string) string {
	if b.prefix == "" {
		return identity + ".hubitcache.zst"
	}
	return b.prefix + "/" + identity + ".hubitcache.zst"
}

// Load implements Backend.
func (b *S3Backend) Load(identity string) (store.Flat, bool, error) {
	out, err := b.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(identity)),
	})
	if err != nil {
		if isNotFound(err) {
			return store.Flat{}, false, nil
		}
		return nil, false, fmt.Errorf("cache: s3 get %q: %w", identity, err)
	}
	defer out.Body.Close()

	compressed, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("cache: s3 read body for %q: %w", identity, err)
	}

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, false, fmt.Errorf("cache: zstd reader for %q: %w", identity, err)
	}
	defer dec.Close()

	var flat store.Flat
	if err := gob.NewDecoder(dec).Decode(&flat); err != nil {
		return nil, false, fmt.Errorf("cache: decode %q: %w", identity, err)
	}
	return flat, true, nil
}

// Store implements Backend.
func (b *S3Backend) Store(identity string, data store.Flat) error {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(data); err != nil {
		return fmt.Errorf("cache: encode %q: %w", identity, err)
	}

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	if err != nil {
		return fmt.Errorf("cache: zstd writer for %q: %w", identity, err)
	}
	if _, err := enc.Write(raw.Bytes()); err != nil {
		enc.Close()
		return fmt.Errorf("cache: zstd compress %q: %w", identity, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("cache: zstd close %q: %w", identity, err)
	}

	_, err = b.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(identity)),
		Body:   bytes.NewReader(compressed.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("cache: s3 put %q: %w", identity, err)
	}
	return nil
}

func isNotFound(err error) bool {
	type awsError interface {
		Code() string
	}
	if ae, ok := err.(awsError); ok {
		return ae.Code() == s3.ErrCodeNoSuchKey || ae.Code() == "NotFound"
	}
	return false
}
