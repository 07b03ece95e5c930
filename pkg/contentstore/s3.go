package contentstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/trailbound/kapp/pkg/types"
)

// S3Store stores content blobs in an S3 bucket, keyed by sha256
type S3Store struct {
	client s3iface.S3API
	bucket string
}

// NewS3Store creates an S3-backed content store
func NewS3Store(bucket, region string) (*S3Store, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return &S3Store{client: s3.New(sess), bucket: bucket}, nil
}

// newS3StoreWithClient is used by tests to inject a fake client
func newS3StoreWithClient(client s3iface.S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Save uploads the stream under its sha256 key
func (s *S3Store) Save(r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read content: %w", err)
	}

	sum := sha256.Sum256(data)
	key := "content/" + hex.EncodeToString(sum[:])

	_, err = s.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to upload content: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", s.bucket, key), int64(len(data)), nil
}

// Open downloads the object for the handle
func (s *S3Store) Open(handle string) (io.ReadCloser, error) {
	bucket, key, err := s.parse(handle)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("content %s: %w", handle, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch content: %w", err)
	}
	return out.Body, nil
}

// Delete removes the object. S3 delete is already idempotent.
func (s *S3Store) Delete(handle string) error {
	bucket, key, err := s.parse(handle)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete content: %w", err)
	}
	return nil
}

// Close is a no-op for the S3 backend
func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) parse(handle string) (bucket, key string, err error) {
	scheme, rest, err := splitHandle(handle)
	if err != nil {
		return "", "", err
	}
	if scheme != "s3" {
		return "", "", fmt.Errorf("handle %q is not an s3 handle", handle)
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed s3 handle: %q", handle)
	}
	return parts[0], parts[1], nil
}
