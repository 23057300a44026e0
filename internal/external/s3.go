package external

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"sesrelay/internal/types"
)

// S3API defines the subset of the S3 client used by S3ObjectStore.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ObjectStore implements types.ObjectStore over S3. Mail stored by an SES
// receipt rule is streamed straight into the delivery session.
type S3ObjectStore struct {
	api S3API
}

// NewS3ObjectStore creates an S3ObjectStore from an AWS config.
func NewS3ObjectStore(awsCfg aws.Config) *S3ObjectStore {
	return &S3ObjectStore{api: s3.NewFromConfig(awsCfg)}
}

// NewS3ObjectStoreWithAPI creates an S3ObjectStore with a pre-configured API.
func NewS3ObjectStoreWithAPI(api S3API) *S3ObjectStore {
	return &S3ObjectStore{api: api}
}

// FetchObject copies s3://bucket/key into w.
func (s *S3ObjectStore) FetchObject(ctx context.Context, bucket, key string, w io.Writer) error {
	if bucket == "" || key == "" {
		return types.NewAppError(types.ErrCodePayloadMalformed,
			fmt.Sprintf("incomplete object location %q/%q", bucket, key), nil)
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return types.NewAppError(types.ErrCodeUpstreamObjectFetch,
				fmt.Sprintf("object s3://%s/%s does not exist", bucket, key), err)
		}
		return types.NewAppError(types.ErrCodeUpstreamObjectFetch,
			fmt.Sprintf("failed to get s3://%s/%s", bucket, key), err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamObjectFetch,
			fmt.Sprintf("failed to stream s3://%s/%s", bucket, key), err)
	}
	return nil
}

var _ types.ObjectStore = (*S3ObjectStore)(nil)
