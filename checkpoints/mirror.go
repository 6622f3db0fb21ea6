package checkpoints

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Mirror copies a saved checkpoint somewhere else.
type Mirror interface {
	Upload(ctx context.Context, path string) error
}

// PutObjectAPI is the part of the S3 client the mirror needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror uploads checkpoints to s3://<Bucket>/<Prefix>/<file name>.
type S3Mirror struct {
	Client PutObjectAPI
	Bucket string
	Prefix string
}

// NewS3Mirror builds a mirror from the default AWS credential chain.
func NewS3Mirror(ctx context.Context, bucket, prefix string) (*S3Mirror, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %v", err)
	}
	return &S3Mirror{Client: s3.NewFromConfig(cfg), Bucket: bucket, Prefix: prefix}, nil
}

// Key returns the object key a local file is uploaded to.
func (m *S3Mirror) Key(local string) string {
	return path.Join(m.Prefix, filepath.Base(local))
}

func (m *S3Mirror) Upload(ctx context.Context, local string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(m.Key(local)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to s3://%s/%s: %v", local, m.Bucket, m.Key(local), err)
	}
	return nil
}
