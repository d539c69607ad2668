// Package archive keeps the raw source response of every run in S3, so a bad upload can be
// traced back to what the WFS served.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const ContentType = "application/geo+json"

var ErrNoBucket = errors.New("archive bucket is required")

// S3API is the part of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3 struct {
	client S3API
	bucket string
	prefix string
}

// NewS3 uses the default AWS credential chain. An empty region leaves it to that chain too.
func NewS3(ctx context.Context, bucket, prefix, region string) (*S3, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3WithClient(s3.NewFromConfig(cfg), bucket, prefix)
}

func NewS3WithClient(client S3API, bucket, prefix string) (*S3, error) {
	if bucket == "" {
		return nil, ErrNoBucket
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}, nil
}

// Key is where the response of a run is stored: prefix/dataset/runID.json.
func (a *S3) Key(dataset, runID string) string {
	return path.Join(a.prefix, dataset, runID+".json")
}

// Archive stores raw and returns its s3:// location.
func (a *S3) Archive(ctx context.Context, dataset, runID string, raw []byte) (string, error) {
	key := a.Key(dataset, runID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(raw),
		ContentLength: aws.Int64(int64(len(raw))),
		ContentType:   aws.String(ContentType),
		Metadata: map[string]string{
			"dataset": dataset,
			"run-id":  runID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive to s3://%s/%s: %w", a.bucket, key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}
