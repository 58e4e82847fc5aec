// Package s3 provides an S3 blob.Objects backend, usable with AWS and
// S3-compatible stores such as MinIO.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// Config selects the bucket and credentials.
type Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint overrides the service endpoint (S3-compatible stores).
	Endpoint string
	// PathStyle addresses buckets by path instead of virtual host.
	PathStyle bool
	// AccessKeyID and SecretAccessKey select static credentials. When
	// empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// Objects stores objects in an S3 bucket.
type Objects struct {
	client *awss3.Client
	bucket string
	prefix string
}

var _ blob.Objects = (*Objects)(nil)

// New creates an S3 backend.
func New(ctx context.Context, cfg Config) (*Objects, error) {
	if cfg.Bucket == "" {
		return nil, fault.Validation("blob.s3", "bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &Objects{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (o *Objects) key(name string) string {
	if o.prefix == "" {
		return name
	}
	return path.Join(o.prefix, name)
}

func (o *Objects) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	// The signer hashes the payload, which requires a seekable body.
	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(data)
	}
	key := o.key(name)
	_, err := o.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", o.bucket, key, err)
	}
	return "s3://" + o.bucket + "/" + key, nil
}

func (o *Objects) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	key := o.key(name)
	out, err := o.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, fault.NotFound("blob.s3", "object s3://%s/%s", o.bucket, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", o.bucket, key, err)
	}
	return out.Body, nil
}

// Delete removes the object. S3 deletes are idempotent.
func (o *Objects) Delete(ctx context.Context, name string) error {
	key := o.key(name)
	_, err := o.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete s3://%s/%s: %w", o.bucket, key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
