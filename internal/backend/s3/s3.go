// Package s3 implements the backend interface over an S3-compatible object
// store using the AWS SDK. The location path is the bucket name; an
// optional key prefix, region, endpoint, and static credentials come from
// the location config.
package s3

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stratafs/strata/internal/backend"
	"github.com/stratafs/strata/internal/model"
)

// Backend talks to one bucket (optionally under a key prefix).
type Backend struct {
	client *awss3.Client
	bucket string
	prefix string
}

// New builds a client from the location definition. Recognized config
// keys: region, prefix, endpoint, access_key, secret_key. Credentials fall
// back to the SDK default chain when not set explicitly.
func New(ctx context.Context, loc *model.StorageLocation) (*Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region := loc.Config["region"]; region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if ak, sk := loc.Config["access_key"], loc.Config["secret_key"]; ak != "" && sk != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, sk, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if endpoint := loc.Config["endpoint"]; endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Backend{
		client: client,
		bucket: loc.Path,
		prefix: strings.Trim(loc.Config["prefix"], "/"),
	}, nil
}

func (b *Backend) Type() model.LocationType {
	return model.LocationTypeS3
}

func (b *Backend) key(remotePath string) string {
	if b.prefix == "" {
		return remotePath
	}
	return path.Join(b.prefix, remotePath)
}

func (b *Backend) List(ctx context.Context) ([]backend.RemoteFile, error) {
	input := &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
	}
	if b.prefix != "" {
		input.Prefix = aws.String(b.prefix + "/")
	}

	var files []backend.RemoteFile
	paginator := awss3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", b.bucket, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := key
			if b.prefix != "" {
				rel = strings.TrimPrefix(key, b.prefix+"/")
			}
			rf := backend.RemoteFile{
				Path: rel,
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				rf.ModTime = *obj.LastModified
			}
			files = append(files, rf)
		}
	}
	return files, nil
}

func (b *Backend) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(remotePath)),
		Body:   f,
	})
	return err
}

func (b *Backend) Download(ctx context.Context, remotePath, localPath string) error {
	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(remotePath)),
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".strata-get-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.ReadFrom(out.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if out.LastModified != nil {
		if err := os.Chtimes(tmpName, *out.LastModified, *out.LastModified); err != nil {
			os.Remove(tmpName)
			return err
		}
	}
	return os.Rename(tmpName, localPath)
}

func (b *Backend) Delete(ctx context.Context, remotePath string) error {
	_, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(remotePath)),
	})
	return err
}

func (b *Backend) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(remotePath)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// isNotFound distinguishes a missing object from a genuine failure.
// HeadObject reports absence as a 404 API error, which the surrounding
// retry policy must not treat as transient; every other error is real.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
