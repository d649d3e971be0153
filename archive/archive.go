// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive uploads finished profile record streams to S3 compatible
// object storage.
package archive // import "go.opentelemetry.io/cpuprof/archive"

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	sha256 "github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"
)

// ErrExists is returned when an object with the same key is already stored.
var ErrExists = errors.New("object already exists")

// ChecksumMetadata is the object metadata key holding the hex SHA-256 of the
// content.
const ChecksumMetadata = "sha256"

// S3API is the subset of the S3 client used for uploads.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput,
		optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput,
		optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// ClientConfig selects the storage service.
type ClientConfig struct {
	// Endpoint overrides the AWS endpoint, for S3 compatible services.
	Endpoint string
	Region   string
	// PathStyle addresses buckets by path instead of by host name.
	PathStyle bool
}

// NewClient returns an S3 client using the default credential chain.
func NewClient(ctx context.Context, cc ClientConfig) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if cc.Region != "" {
			o.Region = cc.Region
		}
		if cc.Endpoint != "" {
			o.BaseEndpoint = aws.String(cc.Endpoint)
		}
		o.UsePathStyle = cc.PathStyle
	}), nil
}

// Object describes an uploaded stream.
type Object struct {
	Bucket string
	Key    string
	Size   int64
	// SHA256 is the hex encoded checksum of the content.
	SHA256 string
}

// Uploader stores files below a key prefix of one bucket.
type Uploader struct {
	client S3API
	bucket string
	prefix string
	// Overwrite replaces existing objects instead of failing.
	Overwrite bool
}

// New returns an Uploader for bucket. Keys are prefix joined with the file
// name.
func New(client S3API, bucket, prefix string) *Uploader {
	return &Uploader{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key of a local file.
func (u *Uploader) Key(file string) string {
	return path.Join(u.prefix, filepath.Base(file))
}

// Exists reports whether key is stored.
func (u *Uploader) Exists(ctx context.Context, key string) (bool, error) {
	_, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &u.bucket,
		Key:    &key,
	})
	if err != nil {
		if isErrNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query object existence: %w", err)
	}
	return true, nil
}

// checksum returns the SHA-256 of r's content.
func checksum(r io.Reader) ([]byte, int64, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return nil, 0, err
	}
	return hasher.Sum(nil), n, nil
}

// Upload stores file with its SHA-256 as checksum and object metadata.
func (u *Uploader) Upload(ctx context.Context, file string) (Object, error) {
	key := u.Key(file)
	if !u.Overwrite {
		exists, err := u.Exists(ctx, key)
		if err != nil {
			return Object{}, err
		}
		if exists {
			return Object{}, fmt.Errorf("%w: s3://%s/%s", ErrExists, u.bucket, key)
		}
	}

	f, err := os.Open(file)
	if err != nil {
		return Object{}, fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	sum, size, err := checksum(f)
	if err != nil {
		return Object{}, fmt.Errorf("failed to hash content of %q: %v", file, err)
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return Object{}, fmt.Errorf("failed to set position in file %q: %v", file, err)
	}

	obj := Object{Bucket: u.bucket, Key: key, Size: size, SHA256: hex.EncodeToString(sum)}
	contentSHA256 := base64.StdEncoding.EncodeToString(sum)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             &u.bucket,
		Key:                &key,
		Body:               f,
		ContentLength:      aws.Int64(size),
		ContentType:        aws.String("application/octet-stream"),
		ContentDisposition: aws.String("attachment"),
		ChecksumSHA256:     &contentSHA256,
		Metadata:           map[string]string{ChecksumMetadata: obj.SHA256},
	})
	if err != nil {
		return Object{}, fmt.Errorf("failed to upload %s: %w", file, err)
	}
	log.Infof("Uploaded %s to s3://%s/%s", file, u.bucket, key)
	return obj, nil
}

func isErrNoSuchKey(err error) bool {
	// HEAD responses carry no error code, a missing key only shows up as
	// NotFound.
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
