// Package storage reads release assets from an S3 mirror bucket.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/docker/go-units"

	"github.com/aeg-devices/loki-update/pkg/errors"
)

// DigestMetadataKey is the user metadata key under which the mirror publishes
// the hex SHA-256 of an object (x-amz-meta-sha256).
const DigestMetadataKey = "sha256"

// API is the subset of the S3 client used by Client.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// Object describes one mirrored file. SHA256 is empty when the mirror did not
// publish a digest and the object has not been downloaded.
type Object struct {
	Key    string
	Size   int64
	SHA256 string
}

// Client reads one mirror bucket.
type Client struct {
	api    API
	bucket string
}

// NewClient connects to a public mirror bucket without credentials.
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("mirror_config_failed", "bucket", bucket, "error", err)
		return nil, errors.Wrap(err, "load aws config")
	}

	slog.Info("mirror_client_ready", "bucket", bucket, "region", region)
	return NewWithAPI(s3.NewFromConfig(cfg), bucket), nil
}

// NewWithAPI wraps an existing S3 API implementation.
func NewWithAPI(api API, bucket string) *Client {
	return &Client{api: api, bucket: bucket}
}

// URL returns the s3:// URL of key.
func (c *Client) URL(key string) string {
	return "s3://" + c.bucket + "/" + key
}

// Download streams key into dst. The returned object carries the SHA-256 of
// the bytes actually received.
func (c *Client) Download(ctx context.Context, key string, dst io.Writer) (*Object, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, &errors.NotFoundError{What: c.URL(key)}
		}
		slog.Error("mirror_get_failed", "key", key, "error", err)
		return nil, errors.Wrap(err, "get "+c.URL(key))
	}
	defer out.Body.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), out.Body)
	if err != nil {
		slog.Error("mirror_read_failed", "key", key, "received", n, "error", err)
		return nil, errors.Wrap(err, "read "+c.URL(key))
	}

	obj := &Object{Key: key, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}
	slog.Debug("mirror_download_complete", "key", key, "size", units.HumanSize(float64(n)))
	return obj, nil
}

// List returns every object below prefix, following continuation pages.
func (c *Client) List(ctx context.Context, prefix string) ([]Object, error) {
	pages := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	var objs []Object
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			slog.Error("mirror_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "list "+c.URL(prefix))
		}
		for _, o := range page.Contents {
			if o.Key == nil {
				continue
			}
			objs = append(objs, Object{Key: *o.Key, Size: aws.ToInt64(o.Size)})
		}
	}

	slog.Debug("mirror_list_complete", "prefix", prefix, "objects", len(objs))
	return objs, nil
}

// Stat returns the size and published digest of key.
func (c *Client) Stat(ctx context.Context, key string) (*Object, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, &errors.NotFoundError{What: c.URL(key)}
		}
		return nil, errors.Wrap(err, "head "+c.URL(key))
	}

	obj := &Object{Key: key, Size: aws.ToInt64(out.ContentLength)}
	for k, v := range out.Metadata {
		if strings.EqualFold(k, DigestMetadataKey) {
			obj.SHA256 = strings.ToLower(strings.TrimSpace(v))
		}
	}
	return obj, nil
}
