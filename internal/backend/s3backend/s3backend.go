// Package s3backend implements backend.Backend over an S3-compatible
// object store. Content blobs are stored under the same two-level
// hex-prefix key scheme as the local backend; directories have no native
// representation in S3, so Mkdir/IsDirectory/ListDir are synthesized with
// zero-length marker objects whose key ends in "/", the convention the
// teacher's MinIO/Hetzner helpers use for the same problem.
package s3backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nexi-lab/nexus/internal/backend"
	"github.com/nexi-lab/nexus/internal/nexuserrors"
)

// sharedHTTPClient pools connections across every backend operation, same
// tuning as the teacher's storage package: one client shared across the
// lifetime of the process instead of one per request.
var sharedHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Config configures the S3 backend's connection.
type Config struct {
	Endpoint  string // empty for real AWS S3
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	KeyPrefix string
}

// Backend stores blobs in a single S3-compatible bucket.
type Backend struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	keyPrefix string
}

// New constructs an S3-backed Backend from cfg.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: cfg.Endpoint, SigningRegion: region, HostnameImmutable: true}, nil
			})))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
		o.HTTPClient = sharedHTTPClient
	})

	return &Backend{
		client:    client,
		uploader:  manager.NewUploader(client),
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

func (b *Backend) blobKey(hash string) string {
	d1, d2, full := backend.Locator(hash)
	if d2 == "" {
		return b.keyPrefix + d1 + "/" + full
	}
	return b.keyPrefix + d1 + "/" + d2 + "/" + full
}

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	var nb *types.NotFound
	return errors.As(err, &nf) || errors.As(err, &nb)
}

func (b *Backend) WriteContent(ctx context.Context, data []byte) (string, error) {
	hash := backend.Hash(data)
	key := b.blobKey(hash)

	if exists, err := b.ContentExists(ctx, hash); err != nil {
		return "", err
	} else if !exists {
		if _, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		}); err != nil {
			return "", nexuserrors.Wrap(nexuserrors.Unavailable, err, "upload blob")
		}
	}
	if err := b.bumpRefCount(ctx, hash, 1); err != nil {
		return "", err
	}
	return hash, nil
}

func (b *Backend) ReadContent(ctx context.Context, hash string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.blobKey(hash)),
	})
	if isNotFound(err) {
		return nil, nexuserrors.ErrContentNotFound
	}
	if err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "get blob")
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "read blob body")
	}
	return data, nil
}

func (b *Backend) DeleteContent(ctx context.Context, hash string) error {
	count, err := b.GetRefCount(ctx, hash)
	if err != nil {
		return err
	}
	if count <= 0 {
		return nexuserrors.ErrContentNotFound
	}
	count--
	if count <= 0 {
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.blobKey(hash)),
		}); err != nil {
			return nexuserrors.Wrap(nexuserrors.Unavailable, err, "delete blob")
		}
		_, _ = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.refcountKey(hash)),
		})
		return nil
	}
	return b.writeRefCount(ctx, hash, count)
}

func (b *Backend) ContentExists(ctx context.Context, hash string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.blobKey(hash)),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, nexuserrors.Wrap(nexuserrors.Unavailable, err, "head blob")
	}
	return true, nil
}

func (b *Backend) GetContentSize(ctx context.Context, hash string) (int64, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.blobKey(hash)),
	})
	if isNotFound(err) {
		return 0, nexuserrors.ErrContentNotFound
	}
	if err != nil {
		return 0, nexuserrors.Wrap(nexuserrors.Unavailable, err, "head blob")
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (b *Backend) refcountKey(hash string) string { return b.blobKey(hash) + ".refcount" }

func (b *Backend) GetRefCount(ctx context.Context, hash string) (int64, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.refcountKey(hash)),
	})
	if isNotFound(err) {
		if exists, existsErr := b.ContentExists(ctx, hash); existsErr == nil && exists {
			return 1, nil
		}
		return 0, nil
	}
	if err != nil {
		return 0, nexuserrors.Wrap(nexuserrors.Unavailable, err, "get refcount")
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return 0, nexuserrors.Wrap(nexuserrors.Unavailable, err, "read refcount body")
	}
	var n int64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &n); err != nil {
		return 0, nexuserrors.Wrap(nexuserrors.Internal, err, "corrupt refcount object")
	}
	return n, nil
}

func (b *Backend) writeRefCount(ctx context.Context, hash string, n int64) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.refcountKey(hash)),
		Body:   strings.NewReader(fmt.Sprintf("%d", n)),
	})
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "write refcount")
	}
	return nil
}

func (b *Backend) bumpRefCount(ctx context.Context, hash string, delta int64) error {
	current, err := b.GetRefCount(ctx, hash)
	if err != nil {
		return err
	}
	return b.writeRefCount(ctx, hash, current+delta)
}

func (b *Backend) BatchReadContent(ctx context.Context, hashes []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(hashes))
	for _, h := range hashes {
		data, err := b.ReadContent(ctx, h)
		if nexuserrors.Is(err, nexuserrors.NotFound) {
			out[h] = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		out[h] = data
	}
	return out, nil
}

func (b *Backend) dirMarkerKey(path string) string {
	return b.keyPrefix + strings.TrimPrefix(path, "/") + "/"
}

func (b *Backend) Mkdir(ctx context.Context, path string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.dirMarkerKey(path)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "create directory marker")
	}
	return nil
}

func (b *Backend) Rmdir(ctx context.Context, path string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.dirMarkerKey(path)),
	})
	if err != nil {
		return nexuserrors.Wrap(nexuserrors.Unavailable, err, "remove directory marker")
	}
	return nil
}

func (b *Backend) IsDirectory(ctx context.Context, path string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.dirMarkerKey(path)),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, nexuserrors.Wrap(nexuserrors.Unavailable, err, "head directory marker")
	}
	return true, nil
}

func (b *Backend) ListDir(ctx context.Context, path string) ([]string, error) {
	prefix := b.dirMarkerKey(path)
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, nexuserrors.Wrap(nexuserrors.Unavailable, err, "list directory")
	}
	names := make([]string, 0, len(out.CommonPrefixes)+len(out.Contents))
	for _, p := range out.CommonPrefixes {
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(*p.Prefix, prefix), "/"))
	}
	for _, o := range out.Contents {
		name := strings.TrimPrefix(*o.Key, prefix)
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}
