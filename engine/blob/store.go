// Package blob is the sole owner of all S3 operations: download to temp,
// artifact upload, prefix listing, and the landing-bucket delete.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/civilnas/indexer/engine/domain"
)

// Multipart download tuning.
const (
	multipartThreshold = 50 * 1024 * 1024
	multipartPartSize  = 10 * 1024 * 1024
	multipartWorkers   = 4
)

// s3API is the slice of the S3 client the store uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// ObjectInfo is the metadata HeadObject returns.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// Store is the object-store gateway shared by all workers.
type Store struct {
	client          s3API
	downloader      *manager.Downloader
	temp            *TempRegistry
	ingestBucket    string
	thumbnailBucket string
	log             *slog.Logger
}

// New creates a Store. ingestBucket is the landing bucket, the only bucket
// DeleteSourceObject will ever touch. thumbnailBucket receives all derived
// artifacts, which keeps thumbnail writes from re-triggering ingest events.
func New(client *s3.Client, temp *TempRegistry, ingestBucket, thumbnailBucket string, log *slog.Logger) *Store {
	return &Store{
		client: client,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = multipartPartSize
			d.Concurrency = multipartWorkers
		}),
		temp:            temp,
		ingestBucket:    ingestBucket,
		thumbnailBucket: thumbnailBucket,
		log:             log,
	}
}

// ThumbnailBucket returns the derived-artifact bucket name.
func (s *Store) ThumbnailBucket() string { return s.thumbnailBucket }

// Temp returns the temp registry.
func (s *Store) Temp() *TempRegistry { return s.temp }

// validateKey rejects traversal sequences and absolute keys before any path
// derived from them touches the filesystem.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", domain.ErrValidation)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: absolute key %q", domain.ErrValidation, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: traversal in key %q", domain.ErrValidation, key)
		}
	}
	return nil
}

// Download fetches an object to a temp file and returns the local path.
// Objects over the multipart threshold use the concurrent range downloader.
// The caller owns the returned path and must release it via CleanupTempFile.
func (s *Store) Download(ctx context.Context, bucket, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	head, err := s.Head(ctx, bucket, key)
	if err != nil {
		return "", err
	}

	localPath, err := s.temp.Create(domain.Extension(key))
	if err != nil {
		return "", err
	}
	// The registry only creates under its own dir; keep the invariant checked.
	if rel, err := filepath.Rel(s.temp.Dir(), localPath); err != nil || strings.HasPrefix(rel, "..") {
		s.temp.Remove(localPath)
		return "", fmt.Errorf("%w: temp path escapes temp dir", domain.ErrValidation)
	}

	f, err := os.OpenFile(localPath, os.O_WRONLY, 0o600)
	if err != nil {
		s.temp.Remove(localPath)
		return "", fmt.Errorf("blob: open temp: %w", err)
	}
	defer f.Close()

	if head.Size > multipartThreshold {
		_, err = s.downloader.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
	} else {
		var out *s3.GetObjectOutput
		out, err = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			defer out.Body.Close()
			_, err = io.Copy(f, out.Body)
		}
	}
	if err != nil {
		s.temp.Remove(localPath)
		return "", wrapS3Error("download", bucket, key, err)
	}
	return localPath, nil
}

// UploadBytes writes data under the given bucket and key and returns the
// canonical s3:// URL.
func (s *Store) UploadBytes(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return "", wrapS3Error("upload", bucket, key, err)
	}
	return domain.ObjectURL(bucket, key), nil
}

// ListByPrefix streams keys under a prefix page by page; visit returning an
// error stops the walk. Results are never materialised as one slice.
func (s *Store) ListByPrefix(ctx context.Context, bucket, prefix string, visit func(key string, size int64) error) error {
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return wrapS3Error("list", bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			if err := visit(aws.ToString(obj.Key), aws.ToInt64(obj.Size)); err != nil {
				return err
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}

// Head returns object metadata.
func (s *Store) Head(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, wrapS3Error("head", bucket, key, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

// Exists reports whether an object is present.
func (s *Store) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.Head(ctx, bucket, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// DeleteSourceObject removes an ingested source from the landing bucket.
// It refuses any other bucket; derived artifacts are never garbage-collected
// here.
func (s *Store) DeleteSourceObject(ctx context.Context, bucket, key string) error {
	if bucket != s.ingestBucket || bucket == s.thumbnailBucket {
		return fmt.Errorf("%w: refusing delete in bucket %q", domain.ErrValidation, bucket)
	}
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return wrapS3Error("delete", bucket, key, err)
	}
	return nil
}

// CleanupTempFile releases a downloaded file. Best effort, never errors.
func (s *Store) CleanupTempFile(path string) {
	s.temp.Remove(path)
}

// wrapS3Error maps SDK failures onto the domain error kinds.
func wrapS3Error(op, bucket, key string, err error) error {
	kind := domain.ErrNetwork
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	msg := err.Error()
	switch {
	case errors.As(err, &nsk), errors.As(err, &nf), strings.Contains(msg, "StatusCode: 404"):
		kind = domain.ErrNotFound
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "StatusCode: 403"):
		kind = domain.ErrPermission
	case strings.Contains(msg, "SlowDown"), strings.Contains(msg, "StatusCode: 503"):
		kind = domain.ErrThrottled
	case errors.Is(err, context.DeadlineExceeded):
		kind = domain.ErrTimeout
	}
	return fmt.Errorf("%w: s3 %s %s/%s: %v", kind, op, bucket, key, err)
}
