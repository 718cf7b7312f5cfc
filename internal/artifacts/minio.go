package artifacts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"imgconvert/internal/models"
)

// S3 keeps artifacts in an S3-compatible bucket.
type S3 struct {
	client *minio.Client
	bucket string
	log    *slog.Logger
}

func NewS3(ctx context.Context, cfg models.StorageConfig, log *slog.Logger) (*S3, error) {
	const op = "artifacts.NewS3"

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("%s: make bucket: %w", op, err)
		}
		log.Info("bucket created", slog.String("bucket", cfg.Bucket))
	}

	return &S3{client: client, bucket: cfg.Bucket, log: log}, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *S3) Put(ctx context.Context, p string, r io.Reader, size int64, contentType string) error {
	const op = "artifacts.S3.Put"

	key, err := clean(p)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *S3) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	const op = "artifacts.S3.Open"

	key, err := clean(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s: %s: %w", op, p, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return obj, nil
}

func (s *S3) Exists(ctx context.Context, p string) (bool, error) {
	const op = "artifacts.S3.Exists"

	key, err := clean(p)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	_, err = s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func (s *S3) Delete(ctx context.Context, p string) error {
	const op = "artifacts.S3.Delete"

	key, err := clean(p)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// DeleteDir lists every object under prefix and removes them in bulk. A
// listing error stops the removal; otherwise the first removal error is
// returned once the remover is done.
func (s *S3) DeleteDir(ctx context.Context, prefix string) error {
	const op = "artifacts.S3.DeleteDir"

	key, err := clean(prefix)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}

	// Cancelling stops the lister whether we bail out early or the
	// remover gives up.
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := make(chan minio.ObjectInfo)
	var listErr error
	go func() {
		defer close(objects)
		for obj := range s.client.ListObjects(lctx, s.bucket, minio.ListObjectsOptions{Prefix: key, Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				cancel()
				return
			}
			select {
			case objects <- obj:
			case <-lctx.Done():
				return
			}
		}
	}()

	var firstErr error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		s.log.Error("remove object failed", slog.String("key", rerr.ObjectName), slog.Any("error", rerr.Err))
		if firstErr == nil {
			firstErr = rerr.Err
		}
	}
	if listErr != nil {
		return fmt.Errorf("%s: list: %w", op, listErr)
	}
	if firstErr != nil {
		return fmt.Errorf("%s: %w", op, firstErr)
	}
	return nil
}
