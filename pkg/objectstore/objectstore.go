/**
 * @description
 * This package wraps an S3-compatible bucket for proof-of-payment uploads.
 * Objects are addressed by URL so callers only ever hold the opaque URL string.
 *
 * @dependencies
 * - github.com/minio/minio-go/v7: S3-compatible client.
 */
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrForeignURL is returned when a URL does not point into this store's bucket.
var ErrForeignURL = errors.New("url does not belong to this bucket")

// Store puts and deletes objects in a single bucket.
type Store struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// New connects to endpoint (host[:port]) and returns a store for bucket.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	endpoint = strings.TrimSpace(endpoint)
	bucket = strings.TrimSpace(bucket)
	if endpoint == "" || bucket == "" {
		return nil, errors.New("object storage endpoint and bucket are required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return &Store{
		client:  client,
		bucket:  bucket,
		baseURL: fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

// Put uploads body under key and returns the object URL.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return s.URLFor(key), nil
}

// Delete removes the object behind objectURL. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, objectURL string) error {
	key, err := s.KeyFromURL(objectURL)
	if err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// URLFor returns the URL of key.
func (s *Store) URLFor(key string) string {
	segments := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + strings.Join(segments, "/")
}

// KeyFromURL is the inverse of URLFor.
func (s *Store) KeyFromURL(objectURL string) (string, error) {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(objectURL, prefix) {
		return "", ErrForeignURL
	}
	key, err := url.PathUnescape(strings.TrimPrefix(objectURL, prefix))
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", ErrForeignURL
	}
	return key, nil
}
