// Package storage wraps the S3-compatible object store that holds runtime
// artifacts. Artifacts live under "{runtimeId}/{buildId}.tar.gz"; the bulk of
// the traffic (upload, prefix cleanup) happens from inside pods, so this
// client only needs to read and stat.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"

	"github.com/open-runtimes/k8s-executor/constants"
)

type ObjectStore struct {
	client *minio.Client
	bucket string
}

// NewObjectStore builds a client from the S3_* environment. The endpoint may
// carry a scheme; https implies TLS unless S3_SECURE overrides it.
func NewObjectStore() (*ObjectStore, error) {
	endpoint := viper.GetString(constants.EnvS3Endpoint)
	secure := viper.GetBool(constants.EnvS3Secure)

	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid S3 endpoint %q: %v", endpoint, err)
		}
		secure = u.Scheme == "https"
		endpoint = u.Host
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(
			viper.GetString(constants.EnvS3AccessKeyID),
			viper.GetString(constants.EnvS3SecretAccessKey),
			"",
		),
		Region: viper.GetString(constants.EnvS3Region),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %v", err)
	}

	return &ObjectStore{
		client: client,
		bucket: viper.GetString(constants.EnvS3Bucket),
	}, nil
}

// Download reads the whole object into memory. Build sources are small enough
// that buffering beats streaming here; the bytes get base64-encoded into a pod
// env var anyway.
func (s *ObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %v", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %v", key, err)
	}

	return data, nil
}

// Stat returns the size of an object.
func (s *ObjectStore) Stat(ctx context.Context, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to stat object %s: %v", key, err)
	}
	return info.Size, nil
}
