package blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/qiniu/go-sdk/v7/storagev2/credentials"
	httpclient "github.com/qiniu/go-sdk/v7/storagev2/http_client"
	"github.com/qiniu/go-sdk/v7/storagev2/objects"
	"github.com/qiniu/go-sdk/v7/storagev2/uploader"
)

// KodoStore stores objects in a Qiniu Kodo bucket.
type KodoStore struct {
	bucketName string
	uploads    *uploader.UploadManager
	bucket     *objects.Bucket
}

// KodoConfig holds the credentials and bucket for a KodoStore.
type KodoConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
}

// NewKodoStore creates a Kodo-backed store.
func NewKodoStore(cfg KodoConfig) (*KodoStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("kodo store requires access_key, secret_key and bucket")
	}
	creds := credentials.NewCredentials(cfg.AccessKey, cfg.SecretKey)
	opts := httpclient.Options{Credentials: creds}

	uploads := uploader.NewUploadManager(&uploader.UploadManagerOptions{Options: opts})
	manager := objects.NewObjectsManager(&objects.ObjectsManagerOptions{Options: opts})

	return &KodoStore{
		bucketName: cfg.Bucket,
		uploads:    uploads,
		bucket:     manager.Bucket(cfg.Bucket),
	}, nil
}

func (s *KodoStore) Put(ctx context.Context, key string, content []byte, metadata map[string]string) error {
	err := s.uploads.UploadReader(ctx, bytes.NewReader(content), &uploader.ObjectOptions{
		BucketName:  s.bucketName,
		ObjectName:  &key,
		FileName:    key,
		ContentType: "application/x-ndjson",
		Metadata:    metadata,
	}, nil)
	if err != nil {
		return fmt.Errorf("upload object %q: %w", key, err)
	}
	return nil
}

func (s *KodoStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	lister := s.bucket.List(ctx, &objects.ListObjectsOptions{Prefix: prefix})
	defer lister.Close()

	var infos []ObjectInfo
	var details objects.ObjectDetails
	for lister.Next(&details) {
		infos = append(infos, ObjectInfo{Key: details.Name, Size: details.Size})
	}
	if err := lister.Error(); err != nil {
		return nil, fmt.Errorf("list objects with prefix %q: %w", prefix, err)
	}
	return infos, nil
}

func (s *KodoStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Object(key).Delete().Call(ctx); err != nil {
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	return nil
}
