package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"southwinds.dev/tryst/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second
)

var _ VersionedStore = (*S3Store)(nil)

// S3Store implements VersionedStore on S3 compatible object storage.
//
// bucketName/
// └── [keyPrefix/]namespace/
//     ├── store.json            # StoreInfo marker
//     ├── identity/private      # wrapped private key record
//     ├── identity/public
//     ├── identity/history
//     ├── identity/archive/<fp>
//     └── replay/ledger
//
// Versions are object ETags. SetVersioned sends the expected ETag as an
// If-Match precondition so the compare and swap happens server side.
type S3Store struct {
	client *minio.Client

	bucketName string

	// keyPrefix lets several applications share one bucket
	keyPrefix string

	namespace string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	KeyPrefix       string `json:"key_prefix" yaml:"key_prefix"`
	UseSSL          bool   `json:"use_ssl" yaml:"use_ssl"`
	Region          string `json:"region" yaml:"region"`
}

// NewS3Store connects to the object store and makes sure the bucket exists.
// An empty namespace defaults to "default".
func NewS3Store(config S3Config, namespace string) (*S3Store, error) {
	if namespace == "" {
		namespace = "default"
	}

	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		namespace:  namespace,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeStoreInfo(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store info: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig decodes the generic config map into an S3Config
func NewS3StoreFromConfig(config StoreConfig, namespace string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for MinIO: %s", config.Type)
	}

	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, namespace)
}

func (s3s *S3Store) initializeStoreInfo(ctx context.Context) error {
	objectName := s3s.objectName("store.json")
	debug.Print("initializeStoreInfo: object name '%s'\n", objectName)

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to check store info: %w", err)
	}

	info := StoreInfo{
		Version:    "1.0.0",
		Namespace:  s3s.namespace,
		CreatedAt:  time.Now().UTC(),
		LastAccess: time.Now().UTC(),
		Structure:  "v1",
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store info: %w", err)
	}

	_, err = s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"data-type":  "store-info",
				"namespace":  s3s.namespace,
				"created-at": info.CreatedAt.Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to create store info: %w", err)
	}
	return nil
}

func (s3s *S3Store) Get(key string) ([]byte, error) {
	vd, err := s3s.GetVersioned(key)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (s3s *S3Store) GetVersioned(key string) (*VersionedData, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.objectName(key)
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		// GetObject is lazy; a missing key surfaces on first read
		if s3s.isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   s3s.cleanETag(objectInfo.ETag),
		Timestamp: objectInfo.LastModified,
	}, nil
}

func (s3s *S3Store) Set(key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("data cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.put(ctx, key, data, minio.PutObjectOptions{})
	return err
}

func (s3s *S3Store) SetVersioned(key string, data []byte, expectedVersion string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("data cannot be nil")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	current, err := s3s.getObjectVersion(ctx, s3s.objectName(key))
	if err != nil {
		return "", fmt.Errorf("failed to verify current version: %w", err)
	}
	if current != expectedVersion {
		return "", ConcurrencyError{Key: key, ExpectedVersion: expectedVersion, ActualVersion: current, Operation: "SetVersioned"}
	}

	opts := minio.PutObjectOptions{}
	if expectedVersion != "" {
		opts.SetMatchETag(expectedVersion)
	}

	version, err := s3s.put(ctx, key, data, opts)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			return "", ConcurrencyError{Key: key, ExpectedVersion: expectedVersion, ActualVersion: "unknown", Operation: "SetVersioned"}
		}
		return "", err
	}
	return version, nil
}

func (s3s *S3Store) put(ctx context.Context, key string, data []byte, opts minio.PutObjectOptions) (string, error) {
	opts.ContentType = "application/octet-stream"
	opts.UserMetadata = map[string]string{
		"namespace":  s3s.namespace,
		"updated-at": time.Now().UTC().Format(time.RFC3339),
	}

	info, err := s3s.client.PutObject(ctx, s3s.bucketName, s3s.objectName(key),
		bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		if s3s.isPreconditionFailedError(err) {
			return "", err
		}
		return "", fmt.Errorf("failed to put %s: %w", key, err)
	}
	return s3s.cleanETag(info.ETag), nil
}

func (s3s *S3Store) Delete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	err := s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.objectName(key), minio.RemoveObjectOptions{})
	if err != nil && !s3s.isNotFoundError(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s3s *S3Store) List(prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	base := s3s.objectName() + "/"
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    base + prefix,
		Recursive: true,
	})

	keys := make([]string, 0)
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		key := strings.TrimPrefix(object.Key, base)
		if key == "store.json" {
			continue
		}
		debug.Print("List: found key '%s'\n", key)
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// objectName joins the key prefix, namespace and key components
func (s3s *S3Store) objectName(components ...string) string {
	var parts []string
	if cleanPrefix := strings.Trim(s3s.keyPrefix, "/"); cleanPrefix != "" {
		parts = append(parts, cleanPrefix)
	}
	parts = append(parts, s3s.namespace)
	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil
		}
		return "", err
	}
	return s3s.cleanETag(objInfo.ETag), nil
}

func (s3s *S3Store) cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s3s *S3Store) isPreconditionFailedError(err error) bool {
	return minio.ToErrorResponse(err).Code == "PreconditionFailed"
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.Code == "NoSuchKey" || errResp.Code == "NotFound"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
