package persist

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned by Get and GetVersioned when no blob is stored under the key.
var ErrNotFound = errors.New("blob not found")

var keyRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_/.:]+$`)

// VersionedData is a blob together with the version token a subsequent
// SetVersioned call must present to overwrite it.
type VersionedData struct {
	Data      []byte
	Version   string // content hash or backend ETag
	Timestamp time.Time
}

// Store is the opaque blob persistence consumed by the identity core.
//
// The core owns the serialization format of everything it writes; a Store only
// owns durability. Keys are slash separated paths such as "identity/private" or
// "replay/ledger". Implementations must be safe for concurrent use within one
// process. Nothing in this contract coordinates separate processes sharing the
// same backing storage; see VersionedStore for that.
//
// Implementations:
//   - MemoryStore: process local, used by tests and ephemeral sessions
//   - FileSystemStore: one file per key below a namespace directory
//   - BadgerStore: embedded badger key-value database
//   - S3Store: S3 compatible object storage through the MinIO client
type Store interface {
	// Get returns the blob stored under key or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores data under key, replacing any previous blob.
	Set(key string, data []byte) error

	// Delete removes the blob under key. Deleting a missing key is not an error.
	Delete(key string) error

	// List returns every key starting with prefix, sorted.
	List(prefix string) ([]string, error)

	// Ping tests connectivity for remote backends
	Ping() error

	Close() error

	GetType() string
}

// VersionedStore adds optimistic concurrency to a Store. SetVersioned only
// succeeds when the currently stored version equals expectedVersion (the empty
// version meaning "absent"), otherwise it returns a ConcurrencyError.
type VersionedStore interface {
	Store

	GetVersioned(key string) (*VersionedData, error)

	SetVersioned(key string, data []byte, expectedVersion string) (newVersion string, err error)
}

type StoreConfig struct {
	Type StoreType `json:"type" yaml:"type"`

	Config map[string]interface{} `json:"config" yaml:"config"`
}

type StoreType string

const (
	StoreTypeMemory StoreType = "memory"

	StoreTypeFileSystem StoreType = "filesystem"

	StoreTypeBadger StoreType = "badger"

	StoreTypeS3 StoreType = "s3"
)

type ConcurrencyError struct {
	Key             string
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s for %s: expected version %q, but found %q",
		e.Operation, e.Key, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// IsConcurrencyError reports whether err carries a version conflict
func IsConcurrencyError(err error) bool {
	var concErr ConcurrencyError
	return errors.As(err, &concErr)
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if len(key) > 255 {
		return fmt.Errorf("key too long (max 255 characters)")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key contains invalid path traversal sequence")
	}
	if strings.Contains(key, "//") {
		return fmt.Errorf("key contains double slashes")
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("key cannot start or end with slash")
	}
	if !keyRegex.MatchString(key) {
		return fmt.Errorf("key '%s' contains invalid characters (allowed: a-z, A-Z, 0-9, -, _, /, ., :)", key)
	}
	return nil
}

func validateNamespace(namespace string) error {
	if namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}

	if strings.Contains(namespace, "..") ||
		strings.Contains(namespace, "/") ||
		strings.Contains(namespace, "\\") ||
		strings.Contains(namespace, " ") {
		return fmt.Errorf("namespace contains invalid characters")
	}

	if len(namespace) > 100 {
		return fmt.Errorf("namespace too long (max 100 characters)")
	}

	return nil
}

func calculateVersion(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}
