package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"southwinds.dev/tryst/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	blobSuffix = ".blob"
)

var _ VersionedStore = (*FileSystemStore)(nil)

// FileSystemStore stores one file per key below basePath/namespace/data.
// Writes go through a temp file and rename so a crash never leaves a torn blob.
type FileSystemStore struct {
	mu          sync.Mutex
	basePath    string
	namespace   string
	nsPath      string // basePath/namespace/
	dataDir     string // basePath/namespace/data/
	storeConfig string // basePath/namespace/store.json
}

// StoreInfo is written once per namespace to mark the directory as a tryst store
type StoreInfo struct {
	Version    string    `json:"version"`
	Namespace  string    `json:"namespace"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

func NewFileSystemStore(basePath string, namespace string) (*FileSystemStore, error) {
	if namespace == "" {
		namespace = "default"
	}

	if err := validateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	nsPath := filepath.Join(basePath, namespace)

	store := &FileSystemStore{
		basePath:    basePath,
		namespace:   namespace,
		nsPath:      nsPath,
		dataDir:     filepath.Join(nsPath, "data"),
		storeConfig: filepath.Join(nsPath, "store.json"),
	}

	for _, dir := range []string{store.nsPath, store.dataDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := store.initializeStoreInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize store info: %w", err)
	}

	return store, nil
}

func NewFileSystemStoreFromConfig(config StoreConfig, namespace string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath, namespace)
}

func (fs *FileSystemStore) initializeStoreInfo() error {
	if _, err := os.Stat(fs.storeConfig); os.IsNotExist(err) {
		info := StoreInfo{
			Version:    "1.0.0",
			Namespace:  fs.namespace,
			CreatedAt:  time.Now().UTC(),
			LastAccess: time.Now().UTC(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.storeConfig, data, FilePermissions)
	}
	return nil
}

func (fs *FileSystemStore) pathFor(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(fs.dataDir, filepath.FromSlash(key)+blobSuffix), nil
}

func (fs *FileSystemStore) Get(key string) ([]byte, error) {
	vd, err := fs.GetVersioned(key)
	if err != nil {
		return nil, err
	}
	return vd.Data, nil
}

func (fs *FileSystemStore) GetVersioned(key string) (*VersionedData, error) {
	path, err := fs.pathFor(key)
	if err != nil {
		return nil, err
	}

	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	debug.Print("GetVersioned: read %d bytes for %s (namespace: %s)\n", len(data), key, fs.namespace)

	return &VersionedData{
		Data:      data,
		Version:   calculateVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) Set(key string, data []byte) error {
	path, err := fs.pathFor(key)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("data cannot be nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.write(path, data)
}

// SetVersioned compares and swaps within this process. Separate processes
// sharing the directory can still interleave between the version read and the rename.
func (fs *FileSystemStore) SetVersioned(key string, data []byte, expectedVersion string) (string, error) {
	path, err := fs.pathFor(key)
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("data cannot be nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	currentVersion, err := getFileVersion(path)
	if err != nil {
		return "", fmt.Errorf("failed to check current version: %w", err)
	}
	if currentVersion != expectedVersion {
		return "", ConcurrencyError{
			Key:             key,
			ExpectedVersion: expectedVersion,
			ActualVersion:   currentVersion,
			Operation:       "SetVersioned",
		}
	}

	if err = fs.write(path, data); err != nil {
		return "", err
	}
	return calculateVersion(data), nil
}

func (fs *FileSystemStore) write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return writeSecureFile(path, data, FilePermissions)
}

func (fs *FileSystemStore) Delete(key string) error {
	path, err := fs.pathFor(key)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (fs *FileSystemStore) List(prefix string) ([]string, error) {
	keys := make([]string, 0)

	err := filepath.WalkDir(fs.dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), blobSuffix) {
			return nil
		}

		rel, err := filepath.Rel(fs.dataDir, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), blobSuffix)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.nsPath)
	return err
}

func (fs *FileSystemStore) Close() error {
	if configData, err := os.ReadFile(fs.storeConfig); err == nil {
		var info StoreInfo
		if err := json.Unmarshal(configData, &info); err == nil {
			info.LastAccess = time.Now().UTC()
			if updatedData, err := json.MarshalIndent(info, "", "  "); err == nil {
				_ = writeSecureFile(fs.storeConfig, updatedData, FilePermissions)
			}
		}
	}
	return nil
}

func getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateVersion(data), nil
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
