package persist

import (
	"fmt"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, namespace string) (VersionedStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil

	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config, namespace)

	case StoreTypeBadger:
		return NewBadgerStoreFromConfig(config, namespace)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, namespace)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}
