package utils

import (
	"context"
	"os"
	"strings"
)

const (
	StorageProviderGCS    = "gcs"
	StorageProviderMemory = "memory"
)

func GetStorageProvider() string {
	provider := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_PROVIDER")))
	if provider == "" {
		return StorageProviderGCS
	}
	return provider
}

// DocumentStore is the blob store contract shared by the GCS and in-memory
// stores.
type DocumentStore interface {
	Put(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
	Delete(ctx context.Context, url string) error
}

// NewDocumentStoreFromEnv picks the store named by STORAGE_PROVIDER.
func NewDocumentStoreFromEnv() (DocumentStore, error) {
	if GetStorageProvider() == StorageProviderMemory {
		return NewMemoryDocumentStore(), nil
	}
	return NewGCSDocumentStore(os.Getenv("GCS_BUCKET"))
}
