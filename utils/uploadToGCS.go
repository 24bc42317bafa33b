package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

var ErrDocumentNotFound = errors.New("document not found")

const gcsPublicHost = "https://storage.googleapis.com"

// getGoogleClient initializes a Google Cloud Storage client
func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// GCSDocumentStore keeps invoice documents in a single bucket. Objects are
// addressed by their public https URL.
type GCSDocumentStore struct {
	Bucket string

	mu     sync.Mutex
	client *storage.Client
	signer *urlSigner
}

func NewGCSDocumentStore(bucket string) (*GCSDocumentStore, error) {
	if bucket == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	return &GCSDocumentStore{Bucket: bucket}, nil
}

func (s *GCSDocumentStore) getClient(ctx context.Context) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	s.client = c
	return c, nil
}

func (s *GCSDocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *GCSDocumentStore) objectURL(objectName string) string {
	return BuildObjectAccessURL(s.Bucket, objectName)
}

// ObjectKey extracts the object name from a URL produced by this store.
func (s *GCSDocumentStore) ObjectKey(rawURL string) (string, error) {
	key := ExtractObjectKeyFromURL(s.Bucket, rawURL)
	if key == "" {
		return "", fmt.Errorf("url %q is not in bucket %q", rawURL, s.Bucket)
	}
	return key, nil
}

func (s *GCSDocumentStore) Put(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return "", err
	}

	wc := client.Bucket(s.Bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("failed to upload bytes to Google Cloud Storage: %w", err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}
	return s.objectURL(objectName), nil
}

func (s *GCSDocumentStore) Get(ctx context.Context, rawURL string) ([]byte, error) {
	objectName, err := s.ObjectKey(rawURL)
	if err != nil {
		return nil, err
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := client.Bucket(s.Bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (s *GCSDocumentStore) Delete(ctx context.Context, rawURL string) error {
	objectName, err := s.ObjectKey(rawURL)
	if err != nil {
		return err
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}
	err = client.Bucket(s.Bucket).Object(objectName).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

// MemoryDocumentStore is the local/dev and test document store.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	objs map[string][]byte
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{objs: map[string][]byte{}}
}

func (m *MemoryDocumentStore) Put(_ context.Context, objectName string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := "mem://" + objectName
	m.objs[u] = append([]byte(nil), data...)
	return u, nil
}

func (m *MemoryDocumentStore) Get(_ context.Context, rawURL string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objs[rawURL]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryDocumentStore) Delete(_ context.Context, rawURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objs, rawURL)
	return nil
}

func (m *MemoryDocumentStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objs)
}
