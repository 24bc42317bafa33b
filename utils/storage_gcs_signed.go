package utils

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// SignedUpload is what a client needs to PUT a document itself.
type SignedUpload struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"objectKey"`
	AccessURL string            `json:"accessUrl"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

var uploadableContentTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/tiff":      true,
	"image/webp":      true,
}

// IsUploadableContentType reports whether clients may upload this type
// directly.
func IsUploadableContentType(contentType string) bool {
	return uploadableContentTypes[strings.ToLower(strings.TrimSpace(contentType))]
}

// urlSigner fills the identity half of SignedURLOptions.
type urlSigner struct {
	accessID   string
	privateKey []byte
	signBytes  func([]byte) ([]byte, error)
}

func (u *urlSigner) apply(opts *storage.SignedURLOptions) {
	opts.GoogleAccessID = u.accessID
	opts.PrivateKey = u.privateKey
	opts.SignBytes = u.signBytes
}

// SignUpload issues a V4 signed PUT URL for objectKey. The signer is resolved
// once per store and reused.
func (s *GCSDocumentStore) SignUpload(ctx context.Context, objectKey, contentType string, expires time.Duration) (*SignedUpload, error) {
	if !IsUploadableContentType(contentType) {
		return nil, fmt.Errorf("content type %q cannot be uploaded", contentType)
	}
	signer, err := s.getSigner(ctx)
	if err != nil {
		return nil, err
	}
	opts := &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      "PUT",
		Expires:     time.Now().Add(expires),
		ContentType: contentType,
	}
	signer.apply(opts)

	signedURL, err := storage.SignedURL(s.Bucket, objectKey, opts)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", objectKey, err)
	}
	return &SignedUpload{
		UploadURL: signedURL,
		Method:    opts.Method,
		Headers:   map[string]string{"Content-Type": contentType},
		ObjectKey: objectKey,
		AccessURL: BuildObjectAccessURL(s.Bucket, objectKey),
		ExpiresAt: opts.Expires,
	}, nil
}

func (s *GCSDocumentStore) getSigner(ctx context.Context) (*urlSigner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signer != nil {
		return s.signer, nil
	}
	signer, err := keySignerFromEnv()
	if err != nil {
		return nil, err
	}
	if signer == nil {
		if signer, err = iamSigner(ctx); err != nil {
			return nil, err
		}
	}
	s.signer = signer
	return signer, nil
}

// keySignerFromEnv returns nil, nil when no key material is configured.
// GCS_CREDENTIALS_JSON wins over GCS_SIGNER_EMAIL + GCS_SIGNER_PRIVATE_KEY.
func keySignerFromEnv() (*urlSigner, error) {
	if raw := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON")); raw != "" {
		var key struct {
			ClientEmail string `json:"client_email"`
			PrivateKey  string `json:"private_key"`
		}
		if err := json.Unmarshal([]byte(raw), &key); err != nil {
			return nil, fmt.Errorf("invalid GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return nil, errors.New("GCS_CREDENTIALS_JSON missing client_email or private_key")
		}
		return &urlSigner{accessID: key.ClientEmail, privateKey: pemBytes(key.PrivateKey)}, nil
	}
	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	pk := strings.TrimSpace(os.Getenv("GCS_SIGNER_PRIVATE_KEY"))
	if email == "" || pk == "" {
		return nil, nil
	}
	return &urlSigner{accessID: email, privateKey: pemBytes(pk)}, nil
}

// env files carry the PEM with literal \n
func pemBytes(key string) []byte {
	return []byte(strings.ReplaceAll(key, `\n`, "\n"))
}

// iamSigner signs through IAM SignBlob as GCS_SIGNER_EMAIL, or as the
// metadata server's default account when running on GCP.
func iamSigner(ctx context.Context) (*urlSigner, error) {
	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	if email == "" && metadata.OnGCE() {
		var err error
		if email, err = metadata.Email("default"); err != nil {
			return nil, fmt.Errorf("default service account email: %w", err)
		}
	}
	if email == "" {
		return nil, errors.New("GCS_SIGNER_EMAIL is required when no private key is provided")
	}

	creds, err := google.FindDefaultCredentials(ctx, iamcredentials.CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("load ADC credentials: %w", err)
	}
	svc, err := iamcredentials.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("iamcredentials service: %w", err)
	}
	name := "projects/-/serviceAccounts/" + email
	return &urlSigner{
		accessID: email,
		signBytes: func(payload []byte) ([]byte, error) {
			resp, err := svc.Projects.ServiceAccounts.SignBlob(name, &iamcredentials.SignBlobRequest{
				Payload: base64.StdEncoding.EncodeToString(payload),
			}).Do()
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.DecodeString(resp.SignedBlob)
		},
	}, nil
}
