// Package integration holds HTTP clients for the external document services:
// AI extraction and PDF stamping.
package integration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/invoices_backend/utils"
	"github.com/mmdatafocus/invoices_backend/workflow"
)

type serviceClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

func newServiceClient(baseURL, apiKey string, timeout time.Duration) (*serviceClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("service base url is empty")
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("COLLABORATOR_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &serviceClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

func (c *serviceClient) postJSON(ctx context.Context, path string, in interface{}, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set(c.apiKeyHdr, c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		req.Header.Set("X-Correlation-Id", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s error %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}

// ExtractionClient calls the AI extraction service.
type ExtractionClient struct {
	c *serviceClient
}

func NewExtractionClient(baseURL, apiKey string, timeout time.Duration) (*ExtractionClient, error) {
	c, err := newServiceClient(baseURL, apiKey, timeout)
	if err != nil {
		return nil, err
	}
	return &ExtractionClient{c: c}, nil
}

type extractRequest struct {
	MimeType string `json:"mime_type"`
	Document string `json:"document"`
}

func (e *ExtractionClient) Extract(ctx context.Context, document []byte, mimeType string) (*workflow.ExtractionResult, error) {
	var raw json.RawMessage
	if err := e.c.postJSON(ctx, "/v1/extract", extractRequest{
		MimeType: mimeType,
		Document: base64.StdEncoding.EncodeToString(document),
	}, &raw); err != nil {
		return nil, err
	}
	var out workflow.ExtractionResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	out.Raw = raw
	return &out, nil
}

// StampClient calls the PDF stamping service.
type StampClient struct {
	c *serviceClient
}

func NewStampClient(baseURL, apiKey string, timeout time.Duration) (*StampClient, error) {
	c, err := newServiceClient(baseURL, apiKey, timeout)
	if err != nil {
		return nil, err
	}
	return &StampClient{c: c}, nil
}

type stampRequest struct {
	Document string                 `json:"document"`
	Metadata workflow.StampMetadata `json:"metadata"`
}

type stampResponse struct {
	Document string `json:"document"`
}

func (s *StampClient) Stamp(ctx context.Context, pdf []byte, meta workflow.StampMetadata) ([]byte, error) {
	var out stampResponse
	if err := s.c.postJSON(ctx, "/v1/stamp", stampRequest{
		Document: base64.StdEncoding.EncodeToString(pdf),
		Metadata: meta,
	}, &out); err != nil {
		return nil, err
	}
	if out.Document == "" {
		return nil, errors.New("stamp service returned an empty document")
	}
	return base64.StdEncoding.DecodeString(out.Document)
}

// FromEnv builds the clients configured by EXTRACTION_API_URL and
// STAMPING_API_URL. An unset URL yields a nil client.
func FromEnv(extractionTimeout time.Duration) (*ExtractionClient, *StampClient, error) {
	var (
		extractor *ExtractionClient
		stamper   *StampClient
		err       error
	)
	if u := os.Getenv("EXTRACTION_API_URL"); u != "" {
		extractor, err = NewExtractionClient(u, os.Getenv("EXTRACTION_API_KEY"), extractionTimeout)
		if err != nil {
			return nil, nil, err
		}
	}
	if u := os.Getenv("STAMPING_API_URL"); u != "" {
		stamper, err = NewStampClient(u, os.Getenv("STAMPING_API_KEY"), 60*time.Second)
		if err != nil {
			return nil, nil, err
		}
	}
	return extractor, stamper, nil
}
