package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SupabaseStore uploads objects through the Supabase Storage REST API
// using the service role key.
type SupabaseStore struct {
	baseURL    string
	serviceKey string
	bucket     string
	httpClient *http.Client
}

// SupabaseOptions configures the Supabase object store.
type SupabaseOptions struct {
	BaseURL        string
	ServiceKey     string
	Bucket         string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

type supabaseError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewSupabaseStore validates the options and returns a store.
func NewSupabaseStore(opts SupabaseOptions) (*SupabaseStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("storage: supabase url is required")
	}
	serviceKey := strings.TrimSpace(opts.ServiceKey)
	if serviceKey == "" {
		return nil, errors.New("storage: supabase service key is required")
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		bucket = "products"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &SupabaseStore{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		bucket:     bucket,
		httpClient: httpClient,
	}, nil
}

// Upload stores the object and returns its public URL.
func (s *SupabaseStore) Upload(ctx context.Context, key, mime string, data []byte) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("storage: empty object")
	}
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, cleanKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("storage: build request: %w", err)
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	req.Header.Set("Content-Type", mime)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("x-upsert", "false")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var detail supabaseError
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Message != "" {
			return "", fmt.Errorf("storage: upload failed: %s", detail.Message)
		}
		return "", fmt.Errorf("storage: upload status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return s.publicURL(cleanKey), nil
}

func (s *SupabaseStore) publicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, key)
}

var _ Store = (*SupabaseStore)(nil)
