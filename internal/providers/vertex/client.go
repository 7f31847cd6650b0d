package vertex

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

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"worker/internal/infra"
)

// ErrMissingProject indicates that the client was configured without a
// Google Cloud project.
var ErrMissingProject = errors.New("vertex: project is required")

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Options configures the Vertex AI client.
type Options struct {
	Project        string
	Location       string
	BaseURL        string
	HTTPClient     *http.Client
	TokenSource    oauth2.TokenSource
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client performs HTTP calls against the Vertex AI publisher-model
// endpoints. One client serves every model; callers pass the model per
// invocation.
type Client struct {
	project     string
	location    string
	baseURL     string
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	logger      *infra.Logger
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewClient constructs a client with sane defaults. When no token source
// is injected it resolves Application Default Credentials.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	project := strings.TrimSpace(opts.Project)
	if project == "" {
		return nil, ErrMissingProject
	}
	location := strings.TrimSpace(opts.Location)
	if location == "" {
		location = "us-central1"
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", location)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	tokenSource := opts.TokenSource
	if tokenSource == nil {
		creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("vertex: resolve credentials: %w", err)
		}
		tokenSource = creds.TokenSource
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		project:     project,
		location:    location,
		baseURL:     baseURL,
		httpClient:  httpClient,
		tokenSource: tokenSource,
		logger:      logger,
	}, nil
}

// GenerateContent invokes a generative model's :generateContent endpoint
// and returns the raw response body.
func (c *Client) GenerateContent(ctx context.Context, model string, payload any) ([]byte, error) {
	return c.invoke(ctx, model, "generateContent", payload)
}

// Predict invokes a prediction model's :predict endpoint and returns the
// raw response body.
func (c *Client) Predict(ctx context.Context, model string, payload any) ([]byte, error) {
	return c.invoke(ctx, model, "predict", payload)
}

func (c *Client) invoke(ctx context.Context, model, verb string, payload any) ([]byte, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("vertex: model is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vertex: encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		c.baseURL, c.project, c.location, model, verb)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vertex: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := c.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("vertex: fetch token: %w", err)
	}
	token.SetAuthHeader(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vertex: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("vertex: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Error.Message != "" {
			return nil, fmt.Errorf("vertex: %s (%s)", detail.Error.Message, detail.Error.Status)
		}
		return nil, fmt.Errorf("vertex: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	c.logger.Debug().
		Str("model", model).
		Str("verb", verb).
		Dur("duration", time.Since(start)).
		Msg("vertex: model call")
	return raw, nil
}
