package segment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"worker/internal/infra"
)

// predictInvoker is the slice of the Vertex client the masker needs.
type predictInvoker interface {
	Predict(ctx context.Context, model string, payload any) ([]byte, error)
}

// Options configures the segmentation masker.
type Options struct {
	Client predictInvoker
	Model  string
	Logger *infra.Logger
}

// Masker asks a segmentation model for a foreground mask of the product.
// The mask feeds image inpainting so the subject itself is preserved.
type Masker struct {
	client predictInvoker
	model  string
	logger *infra.Logger
}

type predictRequest struct {
	Instances []instance `json:"instances"`
}

type instance struct {
	Image  imagePayload `json:"image"`
	Prompt string       `json:"prompt,omitempty"`
}

type imagePayload struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		Mask               string `json:"mask"`
	} `json:"predictions"`
}

// NewMasker constructs a masker bound to one segmentation model.
func NewMasker(opts Options) (*Masker, error) {
	if opts.Client == nil {
		return nil, errors.New("segment: client is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("segment: model is required")
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Masker{client: opts.Client, model: model, logger: logger}, nil
}

// Mask returns the decoded mask image for the photo, or an error when the
// model produces nothing usable.
func (m *Masker) Mask(ctx context.Context, img []byte, productName string) ([]byte, error) {
	if len(img) == 0 {
		return nil, errors.New("segment: empty image")
	}
	payload := predictRequest{
		Instances: []instance{{
			Image:  imagePayload{BytesBase64Encoded: base64.StdEncoding.EncodeToString(img)},
			Prompt: strings.TrimSpace(productName),
		}},
	}
	raw, err := m.client.Predict(ctx, m.model, payload)
	if err != nil {
		return nil, fmt.Errorf("segment: model call: %w", err)
	}
	var decoded predictResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("segment: decode response: %w", err)
	}
	for _, pred := range decoded.Predictions {
		encoded := pred.BytesBase64Encoded
		if encoded == "" {
			encoded = pred.Mask
		}
		if encoded == "" {
			continue
		}
		mask, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(mask) == 0 {
			continue
		}
		m.logger.Debug().
			Str("model", m.model).
			Int("mask_bytes", len(mask)).
			Msg("segment: mask generated")
		return mask, nil
	}
	return nil, errors.New("segment: no mask in response")
}
