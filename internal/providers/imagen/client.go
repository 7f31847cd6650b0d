package imagen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"worker/internal/infra"
	"worker/pkg/dataurl"
)

// predictInvoker is the slice of the Vertex client the transformer needs.
type predictInvoker interface {
	Predict(ctx context.Context, model string, payload any) ([]byte, error)
}

// Options configures the image transformer.
type Options struct {
	Client          predictInvoker
	Model           string
	InpaintingModel string
	Logger          *infra.Logger
}

// Transformer turns a maker's raw photo into studio-quality listing
// candidates. Each candidate is returned as a base64 data URI.
type Transformer struct {
	client          predictInvoker
	model           string
	inpaintingModel string
	logger          *infra.Logger
}

type predictRequest struct {
	Instances  []instance `json:"instances"`
	Parameters parameters `json:"parameters"`
}

type instance struct {
	Prompt string        `json:"prompt"`
	Image  *imagePayload `json:"image,omitempty"`
	Mask   *maskPayload  `json:"mask,omitempty"`
}

type imagePayload struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType,omitempty"`
}

type maskPayload struct {
	Image imagePayload `json:"image"`
}

type parameters struct {
	SampleCount int    `json:"sampleCount"`
	EditMode    string `json:"editMode,omitempty"`
}

// Model output shapes drift across versions, so every known field is
// checked in order before the raw-body scan.
type candidatePayload struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	Image              string `json:"image"`
	Data               string `json:"data"`
	B64JSON            string `json:"b64_json"`
	MimeType           string `json:"mimeType"`
}

type predictResponse struct {
	Predictions []candidatePayload `json:"predictions"`
}

var base64Run = regexp.MustCompile(`[A-Za-z0-9+/]{512}[A-Za-z0-9+/]{512,}={0,2}`)

// NewTransformer constructs a transformer. The inpainting model defaults
// to the base model when unset.
func NewTransformer(opts Options) (*Transformer, error) {
	if opts.Client == nil {
		return nil, errors.New("imagen: client is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "imagegeneration@006"
	}
	inpainting := strings.TrimSpace(opts.InpaintingModel)
	if inpainting == "" {
		inpainting = model
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Transformer{
		client:          opts.Client,
		model:           model,
		inpaintingModel: inpainting,
		logger:          logger,
	}, nil
}

// Inpaint regenerates the background around the masked subject.
func (t *Transformer) Inpaint(ctx context.Context, img, mask []byte, mime, prompt string, count int) ([]string, error) {
	if len(img) == 0 || len(mask) == 0 {
		return nil, errors.New("imagen: image and mask are required")
	}
	payload := predictRequest{
		Instances: []instance{{
			Prompt: prompt,
			Image:  &imagePayload{BytesBase64Encoded: base64.StdEncoding.EncodeToString(img), MimeType: mime},
			Mask:   &maskPayload{Image: imagePayload{BytesBase64Encoded: base64.StdEncoding.EncodeToString(mask)}},
		}},
		Parameters: parameters{SampleCount: clampCount(count), EditMode: "inpainting-insert"},
	}
	return t.predict(ctx, t.inpaintingModel, payload)
}

// Enhance re-renders the whole photo guided by the prompt.
func (t *Transformer) Enhance(ctx context.Context, img []byte, mime, prompt string, count int) ([]string, error) {
	if len(img) == 0 {
		return nil, errors.New("imagen: image is required")
	}
	payload := predictRequest{
		Instances: []instance{{
			Prompt: prompt,
			Image:  &imagePayload{BytesBase64Encoded: base64.StdEncoding.EncodeToString(img), MimeType: mime},
		}},
		Parameters: parameters{SampleCount: clampCount(count)},
	}
	return t.predict(ctx, t.model, payload)
}

// Generate produces candidates from the prompt alone. Used when the
// source photo could not be fetched.
func (t *Transformer) Generate(ctx context.Context, prompt string, count int) ([]string, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("imagen: prompt is required")
	}
	payload := predictRequest{
		Instances:  []instance{{Prompt: prompt}},
		Parameters: parameters{SampleCount: clampCount(count)},
	}
	return t.predict(ctx, t.model, payload)
}

func (t *Transformer) predict(ctx context.Context, model string, payload predictRequest) ([]string, error) {
	raw, err := t.client.Predict(ctx, model, payload)
	if err != nil {
		return nil, fmt.Errorf("imagen: model call: %w", err)
	}
	uris := decodeCandidates(raw)
	t.logger.Debug().
		Str("model", model).
		Int("candidates", len(uris)).
		Msg("imagen: transform complete")
	return uris, nil
}

func decodeCandidates(raw []byte) []string {
	var decoded predictResponse
	if err := json.Unmarshal(raw, &decoded); err == nil {
		var uris []string
		for _, pred := range decoded.Predictions {
			if uri, ok := normalizeCandidate(pred); ok {
				uris = append(uris, uri)
			}
		}
		if len(uris) > 0 {
			return uris
		}
	}
	// Last resort: scan the body for a base64 run long enough to be an
	// image, for responses that hide bytes under unknown keys.
	if run := base64Run.Find(raw); run != nil {
		if data, err := base64.StdEncoding.DecodeString(string(run)); err == nil {
			return []string{dataurl.Encode(http.DetectContentType(data), data)}
		}
	}
	return nil
}

func normalizeCandidate(pred candidatePayload) (string, bool) {
	for _, encoded := range []string{pred.BytesBase64Encoded, pred.Image, pred.Data, pred.B64JSON} {
		if encoded == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(data) == 0 {
			continue
		}
		mime := strings.TrimSpace(pred.MimeType)
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		return dataurl.Encode(mime, data), true
	}
	return "", false
}

func clampCount(count int) int {
	if count < 1 {
		return 1
	}
	if count > 4 {
		return 4
	}
	return count
}
