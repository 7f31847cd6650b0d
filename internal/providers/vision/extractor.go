package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"worker/internal/domain"
	"worker/internal/extract"
	"worker/internal/infra"
)

// contentInvoker is the slice of the Vertex client the extractor needs.
type contentInvoker interface {
	GenerateContent(ctx context.Context, model string, payload any) ([]byte, error)
}

// Options configures the vision metadata extractor.
type Options struct {
	Client contentInvoker
	Model  string
	Logger *infra.Logger
}

// Extractor asks a multimodal model to describe a product photo as
// structured listing metadata.
type Extractor struct {
	client contentInvoker
	model  string
	logger *infra.Logger
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// metadataPayload uses pointer fields so absent keys fall back per field
// instead of zeroing the whole record.
type metadataPayload struct {
	ProductName *string  `json:"product_name"`
	Category    *string  `json:"category"`
	Description *string  `json:"description"`
	Price       *float64 `json:"price"`
	Stock       *int     `json:"stock"`
	ImagePrompt *string  `json:"image_prompt"`
}

// NewExtractor constructs an extractor bound to one vision model.
func NewExtractor(opts Options) (*Extractor, error) {
	if opts.Client == nil {
		return nil, errors.New("vision: client is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gemini-1.5-flash"
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Extractor{client: opts.Client, model: model, logger: logger}, nil
}

// Extract returns listing metadata for the image. Missing or malformed
// fields in the model output are replaced with defaults derived from the
// product name; the caller decides whether a hard failure is fatal.
func (e *Extractor) Extract(ctx context.Context, img []byte, mime, productName, locale string) (domain.VisionMetadata, error) {
	fallback := domain.DefaultMetadata(productName)
	if len(img) == 0 {
		return fallback, errors.New("vision: empty image")
	}
	payload := generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: metadataPrompt(productName, locale)},
				{InlineData: &inlineData{
					MimeType: normalizeMime(mime),
					Data:     base64.StdEncoding.EncodeToString(img),
				}},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:      0.2,
			MaxOutputTokens:  1024,
			ResponseMimeType: "application/json",
		},
	}
	raw, err := e.client.GenerateContent(ctx, e.model, payload)
	if err != nil {
		return fallback, fmt.Errorf("vision: model call: %w", err)
	}
	text, err := candidateText(raw)
	if err != nil {
		return fallback, err
	}
	parsed, err := extract.Parse[metadataPayload](text)
	if err != nil {
		return fallback, fmt.Errorf("vision: parse metadata: %w", err)
	}
	meta := mergeMetadata(fallback, parsed)
	meta.Clamp()
	e.logger.Debug().
		Str("model", e.model).
		Str("category", meta.Category).
		Msg("vision: extracted metadata")
	return meta, nil
}

func candidateText(raw []byte) (string, error) {
	var decoded generateResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("vision: decode response: %w", err)
	}
	for _, cand := range decoded.Candidates {
		var b strings.Builder
		for _, p := range cand.Content.Parts {
			b.WriteString(p.Text)
		}
		if text := strings.TrimSpace(b.String()); text != "" {
			return text, nil
		}
	}
	return "", errors.New("vision: empty model output")
}

func mergeMetadata(base domain.VisionMetadata, parsed metadataPayload) domain.VisionMetadata {
	out := base
	if parsed.ProductName != nil && strings.TrimSpace(*parsed.ProductName) != "" {
		out.ProductName = strings.TrimSpace(*parsed.ProductName)
	}
	if parsed.Category != nil && strings.TrimSpace(*parsed.Category) != "" {
		out.Category = strings.TrimSpace(*parsed.Category)
	}
	if parsed.Description != nil && strings.TrimSpace(*parsed.Description) != "" {
		out.Description = strings.TrimSpace(*parsed.Description)
	}
	if parsed.Price != nil {
		out.Price = *parsed.Price
	}
	if parsed.Stock != nil {
		out.Stock = *parsed.Stock
	}
	if parsed.ImagePrompt != nil && strings.TrimSpace(*parsed.ImagePrompt) != "" {
		out.ImagePrompt = strings.TrimSpace(*parsed.ImagePrompt)
	}
	return out
}

func metadataPrompt(productName, locale string) string {
	lang := "English"
	if strings.HasPrefix(strings.ToLower(locale), "hi") {
		lang = "Hindi"
	}
	return fmt.Sprintf(`You are cataloging a handcrafted product for an online marketplace.
The maker calls it %q. Study the photo and reply with a single JSON object:
{"product_name": string, "category": string, "description": string, "price": number, "stock": number, "image_prompt": string}
Rules:
- category is one of: Textiles, Pottery, Food, Jewelry, Woodwork, Metalwork, Leather, Art, Other.
- description is 2-3 sentences of listing copy in %s.
- price is a fair market estimate in INR; stock is a small realistic integer.
- image_prompt describes a clean studio re-shoot of this exact product for an image model, in English.
Reply with JSON only.`, strings.TrimSpace(productName), lang)
}

func normalizeMime(mime string) string {
	mime = strings.TrimSpace(strings.ToLower(mime))
	switch mime {
	case "image/png", "image/jpeg", "image/webp", "image/gif":
		return mime
	}
	return "image/jpeg"
}
