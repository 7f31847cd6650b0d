// Package pipeline runs the end-to-end listing flow: fetch the maker's
// photo, extract metadata, optionally mask the subject, transform the
// image, gate the candidates, and upload the survivors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"worker/internal/domain"
	"worker/internal/fidelity"
	"worker/internal/infra"
	"worker/internal/storage"
	"worker/pkg/dataurl"
)

// Source photos larger than this are treated as unavailable.
const maxSourceBytes = 8 << 20

// Visioner extracts listing metadata from a product photo.
type Visioner interface {
	Extract(ctx context.Context, img []byte, mime, productName, locale string) (domain.VisionMetadata, error)
}

// Masker produces a foreground mask for the product.
type Masker interface {
	Mask(ctx context.Context, img []byte, productName string) ([]byte, error)
}

// Transformer produces listing image candidates as data URIs.
type Transformer interface {
	Inpaint(ctx context.Context, img, mask []byte, mime, prompt string, count int) ([]string, error)
	Enhance(ctx context.Context, img []byte, mime, prompt string, count int) ([]string, error)
	Generate(ctx context.Context, prompt string, count int) ([]string, error)
}

// Options wires the orchestrator's dependencies.
type Options struct {
	Vision        Visioner
	Masker        Masker
	Transformer   Transformer
	Gate          *fidelity.Gate
	Store         storage.Store
	HTTPClient    *http.Client
	MaxImages     int
	VisionTimeout time.Duration
	Logger        *infra.Logger
}

// Orchestrator executes the listing pipeline for one request at a time.
type Orchestrator struct {
	vision        Visioner
	masker        Masker
	transformer   Transformer
	gate          *fidelity.Gate
	store         storage.Store
	httpClient    *http.Client
	maxImages     int
	visionTimeout time.Duration
	logger        *infra.Logger
}

// Request is one orchestration job.
type Request struct {
	ImageURL    string
	ProductName string
	MakerID     string
	Locale      string
	RequestID   string
}

// Result carries whatever the pipeline produced. It is non-nil even on
// error so handlers can attach partial metadata to failure responses.
type Result struct {
	Metadata       domain.VisionMetadata
	VisionFallback bool
	ImageURLs      []string
}

// NewOrchestrator validates the wiring and returns an orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Vision == nil {
		return nil, errors.New("pipeline: vision extractor is required")
	}
	if opts.Transformer == nil {
		return nil, errors.New("pipeline: transformer is required")
	}
	if opts.Gate == nil {
		return nil, errors.New("pipeline: fidelity gate is required")
	}
	if opts.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxImages := opts.MaxImages
	if maxImages < 1 {
		maxImages = 2
	}
	if maxImages > 4 {
		maxImages = 4
	}
	visionTimeout := opts.VisionTimeout
	if visionTimeout <= 0 {
		visionTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Orchestrator{
		vision:        opts.Vision,
		masker:        opts.Masker,
		transformer:   opts.Transformer,
		gate:          opts.Gate,
		store:         opts.Store,
		httpClient:    httpClient,
		maxImages:     maxImages,
		visionTimeout: visionTimeout,
		logger:        logger,
	}, nil
}

// Run executes the pipeline. The returned Result is always usable; the
// error, when non-nil, wraps one of the domain sentinels.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	log := o.logger.With().
		Str("request_id", req.RequestID).
		Str("maker_id", req.MakerID).
		Logger()
	result := &Result{Metadata: domain.DefaultMetadata(req.ProductName)}

	source, sourceMime, err := o.fetchSource(ctx, req.ImageURL)
	if err != nil {
		log.Warn().Err(err).Str("image_url", req.ImageURL).Msg("source image unavailable")
		source = nil
	}

	if source != nil {
		visionCtx, cancel := context.WithTimeout(ctx, o.visionTimeout)
		meta, err := o.vision.Extract(visionCtx, source, sourceMime, req.ProductName, req.Locale)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("vision extraction failed, using defaults")
			result.VisionFallback = true
		}
		result.Metadata = meta
	} else {
		result.VisionFallback = true
	}
	result.Metadata.Clamp()

	var mask []byte
	if o.masker != nil && source != nil {
		mask, err = o.masker.Mask(ctx, source, result.Metadata.ProductName)
		if err != nil {
			log.Error().Err(err).Msg("mask generation failed")
			return result, fmt.Errorf("%w: %s", domain.ErrMaskGeneration, err)
		}
	}

	candidates, err := o.transform(ctx, source, mask, sourceMime, result.Metadata.ImagePrompt)
	if err != nil {
		log.Error().Err(err).Msg("image transformation failed")
		return result, fmt.Errorf("%w: %s", domain.ErrNoImages, err)
	}
	if len(candidates) == 0 {
		return result, domain.ErrNoImages
	}

	accepted := o.gateCandidates(log, source, candidates)
	if len(accepted) == 0 {
		return result, fmt.Errorf("%w: all candidates rejected by fidelity gate", domain.ErrNoImages)
	}

	urls := o.uploadCandidates(ctx, log, req, accepted)
	if len(urls) == 0 {
		return result, domain.ErrAllUploadsFailed
	}
	result.ImageURLs = urls

	log.Info().
		Int("candidates", len(candidates)).
		Int("accepted", len(accepted)).
		Int("uploaded", len(urls)).
		Bool("vision_fallback", result.VisionFallback).
		Msg("orchestration complete")
	return result, nil
}

func (o *Orchestrator) fetchSource(ctx context.Context, imageURL string) ([]byte, string, error) {
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return nil, "", errors.New("pipeline: empty image url")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("pipeline: build fetch request: %w", err)
	}
	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("pipeline: fetch source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("pipeline: fetch status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("pipeline: read source: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("pipeline: empty source body")
	}
	if len(data) > maxSourceBytes {
		return nil, "", errors.New("pipeline: source image too large")
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

func (o *Orchestrator) transform(ctx context.Context, source, mask []byte, mime, prompt string) ([]string, error) {
	switch {
	case source == nil:
		return o.transformer.Generate(ctx, prompt, o.maxImages)
	case mask != nil:
		return o.transformer.Inpaint(ctx, source, mask, mime, prompt, o.maxImages)
	default:
		return o.transformer.Enhance(ctx, source, mime, prompt, o.maxImages)
	}
}

type candidate struct {
	mime string
	data []byte
}

func (o *Orchestrator) gateCandidates(log infra.Logger, source []byte, uris []string) []candidate {
	var accepted []candidate
	for i, uri := range uris {
		mime, data, err := dataurl.Decode(uri)
		if err != nil {
			log.Warn().Err(err).Int("index", i).Msg("candidate not a data uri, skipping")
			continue
		}
		if source != nil {
			report, ok := o.gate.Evaluate(source, data)
			if !ok {
				log.Info().
					Int("index", i).
					Str("reason", report.Reason).
					Msg("candidate rejected by fidelity gate")
				continue
			}
		}
		accepted = append(accepted, candidate{mime: mime, data: data})
	}
	return accepted
}

// Uploads are sequential; one bad candidate must not sink the rest.
func (o *Orchestrator) uploadCandidates(ctx context.Context, log infra.Logger, req Request, accepted []candidate) []string {
	maker := strings.TrimSpace(req.MakerID)
	if maker == "" {
		maker = "anon"
	}
	ts := time.Now().Unix()
	var urls []string
	for i, cand := range accepted {
		key := fmt.Sprintf("generated/%s/%d_%d.%s", maker, ts, i, dataurl.Extension(cand.mime))
		url, err := o.store.Upload(ctx, key, cand.mime, cand.data)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("candidate upload failed")
			continue
		}
		urls = append(urls, url)
	}
	return urls
}
