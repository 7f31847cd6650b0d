package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"worker/internal/domain"
	"worker/internal/middleware"
	"worker/internal/pipeline"
	"worker/internal/sqlinline"
)

type orchestrateRequest struct {
	ImageURL    string `json:"image_url"`
	ProductName string `json:"product_name"`
	MakerID     string `json:"maker_id"`
}

type orchestrateResponse struct {
	ProductName     string   `json:"product_name"`
	Category        string   `json:"category"`
	Description     string   `json:"description"`
	Price           float64  `json:"price"`
	Stock           int      `json:"stock"`
	GeneratedImages []string `json:"generated_images"`
	VisionFallback  bool     `json:"vision_fallback,omitempty"`
	JobID           string   `json:"job_id"`
}

// Orchestrate runs the full listing pipeline for one product photo.
func (a *App) Orchestrate(w http.ResponseWriter, r *http.Request) {
	if missing := a.Config.Missing(); len(missing) > 0 || a.Pipeline == nil {
		a.Logger.Error().Strs("missing", missing).Msg("orchestration refused, worker not ready")
		a.error(w, http.StatusInternalServerError, domain.ErrServerNotReady.Error())
		return
	}
	if !a.limiter.TryAcquire(1) {
		a.error(w, http.StatusTooManyRequests, "too_many_requests")
		return
	}
	defer a.limiter.Release(1)

	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, domain.ErrMissingFields.Error())
		return
	}
	req.ImageURL = strings.TrimSpace(req.ImageURL)
	req.ProductName = strings.TrimSpace(req.ProductName)
	if req.ImageURL == "" || req.ProductName == "" {
		a.error(w, http.StatusBadRequest, domain.ErrMissingFields.Error())
		return
	}

	ctx := r.Context()
	requestID := middleware.RequestIDFromContext(ctx)
	jobID := uuid.NewString()
	result, err := a.Pipeline.Run(ctx, pipeline.Request{
		ImageURL:    req.ImageURL,
		ProductName: req.ProductName,
		MakerID:     strings.TrimSpace(req.MakerID),
		Locale:      middleware.LocaleFromContext(ctx),
		RequestID:   requestID,
	})
	if err != nil {
		a.recordJob(ctx, jobID, req.MakerID, "failed", 0)
		a.writePipelineError(w, requestID, result, err)
		return
	}

	a.recordJob(ctx, jobID, req.MakerID, "succeeded", len(result.ImageURLs))
	a.json(w, http.StatusOK, orchestrateResponse{
		ProductName:     result.Metadata.ProductName,
		Category:        result.Metadata.Category,
		Description:     result.Metadata.Description,
		Price:           result.Metadata.Price,
		Stock:           result.Metadata.Stock,
		GeneratedImages: result.ImageURLs,
		VisionFallback:  result.VisionFallback,
		JobID:           jobID,
	})
}

// writePipelineError maps pipeline failures onto the wire contract.
// Upstream stage failures are 502s carrying whatever metadata survived.
func (a *App) writePipelineError(w http.ResponseWriter, requestID string, result *pipeline.Result, err error) {
	var code string
	switch {
	case errors.Is(err, domain.ErrMaskGeneration):
		code = domain.ErrMaskGeneration.Error()
	case errors.Is(err, domain.ErrNoImages):
		code = domain.ErrNoImages.Error()
	case errors.Is(err, domain.ErrAllUploadsFailed):
		code = domain.ErrAllUploadsFailed.Error()
	default:
		a.Logger.Error().Err(err).Str("request_id", requestID).Msg("orchestration failed")
		a.json(w, http.StatusInternalServerError, map[string]any{
			"error":   "orchestration_failed",
			"details": err.Error(),
		})
		return
	}
	a.Logger.Warn().Err(err).Str("request_id", requestID).Msg("orchestration stage failed")
	body := map[string]any{"error": code}
	if result != nil {
		body["vision"] = result.Metadata
	}
	a.json(w, http.StatusBadGateway, body)
}

// recordJob writes the audit row. It runs on a detached context so a
// client disconnect cannot lose the record, and a missing database only
// logs.
func (a *App) recordJob(ctx context.Context, jobID, makerID, status string, imageCount int) {
	if a.SQL == nil {
		return
	}
	country := middleware.CountryFromContext(ctx)
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := a.SQL.Exec(auditCtx, sqlinline.QInsertOrchestrationJob,
		jobID, strings.TrimSpace(makerID), status, imageCount, country); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", jobID).Msg("audit insert failed")
	}
}
