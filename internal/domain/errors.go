package domain

import "errors"

// Pipeline error codes. Their messages double as the wire error codes, so
// renaming one is a breaking API change.
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrMissingFields    = errors.New("missing image_url or product_name")
	ErrServerNotReady   = errors.New("server_not_ready")
	ErrMaskGeneration   = errors.New("mask_generation_failed")
	ErrNoImages         = errors.New("no_images_generated")
	ErrAllUploadsFailed = errors.New("all_image_uploads_failed")
)
