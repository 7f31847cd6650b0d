package infra

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-driven setting for the worker.
type Config struct {
	AppEnv string
	Port   string

	// Shared secret expected in the x-worker-secret header.
	SharedSecret string

	// Object storage.
	StorageBackend     string // "supabase" or "filesystem"
	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string
	StoragePath        string // filesystem backend root
	StorageBaseURL     string // public URL prefix for the filesystem backend

	// Optional audit database and GeoIP database.
	DatabaseURL string
	GeoIPDBPath string

	// Vertex AI platform.
	VertexProject     string
	VertexLocation    string
	VisionModel       string
	ImageModel        string
	SegmentationModel string // empty disables the mask stage
	InpaintingModel   string // defaults to ImageModel

	// Pipeline tunables.
	MaxGeneratedImages   int
	FidelityMinPSNR      float64
	FidelityMaxMSE       float64
	FidelityMaxColorDiff float64
	MaxConcurrent        int64
	UpstreamTimeout      time.Duration
	VisionTimeout        time.Duration

	// HTTP server.
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string
}

// LoadConfig reads configuration from the environment. Missing required
// variables do not fail the load: the worker keeps listening so operators
// can read logs, and /orchestrate answers server_not_ready until the
// variables reported by Missing are provided.
func LoadConfig() *Config {
	cfg := &Config{
		AppEnv:               getEnv("APP_ENV", "development"),
		Port:                 getEnv("PORT", "8080"),
		SharedSecret:         os.Getenv("WORKER_SHARED_SECRET"),
		StorageBackend:       strings.ToLower(getEnv("STORAGE_BACKEND", "supabase")),
		SupabaseURL:          strings.TrimRight(os.Getenv("SUPABASE_URL"), "/"),
		SupabaseServiceKey:   os.Getenv("SUPABASE_SERVICE_KEY"),
		SupabaseBucket:       getEnv("SUPABASE_BUCKET", "product-images"),
		StoragePath:          getEnv("STORAGE_PATH", "./data/storage"),
		StorageBaseURL:       getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		GeoIPDBPath:          os.Getenv("GEOIP_DB_PATH"),
		VertexProject:        os.Getenv("VERTEX_PROJECT"),
		VertexLocation:       getEnv("VERTEX_LOCATION", "us-central1"),
		VisionModel:          getEnv("VISION_MODEL", "gemini-1.5-flash"),
		ImageModel:           getEnv("IMAGE_MODEL", "imagegeneration@006"),
		SegmentationModel:    os.Getenv("SEGMENTATION_MODEL"),
		InpaintingModel:      os.Getenv("INPAINTING_MODEL"),
		MaxGeneratedImages:   getEnvInt("MAX_GENERATED_IMAGES", 2),
		FidelityMinPSNR:      getEnvFloat("FIDELITY_MIN_PSNR", 30),
		FidelityMaxMSE:       getEnvFloat("FIDELITY_MAX_MSE", 200),
		FidelityMaxColorDiff: getEnvFloat("FIDELITY_MAX_COLOR_DELTA", 6),
		MaxConcurrent:        int64(getEnvInt("MAX_CONCURRENT_ORCHESTRATIONS", 4)),
		UpstreamTimeout:      time.Second * time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 60)),
		VisionTimeout:        time.Second * time.Duration(getEnvInt("VISION_TIMEOUT_SECONDS", 30)),
		HTTPReadTimeout:      time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:     time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 120)),
		HTTPIdleTimeout:      time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:      getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSAllowedOrigins:   splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	if cfg.InpaintingModel == "" {
		cfg.InpaintingModel = cfg.ImageModel
	}
	// The image model accepts at most 4 samples per call.
	if cfg.MaxGeneratedImages < 1 {
		cfg.MaxGeneratedImages = 1
	}
	if cfg.MaxGeneratedImages > 4 {
		cfg.MaxGeneratedImages = 4
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return cfg
}

// Missing lists the required variables that are absent. A non-empty result
// means the worker is degraded: listening, but refusing orchestration.
func (c *Config) Missing() []string {
	var missing []string
	if c.SharedSecret == "" {
		missing = append(missing, "WORKER_SHARED_SECRET")
	}
	if c.StorageBackend == "supabase" {
		if c.SupabaseURL == "" {
			missing = append(missing, "SUPABASE_URL")
		}
		if c.SupabaseServiceKey == "" {
			missing = append(missing, "SUPABASE_SERVICE_KEY")
		}
	}
	if c.VertexProject == "" {
		missing = append(missing, "VERTEX_PROJECT")
	}
	return missing
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
