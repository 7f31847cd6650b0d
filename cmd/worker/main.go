package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"worker/internal/fidelity"
	"worker/internal/http/handlers"
	"worker/internal/http/httpapi"
	"worker/internal/infra"
	"worker/internal/infra/geoip"
	"worker/internal/pipeline"
	"worker/internal/providers/imagen"
	"worker/internal/providers/segment"
	"worker/internal/providers/vertex"
	"worker/internal/providers/vision"
	"worker/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg := infra.LoadConfig()
	logger := infra.NewLogger(cfg.AppEnv)

	if missing := cfg.Missing(); len(missing) > 0 {
		// Keep listening so operators can reach the health endpoint; the
		// orchestrate handler answers server_not_ready until fixed.
		logger.Warn().Strs("missing", missing).Msg("starting degraded")
	}

	ctx := context.Background()

	var sqlRunner infra.SQLExecutor
	if cfg.DatabaseURL != "" {
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		sqlRunner = infra.NewSQLRunner(pool, logger)
	}

	geo, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open geoip database")
	}

	orchestrator := buildPipeline(ctx, cfg, logger)

	app := handlers.NewApp(cfg, logger, sqlRunner, geo, orchestrator)
	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("worker listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("worker stopped")
}

// buildPipeline wires the providers. A missing Vertex project yields a
// nil orchestrator; the handlers refuse requests before touching it.
func buildPipeline(ctx context.Context, cfg *infra.Config, logger infra.Logger) *pipeline.Orchestrator {
	if cfg.VertexProject == "" {
		return nil
	}

	client, err := vertex.NewClient(ctx, vertex.Options{
		Project:        cfg.VertexProject,
		Location:       cfg.VertexLocation,
		RequestTimeout: cfg.UpstreamTimeout,
		Logger:         &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build vertex client")
	}

	extractor, err := vision.NewExtractor(vision.Options{
		Client: client,
		Model:  cfg.VisionModel,
		Logger: &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build vision extractor")
	}

	transformer, err := imagen.NewTransformer(imagen.Options{
		Client:          client,
		Model:           cfg.ImageModel,
		InpaintingModel: cfg.InpaintingModel,
		Logger:          &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build image transformer")
	}

	var masker pipeline.Masker
	if cfg.SegmentationModel != "" {
		m, err := segment.NewMasker(segment.Options{
			Client: client,
			Model:  cfg.SegmentationModel,
			Logger: &logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build masker")
		}
		masker = m
	}

	store := buildStore(cfg, logger)
	if store == nil {
		return nil
	}
	gate := fidelity.NewGate(fidelity.Thresholds{
		MinPSNR:       cfg.FidelityMinPSNR,
		MaxMSE:        cfg.FidelityMaxMSE,
		MaxColorDelta: cfg.FidelityMaxColorDiff,
	}, &logger)

	orchestrator, err := pipeline.NewOrchestrator(pipeline.Options{
		Vision:        extractor,
		Masker:        masker,
		Transformer:   transformer,
		Gate:          gate,
		Store:         store,
		HTTPClient:    &http.Client{Timeout: cfg.UpstreamTimeout},
		MaxImages:     cfg.MaxGeneratedImages,
		VisionTimeout: cfg.VisionTimeout,
		Logger:        &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}
	return orchestrator
}

func buildStore(cfg *infra.Config, logger infra.Logger) storage.Store {
	if cfg.StorageBackend == "filesystem" {
		store, err := storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init filesystem store")
		}
		return store
	}
	store, err := storage.NewSupabaseStore(storage.SupabaseOptions{
		BaseURL:        cfg.SupabaseURL,
		ServiceKey:     cfg.SupabaseServiceKey,
		Bucket:         cfg.SupabaseBucket,
		RequestTimeout: cfg.UpstreamTimeout,
	})
	if err != nil {
		// Supabase vars are part of Missing(); stay up and degraded.
		logger.Warn().Err(err).Msg("supabase store unavailable")
		return nil
	}
	return store
}
