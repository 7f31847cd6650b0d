package handlers

import (
	"encoding/json"
	"net/http"

	"golang.org/x/sync/semaphore"

	"worker/internal/infra"
	"worker/internal/infra/geoip"
	"worker/internal/pipeline"
)

// App carries the handler dependencies.
type App struct {
	Config   *infra.Config
	Logger   infra.Logger
	SQL      infra.SQLExecutor
	Geo      geoip.CountryResolver
	Pipeline *pipeline.Orchestrator

	limiter *semaphore.Weighted
}

// NewApp wires the handler container. SQL and Geo may be nil when the
// corresponding backends are not configured.
func NewApp(cfg *infra.Config, logger infra.Logger, sql infra.SQLExecutor, geo geoip.CountryResolver, p *pipeline.Orchestrator) *App {
	max := cfg.MaxConcurrent
	if max < 1 {
		max = 1
	}
	return &App{
		Config:   cfg,
		Logger:   logger,
		SQL:      sql,
		Geo:      geo,
		Pipeline: p,
		limiter:  semaphore.NewWeighted(max),
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, message string) {
	a.json(w, code, map[string]string{"error": message})
}
