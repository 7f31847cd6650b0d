package handlers

import "net/http"

// Root answers plain-text liveness probes.
func (a *App) Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("vendor ai worker\n"))
}

// Health reports readiness, including any missing configuration.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	missing := a.Config.Missing()
	body := map[string]any{
		"status": "ok",
		"env":    a.Config.AppEnv,
	}
	if len(missing) > 0 {
		body["status"] = "degraded"
		body["missing"] = missing
	}
	a.json(w, http.StatusOK, body)
}
