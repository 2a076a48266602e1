package api

import (
	"net/http"
	"warpjobs/internal/health"
	"warpjobs/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Jobs          JobRunner
	Metrics       *observability.Metrics // optional
	HealthChecker *health.Checker
	APIKey        string // empty disables auth on /v1/jobs
}

// NewRouter serves the probes without auth and the job endpoint behind the API key.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Jobs, cfg.HealthChecker)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	mux.Handle("POST /v1/jobs", AuthMiddleware(cfg.APIKey)(http.HandlerFunc(handler.RunJob)))

	return chain(mux,
		RequestIDMiddleware(),
		ObserveMiddleware(cfg.Metrics),
		RecoveryMiddleware(),
		CORSMiddleware(),
		ContentTypeMiddleware(),
	)
}
