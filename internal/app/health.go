package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"crmcore/internal/middleware"

	"github.com/rs/zerolog"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler serves GET /healthz, answering 503 when the database is
// unreachable. A non-nil metrics handler is mounted at GET /metrics.
func HealthHandler(db Pinger, metrics http.Handler, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok"}
		code := http.StatusOK
		if err := db.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("Health check failed")
			resp = healthResponse{Status: "unavailable", Error: err.Error()}
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	return middleware.LoggerMiddleware(logger, mux)
}
