// Package ops provides the HTTP health/status endpoint served beside
// the TCP store listener.
package ops

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ledgerstore/internal/journal"
)

// NewRouter constructs the ops HTTP handler.
//
// Routes:
//
//	GET /api/health   → liveness probe
//	GET /api/journal  → latest journal change id
func NewRouter(j *journal.Journal, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	// Log each request and its metadata
	r.Use(WithRequestLogging(logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]string{"status": "ok"})
		})
		r.Get("/journal", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]int64{"latestChangeId": j.LatestChangeID()})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
