// Package app assembles the operational HTTP surface: scraper intake,
// result lookup, queue stats, health and metrics.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pantrypirate/pipeline/internal/domain"
)

const maxSubmitBytes = 10 << 20

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(ing *Ingestor, bus domain.QueueBus, dbCheck, redisCheck func(ctx context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/v1/submit", submitHandler(ing))
	r.Get("/v1/jobs/{id}", resultHandler(bus))
	r.Get("/v1/results", resultsHandler(bus))
	r.Get("/v1/queues", queuesHandler(bus))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", readyzHandler(dbCheck, redisCheck))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

func submitHandler(ing *Ingestor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scraperID := r.URL.Query().Get("scraper_id")
		sourceURL := r.URL.Query().Get("source_url")
		priority, _ := strconv.Atoi(r.URL.Query().Get("priority"))

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		res, err := ing.Submit(r.Context(), scraperID, sourceURL, payload, priority)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidArgument) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "submit failed")
			return
		}
		status := http.StatusAccepted
		if res.Deduplicated {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}

func resultHandler(bus domain.QueueBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		res, err := bus.Result(r.Context(), id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "no result for job")
				return
			}
			writeError(w, http.StatusInternalServerError, "result lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func resultsHandler(bus domain.QueueBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		results, err := bus.CompletedResults(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "results unavailable")
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func queuesHandler(bus domain.QueueBus) http.HandlerFunc {
	queues := []string{
		domain.QueueLLM, domain.QueueValidator,
		domain.QueueReconciler, domain.QueueRecorder,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]domain.QueueStats, len(queues))
		for _, q := range queues {
			stats, err := bus.Stats(r.Context(), q)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "stats unavailable")
				return
			}
			out[q] = stats
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func readyzHandler(checks ...func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
