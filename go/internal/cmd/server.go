package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/classcast/classcast/go/internal/gateway"
	"github.com/classcast/classcast/go/internal/queue"
)

func setupServer(cfg *Config, wsHandler *gateway.WebSocketHandler, queues *queue.Service) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodDelete,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	wsHandler.RegisterRoutes(mux)

	mux.Handle("/metrics", promhttp.Handler())

	setupHealthCheck(mux)
	setupAdminRoutes(mux, queues)

	return &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      c.Handler(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

// setupAdminRoutes exposes the orphan sweep for quizzes deleted upstream.
// Course tooling calls this after removing a quiz from the bank.
func setupAdminRoutes(mux *http.ServeMux, queues *queue.Service) {
	mux.HandleFunc("POST /admin/quizzes/{quiz_id}/cleanup", func(w http.ResponseWriter, r *http.Request) {
		quizID, err := uuid.Parse(r.PathValue("quiz_id"))
		if err != nil {
			http.Error(w, "invalid quiz_id", http.StatusBadRequest)
			return
		}

		removed, err := queues.RemoveOrphans(r.Context(), quizID)
		if err != nil {
			log.Error().Err(err).Str("quiz_id", quizID.String()).Msg("orphan cleanup failed")
			http.Error(w, "cleanup failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]int64{"removed": removed}); err != nil {
			log.Error().Err(err).Msg("failed to encode cleanup response")
		}
	})
}
