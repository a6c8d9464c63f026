// Package server exposes the observer endpoint and the operational routes
// on a single HTTP listener.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matteoterruzzi/llpp/internal/broadcast"
)

// Options wires the router to the rest of the collector
type Options struct {
	Hub            *broadcast.Hub
	Readers        broadcast.ReaderFactory
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

// NewRouter builds the chi router:
//
//	GET /, /ws               websocket observers
//	GET /health              store connectivity check
//	GET /healthz             liveness
//	GET /metrics             Prometheus
//	GET /api/stations        station list
//	GET /api/stations/{id}   station snapshot
func NewRouter(opts Options) http.Handler {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	stations := NewStationHandler(opts.Readers, opts.Hub)

	if opts.Hub != nil {
		r.Get("/", opts.Hub.ServeWS)
		r.Get("/ws", opts.Hub.ServeWS)
	}

	r.Get("/health", stations.Health)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/api/stations", stations.ListStations)
	r.Get("/api/stations/{station}", stations.GetSnapshot)

	return r
}
