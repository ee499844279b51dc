package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/always-cache/appcache"
	"github.com/always-cache/appcache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// newRouter mounts the admin endpoints under /.appcache and hands everything else to the proxy.
func newRouter(reg *appcache.Registration, worker appcache.WorkerConfig, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request served")
	}))

	r.Route("/.appcache", func(r chi.Router) {
		r.Get("/status", statusHandler(reg))
		r.Post("/register", registerHandler(reg, worker))
		r.Get("/stores/{name}", storeHandler(reg))
		r.Handle("/metrics", promhttp.Handler())
	})
	r.Handle("/*", reg)
	return r
}

func statusHandler(reg *appcache.Registration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := reg.Status(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not get status")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, r, http.StatusOK, status)
	}
}

// registerRequest overrides the configured worker, e.g. to deploy a new version without a restart.
type registerRequest struct {
	Version  string   `json:"version"`
	Manifest []string `json:"manifest"`
}

func registerHandler(reg *appcache.Registration, worker appcache.WorkerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body registerRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}
		config := worker
		if body.Version != "" {
			config.Version = body.Version
		}
		if body.Manifest != nil {
			config.Manifest = body.Manifest
		}

		if _, err := reg.Register(r.Context(), config); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not register worker")
			status := http.StatusInternalServerError
			if errors.Is(err, appcache.ErrInvalidConfig) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		status, err := reg.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, r, http.StatusOK, status)
	}
}

type storedRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func storeHandler(reg *appcache.Registration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		responses, err := reg.Store(r.Context(), name)
		if errors.Is(err, cache.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("store", name).Msg("Could not open store")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		requests, err := responses.Requests(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("store", name).Msg("Could not list store")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		list := make([]storedRequest, 0, len(requests))
		for _, req := range requests {
			list = append(list, storedRequest{Method: req.Method, URL: req.URL.String()})
		}
		writeJSON(w, r, http.StatusOK, list)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Could not write response")
	}
}
