// Package server exposes the observer websocket, the request history API and
// the terminal setup endpoint over chi routers.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/cc-wiretap/internal/interceptor"
)

// Requests is the read side of the tracker.
type Requests interface {
	Active() []interceptor.TrackedRequest
	Archived() []interceptor.TrackedRequest
	Lookup(id string) (interceptor.TrackedRequest, bool)
}

// Observers is the websocket hub.
type Observers interface {
	http.Handler
	ClearAll(ctx context.Context) (int, error)
	ObserverCount() int
}

type Options struct {
	Requests  Requests
	Observers Observers
	Metrics   http.Handler
	ProxyPort int
	// Now is used for uptime; nil means time.Now.
	Now func() time.Time
}

type api struct {
	requests  Requests
	observers Observers
	proxyPort int
	now       func() time.Time
	started   time.Time
}

// NewRouter builds the observer router: /ws, /api/* and /metrics.
func NewRouter(opts Options) http.Handler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &api{
		requests:  opts.Requests,
		observers: opts.Observers,
		proxyPort: opts.ProxyPort,
		now:       now,
		started:   now(),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(allowAnyOrigin)

	router.Handle("/ws", opts.Observers)
	router.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/requests", a.handleList)
		r.Delete("/requests", a.handleClear)
		r.Get("/requests/{id}", a.handleGet)
	})
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics)
	}
	return router
}

type requestList struct {
	Active    []interceptor.TrackedRequest `json:"active"`
	Completed []interceptor.TrackedRequest `json:"completed"`
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	list := requestList{
		Active:    a.requests.Active(),
		Completed: a.requests.Archived(),
	}
	if list.Active == nil {
		list.Active = []interceptor.TrackedRequest{}
	}
	if list.Completed == nil {
		list.Completed = []interceptor.TrackedRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, ok := a.requests.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "request_not_found", "no request with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *api) handleClear(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	cleared, err := a.observers.ClearAll(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("clear via api failed")
		writeError(w, http.StatusServiceUnavailable, "clear_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

type status struct {
	Active        int     `json:"active"`
	Completed     int     `json:"completed"`
	Observers     int     `json:"observers"`
	ProxyPort     int     `json:"proxyPort"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, status{
		Active:        len(a.requests.Active()),
		Completed:     len(a.requests.Archived()),
		Observers:     a.observers.ObserverCount(),
		ProxyPort:     a.proxyPort,
		UptimeSeconds: a.now().Sub(a.started).Seconds(),
	})
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, DELETE")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
