// Package httpapi serves the dispatch, sweep and job management endpoints.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	logx "groupcast/pkg/logx"
)

// NewRouter wires every route. token, when set, guards everything except
// /healthz and /metrics. pprof mounts chi's profiler under /debug.
func NewRouter(d Deps, token string, pprof bool) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	a := &api{Deps: d, validate: validator.New(validator.WithRequiredStructEnabled())}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log, d.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(requireToken(token))

		r.Post("/dispatch", a.dispatch)
		r.Post("/sweep", a.sweep)
		r.Get("/sweep", a.sweep)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", a.createJob)
			r.Get("/", a.listJobs)
			r.Get("/{id}", a.getJob)
			r.Get("/{id}/targets", a.listTargets)
			r.Post("/{id}/cancel", a.cancelJob)
		})

		r.Put("/settings/gateway", a.putGatewaySettings)

		if pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}
