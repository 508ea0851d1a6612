package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"groupcast/internal/broadcast"
	"groupcast/internal/gateway"
	"groupcast/internal/metrics"
	"groupcast/internal/storage"
	"groupcast/internal/watchdog"
	logx "groupcast/pkg/logx"
)

type Store interface {
	CreateJob(ctx context.Context, job *broadcast.Job, destinations []string) error
	GetJob(ctx context.Context, id string) (broadcast.Job, error)
	ListJobs(ctx context.Context, status broadcast.JobStatus, limit int) ([]broadcast.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	CountTargets(ctx context.Context, jobID string) (broadcast.TargetCounts, error)
	ListTargets(ctx context.Context, jobID string, status broadcast.TargetStatus, limit int) ([]broadcast.Target, error)
	PutGatewaySetting(ctx context.Context, name, value string) error
	Ping(ctx context.Context) error
}

// Gateway reports whether sends can succeed at all.
type Gateway interface {
	Ready(ctx context.Context) error
}

// Trigger starts an asynchronous dispatch invocation.
type Trigger interface {
	Enqueue(ctx context.Context, jobID string) error
}

type Sweeper interface {
	Sweep(ctx context.Context) watchdog.Report
}

// Deferrer arms a one-shot dispatch for a scheduled job.
type Deferrer interface {
	DispatchAt(jobID string, at time.Time) error
}

type Deps struct {
	Store    Store
	Gateway  Gateway
	Trigger  Trigger
	Watchdog Sweeper
	Later    Deferrer // optional
	Metrics  *metrics.Metrics
	Log      logx.Logger
	// Health adds component snapshots to /healthz. Optional.
	Health func() map[string]any
	Now    func() time.Time
}

type api struct {
	Deps
	validate *validator.Validate
}

const maxListLimit = 500

func (a *api) dispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"jobId" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.JobID = strings.TrimSpace(req.JobID)
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "jobId is required", validationDetails(err)...)
		return
	}
	job, ok := a.loadJob(w, r, req.JobID)
	if !ok {
		return
	}
	if err := a.Gateway.Ready(r.Context()); err != nil {
		a.gatewayError(w, err)
		return
	}
	if err := a.trigger(r.Context(), job); err != nil {
		a.Log.Error("dispatch enqueue failed", logx.Job(job.ID), logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, "could not enqueue dispatch")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "jobId": job.ID})
}

// trigger enqueues a dispatch now, or arms a one-shot when the job is
// scheduled for later and a deferrer is wired.
func (a *api) trigger(ctx context.Context, job broadcast.Job) error {
	if job.Status == broadcast.JobPending && !job.Due(a.Now()) && a.Later != nil {
		return a.Later.DispatchAt(job.ID, *job.ScheduledAt)
	}
	return a.Trigger.Enqueue(ctx, job.ID)
}

func (a *api) gatewayError(w http.ResponseWriter, err error) {
	if errors.Is(err, gateway.ErrNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	a.Log.Error("gateway readiness check failed", logx.Err(err))
	writeError(w, http.StatusBadGateway, "gateway unavailable")
}

func (a *api) sweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Watchdog.Sweep(r.Context()))
}

type createJobRequest struct {
	Content      string     `json:"content" validate:"max=4096"`
	MediaURL     string     `json:"mediaUrl" validate:"omitempty,url"`
	MessageType  string     `json:"messageType" validate:"required,max=32"`
	PollOptions  []string   `json:"pollOptions" validate:"omitempty,max=12,dive,required,max=100"`
	ScheduledAt  *time.Time `json:"scheduledAt"`
	Destinations []string   `json:"destinations" validate:"required,min=1,max=10000,dive,required,max=256"`
	Dispatch     bool       `json:"dispatch"`
}

type jobResponse struct {
	broadcast.Job
	Targets    *broadcast.TargetCounts `json:"targets,omitempty"`
	Dispatched bool                    `json:"dispatched,omitempty"`
}

func (a *api) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job", validationDetails(err)...)
		return
	}
	mt, err := broadcast.ParseMessageType(req.MessageType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job", err.Error())
		return
	}
	job := &broadcast.Job{
		Content:     req.Content,
		MediaURL:    strings.TrimSpace(req.MediaURL),
		MessageType: mt,
		PollOptions: req.PollOptions,
		ScheduledAt: req.ScheduledAt,
	}
	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.Store.CreateJob(r.Context(), job, req.Destinations); err != nil {
		if errors.Is(err, storage.ErrNoTargets) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.Log.Error("create job failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	a.Log.Info("job created", logx.Job(job.ID), logx.Int("targets", job.TotalTargets), logx.String("type", string(job.MessageType)))

	resp := jobResponse{Job: *job}
	if req.Dispatch {
		// The job exists either way; a failed trigger is recovered by the watchdog.
		if err := a.trigger(r.Context(), *job); err != nil {
			a.Log.Warn("dispatch after create failed", logx.Job(job.ID), logx.Err(err))
		} else {
			resp.Dispatched = true
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	status, err := parseOptional(r.URL.Query().Get("status"), broadcast.ParseJobStatus)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := a.Store.ListJobs(r.Context(), status, limit)
	if err != nil {
		a.Log.Error("list jobs failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	if jobs == nil {
		jobs = []broadcast.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJob(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	counts, err := a.Store.CountTargets(r.Context(), job.ID)
	if err != nil {
		a.Log.Error("count targets failed", logx.Job(job.ID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job, Targets: &counts})
}

func (a *api) listTargets(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJob(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	status, err := parseOptional(r.URL.Query().Get("status"), broadcast.ParseTargetStatus)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	targets, err := a.Store.ListTargets(r.Context(), job.ID, status, limit)
	if err != nil {
		a.Log.Error("list targets failed", logx.Job(job.ID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not list targets")
		return
	}
	if targets == nil {
		targets = []broadcast.Target{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": job.ID, "targets": targets})
}

func (a *api) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := a.Store.CancelJob(r.Context(), id)
	if err != nil {
		a.Log.Error("cancel job failed", logx.Job(id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not cancel job")
		return
	}
	job, found := a.loadJob(w, r, id)
	if !found {
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "job already "+string(job.Status))
		return
	}
	a.Log.Info("job cancelled", logx.Job(id))
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

func (a *api) putGatewaySettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req) == 0 {
		writeError(w, http.StatusBadRequest, "no settings given")
		return
	}
	keys := make([]string, 0, len(req))
	for k := range req {
		if !gateway.KnownSetting(k) {
			writeError(w, http.StatusBadRequest, "unknown gateway setting "+strconv.Quote(k))
			return
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := a.Store.PutGatewaySetting(r.Context(), k, strings.TrimSpace(req[k])); err != nil {
			a.Log.Error("store gateway setting failed", logx.String("key", k), logx.Err(err))
			writeError(w, http.StatusInternalServerError, "could not store settings")
			return
		}
	}
	// Values are secrets; only the keys are logged or echoed.
	a.Log.Info("gateway settings updated", logx.Strings("keys", keys))
	writeJSON(w, http.StatusOK, map[string]any{"updated": keys})
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if err := a.Store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["store"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		body["store"] = "ok"
	}
	if err := a.Gateway.Ready(ctx); err != nil {
		body["gateway"] = err.Error()
	} else {
		body["gateway"] = "ok"
	}
	if a.Health != nil {
		for k, v := range a.Health() {
			body[k] = v
		}
	}
	writeJSON(w, code, body)
}

func (a *api) loadJob(w http.ResponseWriter, r *http.Request, id string) (broadcast.Job, bool) {
	job, err := a.Store.GetJob(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return job, false
	case err != nil:
		a.Log.Error("load job failed", logx.Job(id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "could not load job")
		return job, false
	}
	return job, true
}

func parseOptional[T ~string](raw string, parse func(string) (T, error)) (T, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	return parse(raw)
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 50, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxListLimit {
		return 0, errors.New("limit must be between 1 and " + strconv.Itoa(maxListLimit))
	}
	return n, nil
}
