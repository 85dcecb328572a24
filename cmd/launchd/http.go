package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"launchpad/cmd/launchd/config"
	"launchpad/internal/launch"
	"launchpad/internal/launch/saga"
	"launchpad/internal/observability"
	"launchpad/internal/realtime"
	"launchpad/internal/statussync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const quoteWaitTimeout = 10 * time.Second

// api exposes the launch and sync engines over HTTP. Passes run under baseCtx
// so a pending confirmation outlives the request that started it.
type api struct {
	baseCtx  context.Context
	engine   *launch.Engine
	gate     *launch.PendingGate
	history  *launch.HistoryLog
	sync     entityTracker
	hub      *realtime.Hub
	metrics  *observability.Metrics
	defaults config.LaunchConfig
	logf     func(format string, args ...any)
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", a.metrics)
	if a.hub != nil {
		r.Get("/ws", a.hub.ServeWS(nil))
	}

	r.Route("/launches", func(lr chi.Router) {
		lr.Post("/", a.startLaunch)
		lr.Get("/state", a.launchState)
		lr.Post("/retry", a.retryLaunch)
	})
	r.Route("/quotes", func(qr chi.Router) {
		qr.Get("/", a.listQuotes)
		qr.Get("/{attemptID}", a.awaitQuote)
		qr.Post("/{attemptID}/accept", a.resolveQuote(true))
		qr.Post("/{attemptID}/decline", a.resolveQuote(false))
	})
	r.Route("/history", func(hr chi.Router) {
		hr.Get("/", a.listHistory)
		hr.Delete("/", a.clearHistory)
	})
	r.Route("/sync", func(sr chi.Router) {
		sr.Post("/entities", a.trackEntity)
		sr.Get("/entities/{entityID}", a.entityDetail)
		sr.Delete("/entities/{entityID}", a.untrackEntity)
		sr.Post("/force", a.forceSync)
		sr.Get("/stats", a.syncStats)
	})
	return r
}

func (a *api) startLaunch(w http.ResponseWriter, r *http.Request) {
	var req launch.PaymentRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if req.Owner == "" {
		req.Owner = a.defaults.Owner
	}
	if req.Token == "" {
		req.Token = a.defaults.Token
	}
	if req.Spender == "" {
		req.Spender = a.defaults.Spender
	}

	pass, err := a.engine.ExecutePayment(a.baseCtx, req)
	if err != nil {
		writeLaunchError(w, err)
		return
	}
	go a.watch(pass)
	writeJSON(w, http.StatusAccepted, map[string]any{"attempt_id": pass.AttemptID()})
}

func (a *api) retryLaunch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Step string `json:"step"`
	}
	if r.ContentLength != 0 {
		if err := readJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
			return
		}
	}

	step := a.engine.State().ResumeStep
	if body.Step != "" {
		parsed, ok := parseStep(body.Step)
		if !ok {
			writeError(w, http.StatusBadRequest, "BAD_STEP", "unknown step "+body.Step)
			return
		}
		step = parsed
	}

	pass, err := a.engine.RetryStep(a.baseCtx, step)
	if err != nil {
		writeLaunchError(w, err)
		return
	}
	go a.watch(pass)
	writeJSON(w, http.StatusAccepted, map[string]any{"attempt_id": pass.AttemptID(), "step": step.String()})
}

func (a *api) launchState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.State())
}

func (a *api) listQuotes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"quotes": a.gate.Pending()})
}

func (a *api) awaitQuote(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), quoteWaitTimeout)
	defer cancel()
	quote, err := a.gate.Await(ctx, chi.URLParam(r, "attemptID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "QUOTE_NOT_READY", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (a *api) resolveQuote(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attemptID := chi.URLParam(r, "attemptID")
		if err := a.gate.Resolve(attemptID, accept); err != nil {
			if errors.Is(err, launch.ErrQuoteNotFound) {
				writeError(w, http.StatusNotFound, "QUOTE_NOT_FOUND", err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempt_id": attemptID, "accepted": accept})
	}
}

func (a *api) listHistory(w http.ResponseWriter, r *http.Request) {
	records, err := a.history.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (a *api) clearHistory(w http.ResponseWriter, r *http.Request) {
	if err := a.history.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) trackEntity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", err.Error())
		return
	}
	if err := a.sync.StartTracking(body.ID); err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": strings.TrimSpace(body.ID), "tracking": true})
}

func (a *api) untrackEntity(w http.ResponseWriter, r *http.Request) {
	a.sync.StopTracking(chi.URLParam(r, "entityID"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) entityDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "entityID")
	detail, ok := a.sync.Last(id)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_OBSERVED", "no detail observed for "+id)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *api) forceSync(w http.ResponseWriter, r *http.Request) {
	if err := a.sync.ForceSync(r.Context()); err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.sync.Stats())
}

func (a *api) syncStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.sync.Stats())
}

// watch relays a pass to websocket clients and starts tracking the entity
// it deployed.
func (a *api) watch(pass *launch.Pass) {
	for ev := range pass.Events() {
		if a.hub != nil {
			a.hub.PublishLaunch(ev)
		}
		if ev.Kind == launch.EventCompleted && ev.EntityID != "" && a.sync != nil {
			if err := a.sync.StartTracking(ev.EntityID); err != nil {
				a.logf("launch attempt=%s track entity=%s: %v", ev.AttemptID, ev.EntityID, err)
			}
		}
	}
}

func parseStep(raw string) (saga.Step, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for step := saga.StepCalculate; step < saga.TotalSteps; step++ {
		if step.String() == raw {
			return step, true
		}
	}
	return 0, false
}

func writeLaunchError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, launch.ErrInvalidRequest), errors.Is(err, launch.ErrInvalidRetryStep):
		status = http.StatusBadRequest
	case errors.Is(err, launch.ErrPaymentInProgress), errors.Is(err, launch.ErrNothingToRetry):
		status = http.StatusConflict
	}
	writeError(w, status, strings.ToUpper(launch.Kind(err)), err.Error())
}

func writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, statussync.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "INVALID_ID", err.Error())
	case errors.Is(err, statussync.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "CLOSED", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "SYNC_FAILED", err.Error())
	}
}

func newRequestID() string { return "req_" + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"request_id": newRequestID(),
		"error":      map[string]any{"code": code, "message": message},
	})
}
