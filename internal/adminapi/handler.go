// Package adminapi serves the operator HTTP endpoints of a slotd server.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"
	"pkt.systems/slotd/api"
	"pkt.systems/slotd/internal/svcfields"
)

// Controller is the server surface the endpoints operate on.
type Controller interface {
	Status(ctx context.Context) (api.StatusResponse, error)
	SetAccepting(enabled bool)
	SetDeclineNewResources(ctx context.Context, decline bool) error
	SetLeaseTimeout(ctx context.Context, d time.Duration) error
	FreeAll(ctx context.Context) (int, error)
}

// Config wires a Handler.
type Config struct {
	Controller Controller
	Logger     pslog.Logger
	// Tracing wraps the handler with otelhttp spans.
	Tracing bool
}

type handler struct {
	ctrl   Controller
	logger pslog.Logger
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string { return e.Code + ": " + e.Detail }

// New returns the admin HTTP handler.
func New(cfg Config) http.Handler {
	h := &handler{
		ctrl:   cfg.Controller,
		logger: svcfields.WithSubsystem(cfg.Logger, "admin.http"),
	}
	mux := http.NewServeMux()
	mux.Handle("GET /v1/status", h.wrap("status", h.handleStatus))
	mux.Handle("POST /v1/accepting", h.wrap("accepting", h.handleAccepting))
	mux.Handle("POST /v1/admission", h.wrap("admission", h.handleAdmission))
	mux.Handle("POST /v1/lease-timeout", h.wrap("lease_timeout", h.handleLeaseTimeout))
	mux.Handle("POST /v1/free-all", h.wrap("free_all", h.handleFreeAll))
	if !cfg.Tracing {
		return mux
	}
	return otelhttp.NewHandler(mux, "slotd.admin",
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *handler) wrap(op string, fn func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := h.logger.With("op", op, svcfields.KeyRemote, r.RemoteAddr)
		if err := fn(w, r); err != nil {
			var httpErr httpError
			if !errors.As(err, &httpErr) {
				httpErr = httpError{Status: http.StatusInternalServerError, Code: "internal", Detail: err.Error()}
				logger.Error("admin.request.failed", "error", err)
			} else {
				logger.Debug("admin.request.rejected", "code", httpErr.Code, "detail", httpErr.Detail)
			}
			writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
			return
		}
		logger.Trace("admin.request.complete", "elapsed", time.Since(start))
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	st, err := h.ctrl.Status(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, st)
	return nil
}

func (h *handler) handleAccepting(w http.ResponseWriter, r *http.Request) error {
	enabled, err := boolParam(r, "enabled")
	if err != nil {
		return err
	}
	h.ctrl.SetAccepting(enabled)
	h.logger.Info("admin.accepting.changed", "enabled", enabled)
	writeJSON(w, http.StatusOK, api.ToggleResponse{Enabled: enabled})
	return nil
}

func (h *handler) handleAdmission(w http.ResponseWriter, r *http.Request) error {
	enabled, err := boolParam(r, "enabled")
	if err != nil {
		return err
	}
	if err := h.ctrl.SetDeclineNewResources(r.Context(), !enabled); err != nil {
		return err
	}
	h.logger.Info("admin.admission.changed", "enabled", enabled)
	writeJSON(w, http.StatusOK, api.ToggleResponse{Enabled: enabled})
	return nil
}

func (h *handler) handleLeaseTimeout(w http.ResponseWriter, r *http.Request) error {
	raw := r.URL.Query().Get("value")
	if raw == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_value", Detail: "value required"}
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < time.Second {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_value", Detail: "value must be a duration of at least 1s"}
	}
	if err := h.ctrl.SetLeaseTimeout(r.Context(), d); err != nil {
		return err
	}
	h.logger.Info("admin.lease_timeout.changed", "timeout", d)
	writeJSON(w, http.StatusOK, api.LeaseTimeoutResponse{LeaseTimeoutSeconds: int64(d / time.Second)})
	return nil
}

func (h *handler) handleFreeAll(w http.ResponseWriter, r *http.Request) error {
	n, err := h.ctrl.FreeAll(r.Context())
	if err != nil {
		return err
	}
	h.logger.Info("admin.free_all", "freed", n)
	writeJSON(w, http.StatusOK, api.FreeAllResponse{Freed: n})
	return nil
}

func boolParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, httpError{Status: http.StatusBadRequest, Code: "missing_" + name, Detail: name + " required"}
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, httpError{Status: http.StatusBadRequest, Code: "invalid_" + name, Detail: name + " must be true or false"}
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
