package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/riverbulk/internal/bulk"
	"github.com/utafrali/riverbulk/internal/domain"
	"github.com/utafrali/riverbulk/internal/status"
	apperrors "github.com/utafrali/riverbulk/pkg/errors"
	"github.com/utafrali/riverbulk/pkg/httputil"
	"github.com/utafrali/riverbulk/pkg/logger"
)

// DefaultFlushTimeout bounds POST .../flush when the request names none.
const DefaultFlushTimeout = 30 * time.Second

// Coordinators is the part of the bulk registry the admin API needs.
type Coordinators interface {
	Get(index, typ string) (*bulk.Coordinator, error)
	Lookup(index, typ string) (*bulk.Coordinator, bool)
	Targets() []bulk.Target
}

// RiverHandler serves the river admin endpoints.
type RiverHandler struct {
	river        string
	coordinators Coordinators
	statuses     status.Store
	logger       *slog.Logger
}

// NewRiverHandler creates the river admin handler.
func NewRiverHandler(river string, coordinators Coordinators, statuses status.Store, logger *slog.Logger) *RiverHandler {
	return &RiverHandler{
		river:        river,
		coordinators: coordinators,
		statuses:     statuses,
		logger:       logger,
	}
}

// --- Response DTOs ---

// TargetResponse describes one index/type coordinator.
type TargetResponse struct {
	Index           string          `json:"index"`
	Type            string          `json:"type"`
	Counters        domain.Counters `json:"counters"`
	Pending         int             `json:"pending"`
	PendingRebuilds int64           `json:"pending_rebuilds"`
}

// StatusResponse is returned by GET /api/v1/river/status.
type StatusResponse struct {
	River   string           `json:"river"`
	Status  domain.Status    `json:"status"`
	Targets []TargetResponse `json:"targets"`
}

// --- Request DTOs ---

// SetStatusRequest is the body of PUT /api/v1/river/status.
type SetStatusRequest struct {
	Status domain.Status `json:"status" validate:"required,oneof=RUNNING STOPPED"`
}

// FlushRequest is the optional body of POST .../flush.
type FlushRequest struct {
	Timeout string `json:"timeout" validate:"omitempty,max=32"`
}

func newTargetResponse(index, typ string, c *bulk.Coordinator) TargetResponse {
	return TargetResponse{
		Index:           index,
		Type:            typ,
		Counters:        c.Counters(),
		Pending:         c.Pending(),
		PendingRebuilds: c.PendingRebuilds(),
	}
}

// --- Handlers ---

// Status handles GET /api/v1/river/status
func (h *RiverHandler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.statuses.Get(r.Context(), h.river)
	if err != nil {
		httputil.WriteError(w, r, apperrors.Internal(err), h.logger)
		return
	}

	targets := h.coordinators.Targets()
	resp := StatusResponse{
		River:   h.river,
		Status:  st,
		Targets: make([]TargetResponse, 0, len(targets)),
	}
	for _, t := range targets {
		if c, ok := h.coordinators.Lookup(t.Index, t.Type); ok {
			resp.Targets = append(resp.Targets, newTargetResponse(t.Index, t.Type, c))
		}
	}

	httputil.WriteData(w, http.StatusOK, resp)
}

// SetStatus handles PUT /api/v1/river/status. Operators use it to resume a
// river after an import failure has been dealt with.
func (h *RiverHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if err := h.statuses.Set(r.Context(), h.river, req.Status); err != nil {
		httputil.WriteError(w, r, apperrors.Internal(err), h.logger)
		return
	}

	logger.FromContext(r.Context()).InfoContext(r.Context(), "river status changed by operator",
		slog.String("river", h.river),
		slog.String("status", string(req.Status)),
	)
	httputil.WriteData(w, http.StatusOK, map[string]any{"river": h.river, "status": req.Status})
}

// Counters handles GET /api/v1/river/targets/{index}/{type}/counters
func (h *RiverHandler) Counters(w http.ResponseWriter, r *http.Request) {
	index, typ := chi.URLParam(r, "index"), chi.URLParam(r, "type")

	c, ok := h.coordinators.Lookup(index, typ)
	if !ok {
		httputil.WriteError(w, r, apperrors.NotFound("target", index+"/"+typ), h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, newTargetResponse(index, typ, c))
}

// Reindex handles POST /api/v1/river/targets/{index}/{type}/reindex. The
// control operation is queued behind everything already pending, so the
// response only confirms it was accepted.
func (h *RiverHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	index, typ := chi.URLParam(r, "index"), chi.URLParam(r, "type")

	c, err := h.coordinators.Get(index, typ)
	if err != nil {
		h.writeCoordinatorError(w, r, err)
		return
	}
	if err := c.TriggerFullReindex(); err != nil {
		h.writeCoordinatorError(w, r, err)
		return
	}

	logger.FromContext(r.Context()).InfoContext(r.Context(), "full reindex requested",
		slog.String("index", index),
		slog.String("type", typ),
	)
	httputil.WriteData(w, http.StatusAccepted, newTargetResponse(index, typ, c))
}

// Flush handles POST /api/v1/river/targets/{index}/{type}/flush and waits
// until the drained batch has been processed.
func (h *RiverHandler) Flush(w http.ResponseWriter, r *http.Request) {
	index, typ := chi.URLParam(r, "index"), chi.URLParam(r, "type")

	var req FlushRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	timeout := DefaultFlushTimeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			httputil.WriteError(w, r, apperrors.InvalidInput("timeout must be a positive duration"), h.logger)
			return
		}
		timeout = d
	}

	c, ok := h.coordinators.Lookup(index, typ)
	if !ok {
		httputil.WriteError(w, r, apperrors.NotFound("target", index+"/"+typ), h.logger)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	if err := c.Flush(ctx); err != nil {
		h.writeCoordinatorError(w, r, err)
		return
	}

	httputil.WriteData(w, http.StatusOK, newTargetResponse(index, typ, c))
}

func (h *RiverHandler) writeCoordinatorError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, bulk.ErrClosed):
		httputil.WriteError(w, r, apperrors.Unavailable("river is shutting down", err), h.logger)
	case errors.Is(err, context.DeadlineExceeded):
		httputil.WriteError(w, r, apperrors.Timeout("flush did not finish in time", err), h.logger)
	default:
		httputil.WriteError(w, r, apperrors.Internal(err), h.logger)
	}
}
