// Package handler provides HTTP request handlers for the command API.
package handler

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/devrev/cqrsengine/internal/errors"
	"github.com/devrev/cqrsengine/internal/middleware"
	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/service"
	"github.com/devrev/cqrsengine/internal/validation"
	"go.uber.org/zap"
)

const (
	// InvokerHeader identifies the user or system submitting the command
	InvokerHeader = "X-Invoker"
	// IdempotencyHeader deduplicates retried submissions
	IdempotencyHeader = "Idempotency-Key"

	maxBodyBytes  = 1 << 20
	requestSource = "http"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	commands     *service.CommandService
	sequences    *service.SequenceService
	notifier     *service.NotifierService
	errorHandler *ErrorHandler
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	commands *service.CommandService,
	sequences *service.SequenceService,
	notifier *service.NotifierService,
	errorHandler *ErrorHandler,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		commands:     commands,
		sequences:    sequences,
		notifier:     notifier,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// AbortRequest is the body of POST /v1/commands/abort
type AbortRequest struct {
	PK      string `json:"pk"`
	SK      string `json:"sk"`
	Version int64  `json:"version"`
	Reason  string `json:"reason"`
}

// ResyncRequest is the body of POST /v1/admin/resync
type ResyncRequest struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

// ResyncResponse reports the replayed command and any handler failures
type ResyncResponse struct {
	Command       *model.CommandRecord `json:"command"`
	HandlerErrors []string             `json:"handlerErrors,omitempty"`
}

// VersionsResponse lists the versions of one aggregate
type VersionsResponse struct {
	Items []*model.CommandRecord `json:"items"`
	Count int                    `json:"count"`
}

// PublishCommand handles POST /v1/commands requests. mode=sync waits for the pipeline.
func (h *Handlers) PublishCommand(w http.ResponseWriter, r *http.Request) {
	var in validation.CommandInput
	if !h.decode(w, r, &in) {
		return
	}
	tenant, err := resolveTenant(r, in.TenantCode)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	in.TenantCode = tenant

	opts, err := publishOptions(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	var rec *model.CommandRecord
	status := http.StatusAccepted
	switch mode := r.URL.Query().Get("mode"); mode {
	case "", service.ModeAsync:
		rec, err = h.commands.PublishAsync(r.Context(), &in, opts)
	case service.ModeSync:
		rec, err = h.commands.PublishSync(r.Context(), &in, opts)
		status = http.StatusOK
	default:
		h.errorHandler.HandleError(w, r, apperrors.InvalidField("mode", fmt.Sprintf("unknown mode %q", mode)))
		return
	}
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, status, rec)
}

// PatchCommand handles PATCH /v1/commands requests.
func (h *Handlers) PatchCommand(w http.ResponseWriter, r *http.Request) {
	var patch validation.PartialInput
	if !h.decode(w, r, &patch) {
		return
	}
	tenant, err := resolveTenant(r, patch.TenantCode)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	patch.TenantCode = tenant

	opts, err := publishOptions(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	rec, err := h.commands.PublishPartialUpdate(r.Context(), &patch, opts)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusAccepted, rec)
}

// GetCommandStatus handles GET /v1/commands/status requests. Without a version
// the latest one is returned.
func (h *Handlers) GetCommandStatus(w http.ResponseWriter, r *http.Request) {
	pk, sk, err := itemParams(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	var rec *model.CommandRecord
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || version < 1 {
			h.errorHandler.HandleError(w, r, apperrors.InvalidField("version", "must be a positive integer"))
			return
		}
		rec, err = h.commands.GetStatus(r.Context(), model.CommandKey{PK: pk, SK: sk, Version: version})
	} else {
		rec, err = h.commands.GetLatest(r.Context(), pk, sk)
	}
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, rec)
}

// ListCommandVersions handles GET /v1/commands/versions requests.
func (h *Handlers) ListCommandVersions(w http.ResponseWriter, r *http.Request) {
	pk, sk, err := itemParams(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.errorHandler.HandleError(w, r, apperrors.InvalidField("limit", "must be a non-negative integer"))
			return
		}
	}
	descending := r.URL.Query().Get("order") == "desc"

	records, err := h.commands.ListVersions(r.Context(), pk, sk, limit, descending)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	if records == nil {
		records = []*model.CommandRecord{}
	}

	h.writeJSONResponse(w, http.StatusOK, VersionsResponse{Items: records, Count: len(records)})
}

// AbortCommand handles POST /v1/commands/abort requests.
func (h *Handlers) AbortCommand(w http.ResponseWriter, r *http.Request) {
	var req AbortRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PK == "" || req.SK == "" || req.Version < 1 {
		h.errorHandler.HandleError(w, r, apperrors.Validation("pk, sk and a positive version are required"))
		return
	}
	if req.Reason == "" {
		req.Reason = "aborted by " + invoker(r)
	}

	rec, err := h.commands.Abort(r.Context(), model.CommandKey{PK: req.PK, SK: req.SK, Version: req.Version}, req.Reason)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, rec)
}

// GetData handles GET /v1/data requests.
func (h *Handlers) GetData(w http.ResponseWriter, r *http.Request) {
	pk, sk, err := itemParams(r)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	rec, err := h.commands.GetData(r.Context(), pk, sk)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, rec)
}

// NextSequence handles POST /v1/sequences/next requests.
func (h *Handlers) NextSequence(w http.ResponseWriter, r *http.Request) {
	var req service.SequenceRequest
	if !h.decode(w, r, &req) {
		return
	}
	tenant, err := resolveTenant(r, req.TenantCode)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	req.TenantCode = tenant

	res, err := h.sequences.Generate(r.Context(), &req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, res)
}

// Resync handles POST /v1/admin/resync requests by replaying the latest
// version of an aggregate through materialization and every sync handler.
func (h *Handlers) Resync(w http.ResponseWriter, r *http.Request) {
	var req ResyncRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.PK == "" || req.SK == "" {
		h.errorHandler.HandleError(w, r, apperrors.Validation("pk and sk are required"))
		return
	}

	rec, handlerErrs, err := h.notifier.Resync(r.Context(), req.PK, req.SK)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp := ResyncResponse{Command: rec}
	for _, herr := range handlerErrs {
		resp.HandlerErrors = append(resp.HandlerErrors, herr.Error())
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.errorHandler.WriteValidationError(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSONResponse writes a JSON response.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

// resolveTenant reconciles the tenant header with the tenant in the body
func resolveTenant(r *http.Request, bodyTenant string) (string, error) {
	header := r.Header.Get(middleware.TenantHeader)
	switch {
	case header == "":
		return bodyTenant, nil
	case bodyTenant == "" || bodyTenant == header:
		return header, nil
	default:
		return "", apperrors.InvalidField("tenantCode", "does not match "+middleware.TenantHeader)
	}
}

func publishOptions(r *http.Request) (service.PublishOptions, error) {
	q := r.URL.Query()
	opts := service.PublishOptions{
		Source:          requestSource,
		RequestID:       middleware.RequestIDFromContext(r.Context()),
		Invoker:         invoker(r),
		ClientIP:        clientIP(r),
		IdempotencyKey:  r.Header.Get(IdempotencyHeader),
		SkipIfUnchanged: q.Get("skipIfUnchanged") == "true",
	}
	if raw := q.Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return opts, apperrors.InvalidField("timeout", "must be a positive duration")
		}
		opts.Timeout = d
	}
	return opts, nil
}

func itemParams(r *http.Request) (string, string, error) {
	pk := r.URL.Query().Get("pk")
	sk := r.URL.Query().Get("sk")
	if pk == "" || sk == "" {
		return "", "", apperrors.Validation("pk and sk query parameters are required")
	}
	return pk, sk, nil
}

func invoker(r *http.Request) string {
	if v := r.Header.Get(InvokerHeader); v != "" {
		return v
	}
	return "anonymous"
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
