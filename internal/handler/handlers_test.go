package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/devrev/cqrsengine/internal/errors"
	"github.com/devrev/cqrsengine/internal/middleware"
	"github.com/devrev/cqrsengine/internal/model"
	"github.com/devrev/cqrsengine/internal/service"
	"github.com/devrev/cqrsengine/internal/store"
	"github.com/devrev/cqrsengine/internal/stream"
	"github.com/devrev/cqrsengine/internal/util/workerpool"
	"github.com/devrev/cqrsengine/internal/validation"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	tenant = "acme"
	pk     = "ORDER#acme"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	logger := zap.NewNop()

	broker := stream.NewBroker(stream.BrokerConfig{Workers: 2, Logger: logger})
	st := store.NewChangeCaptureStore(store.NewMemoryStore(), broker, logger)
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "pipeline", MaxWorkers: 4, QueueSize: 64, Logger: logger})

	registry := service.NewHandlerRegistry()
	notifier := service.NewNotifierService(registry, st, st, service.NotifierConfig{}, nil, logger)
	callbacks := service.NewCallbackService(st, time.Minute, 100, nil, logger)
	ordering := service.NewOrderingService(st, callbacks, notifier, pool, nil, logger)
	service.NewStreamConsumer(broker, ordering, logger)
	commands := service.NewCommandService(st, st, ordering, nil, validation.NewValidator(), service.CommandServiceConfig{
		SubmitTimeout: 5 * time.Second,
		PollInterval:  20 * time.Millisecond,
		LatestRetries: 3,
	}, nil, logger)

	settings, err := service.NewStaticSettingsProvider([]model.SequenceSettings{
		{TenantCode: "*", TypeCode: "ORDER", Format: "ORD-%%no#:0>4%%"},
	})
	require.NoError(t, err)
	sequences := service.NewSequenceService(st, settings, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go broker.Run(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop(5 * time.Second)
	})

	h := NewHandlers(commands, sequences, notifier, NewErrorHandler(logger), logger)
	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/commands", h.PublishCommand).Methods(http.MethodPost)
	v1.HandleFunc("/commands", h.PatchCommand).Methods(http.MethodPatch)
	v1.HandleFunc("/commands/status", h.GetCommandStatus).Methods(http.MethodGet)
	v1.HandleFunc("/commands/versions", h.ListCommandVersions).Methods(http.MethodGet)
	v1.HandleFunc("/commands/abort", h.AbortCommand).Methods(http.MethodPost)
	v1.HandleFunc("/data", h.GetData).Methods(http.MethodGet)
	v1.HandleFunc("/sequences/next", h.NextSequence).Methods(http.MethodPost)
	v1.HandleFunc("/admin/resync", h.Resync).Methods(http.MethodPost)
	return router
}

func do(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.TenantHeader, tenant)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func command(sk string, version int64, attrs map[string]any) validation.CommandInput {
	return validation.CommandInput{
		PK:         pk,
		SK:         sk,
		Code:       sk,
		Name:       "order " + sk,
		Type:       "ORDER",
		Version:    version,
		Attributes: attrs,
	}
}

func decodeRecord(t *testing.T, rec *httptest.ResponseRecorder) *model.CommandRecord {
	t.Helper()
	var out model.CommandRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return &out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPublishCommand_AsyncThenRead(t *testing.T) {
	router := newTestRouter(t)

	resp := do(t, router, http.MethodPost, "/v1/commands", command("o-1", 0, map[string]any{"qty": 1}))
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	rec := decodeRecord(t, resp)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, tenant, rec.TenantCode)
	assert.Equal(t, requestSource, rec.Source)
	assert.NotEmpty(t, rec.RequestID)

	require.Eventually(t, func() bool {
		resp := do(t, router, http.MethodGet, "/v1/commands/status?pk=ORDER%23acme&sk=o-1&version=1", nil)
		return resp.Code == http.StatusOK && decodeRecord(t, resp).Status == model.CommandStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	resp = do(t, router, http.MethodGet, "/v1/data?pk=ORDER%23acme&sk=o-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var data model.DataRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &data))
	assert.Equal(t, int64(1), data.Version)
	assert.EqualValues(t, 1, data.Attributes["qty"])
}

func TestPublishCommand_SyncAndVersions(t *testing.T) {
	router := newTestRouter(t)

	for v := int64(0); v < 3; v++ {
		resp := do(t, router, http.MethodPost, "/v1/commands?mode=sync", command("o-2", v, nil))
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		rec := decodeRecord(t, resp)
		assert.Equal(t, v+1, rec.Version)
		assert.Equal(t, model.CommandStatusCompleted, rec.Status)
	}

	resp := do(t, router, http.MethodGet, "/v1/commands/versions?pk=ORDER%23acme&sk=o-2&order=desc&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var versions VersionsResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &versions))
	require.Equal(t, 2, versions.Count)
	assert.Equal(t, int64(3), versions.Items[0].Version)
	assert.Equal(t, int64(2), versions.Items[1].Version)

	resp = do(t, router, http.MethodGet, "/v1/commands/status?pk=ORDER%23acme&sk=o-2", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, int64(3), decodeRecord(t, resp).Version)
}

func TestPublishCommand_Errors(t *testing.T) {
	router := newTestRouter(t)
	resp := do(t, router, http.MethodPost, "/v1/commands?mode=sync", command("o-3", 0, nil))
	require.Equal(t, http.StatusOK, resp.Code)

	tests := []struct {
		name     string
		target   string
		body     any
		wantCode int
		wantErr  string
	}{
		{"stale version", "/v1/commands", command("o-3", 0, nil), http.StatusConflict, "VersionConflict"},
		{"version ahead of latest", "/v1/commands", command("o-3", 5, nil), http.StatusConflict, "VersionConflict"},
		{"unknown aggregate", "/v1/commands", command("o-unknown", 2, nil), http.StatusNotFound, "NotFound"},
		{"unknown mode", "/v1/commands?mode=eventually", command("o-3", 1, nil), http.StatusBadRequest, "ValidationError"},
		{"latest with sync", "/v1/commands?mode=sync", command("o-3", model.VersionLatest, nil), http.StatusBadRequest, "ValidationError"},
		{"bad timeout", "/v1/commands?mode=sync&timeout=soon", command("o-3", 1, nil), http.StatusBadRequest, "ValidationError"},
		{"missing type", "/v1/commands", validation.CommandInput{PK: pk, SK: "o-3", Version: 1}, http.StatusBadRequest, "ValidationError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, router, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.wantCode, resp.Code, resp.Body.String())
			errResp := decodeError(t, resp)
			assert.Equal(t, "error", errResp.Status)
			assert.Equal(t, tt.wantErr, errResp.ErrorCode)
			assert.NotEmpty(t, errResp.RequestID)
		})
	}
}

func TestPublishCommand_TenantMismatch(t *testing.T) {
	router := newTestRouter(t)
	in := command("o-4", 0, nil)
	in.TenantCode = "other"

	resp := do(t, router, http.MethodPost, "/v1/commands", in)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "ValidationError", decodeError(t, resp).ErrorCode)
}

func TestPublishCommand_MalformedBody(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/commands", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchCommand(t *testing.T) {
	router := newTestRouter(t)
	resp := do(t, router, http.MethodPost, "/v1/commands?mode=sync", command("o-5", 0, map[string]any{"qty": 1, "note": "a"}))
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(t, router, http.MethodPatch, "/v1/commands", validation.PartialInput{
		PK: pk, SK: "o-5", Version: 1, Attributes: map[string]any{"qty": 2},
	})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	rec := decodeRecord(t, resp)
	assert.Equal(t, int64(2), rec.Version)
	assert.EqualValues(t, 2, rec.Attributes["qty"])
	assert.Equal(t, "a", rec.Attributes["note"])
}

func TestGetEndpoints_Errors(t *testing.T) {
	router := newTestRouter(t)

	resp := do(t, router, http.MethodGet, "/v1/commands/status?pk=ORDER%23acme", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(t, router, http.MethodGet, "/v1/commands/status?pk=ORDER%23acme&sk=nope&version=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(t, router, http.MethodGet, "/v1/commands/status?pk=ORDER%23acme&sk=nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = do(t, router, http.MethodGet, "/v1/data?pk=ORDER%23acme&sk=nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = do(t, router, http.MethodGet, "/v1/commands/versions?pk=ORDER%23acme&sk=nope", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"items":[],"count":0}`, resp.Body.String())
}

func TestAbortCommand(t *testing.T) {
	router := newTestRouter(t)
	resp := do(t, router, http.MethodPost, "/v1/commands?mode=sync", command("o-6", 0, nil))
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(t, router, http.MethodPost, "/v1/commands/abort", AbortRequest{PK: pk, SK: "o-6", Version: 1})
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "AlreadyFinished", decodeError(t, resp).ErrorCode)

	resp = do(t, router, http.MethodPost, "/v1/commands/abort", AbortRequest{PK: pk, SK: "o-6", Version: 9})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = do(t, router, http.MethodPost, "/v1/commands/abort", AbortRequest{PK: pk})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestNextSequence(t *testing.T) {
	router := newTestRouter(t)

	for i, want := range []string{"ORD-0001", "ORD-0002"} {
		resp := do(t, router, http.MethodPost, "/v1/sequences/next", service.SequenceRequest{TypeCode: "ORDER"})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		var res model.SequenceResult
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &res))
		assert.Equal(t, int64(i+1), res.No)
		assert.Equal(t, want, res.FormattedNo)
	}

	resp := do(t, router, http.MethodPost, "/v1/sequences/next", service.SequenceRequest{TypeCode: "UNKNOWN"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestResync(t *testing.T) {
	router := newTestRouter(t)
	resp := do(t, router, http.MethodPost, "/v1/commands?mode=sync", command("o-7", 0, nil))
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(t, router, http.MethodPost, "/v1/admin/resync", ResyncRequest{PK: pk, SK: "o-7"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var out ResyncResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, int64(1), out.Command.Version)
	assert.Empty(t, out.HandlerErrors)

	resp = do(t, router, http.MethodPost, "/v1/admin/resync", ResyncRequest{PK: pk, SK: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *apperrors.EngineError
		want int
	}{
		{apperrors.Validation("bad"), http.StatusBadRequest},
		{apperrors.NotFound("p", "s"), http.StatusNotFound},
		{apperrors.VersionConflict("p", "s", 1), http.StatusConflict},
		{apperrors.AlreadyFinished("k", "COMPLETED"), http.StatusConflict},
		{apperrors.Timeout("slow", nil), http.StatusGatewayTimeout},
		{apperrors.PredecessorTimeout("k"), http.StatusGatewayTimeout},
		{apperrors.PipelineFailed("k", "stale"), http.StatusUnprocessableEntity},
		{apperrors.Unavailable("down", nil), http.StatusServiceUnavailable},
		{apperrors.InternalError("oops", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
