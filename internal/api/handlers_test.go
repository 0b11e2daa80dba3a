package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pariszhuang123/kinly-backend-sub001/internal/errors"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/models"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/service"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/types"
)

type mockTriggerService struct {
	enqueueEntry *models.TriggerQueueEntry
	enqueueErr   error
	cancelErr    error
	status       *service.RewriteStatus
	statusErr    error

	lastEnqueue *service.EnqueueTriggerRequest
	lastCancel  string
	lastCaller  string
}

func (m *mockTriggerService) EnqueueTrigger(ctx context.Context, req *service.EnqueueTriggerRequest) (*models.TriggerQueueEntry, error) {
	m.lastEnqueue = req
	return m.enqueueEntry, m.enqueueErr
}

func (m *mockTriggerService) Cancel(ctx context.Context, sourceMessageID, requestedBy string) error {
	m.lastCancel = sourceMessageID
	m.lastCaller = requestedBy
	return m.cancelErr
}

func (m *mockTriggerService) GetRewriteStatus(ctx context.Context, sourceMessageID, requestedBy string) (*service.RewriteStatus, error) {
	m.lastCaller = requestedBy
	return m.status, m.statusErr
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) Ping(ctx context.Context) error { return m.err }

func newTestServer(svc TriggerServiceInterface, db HealthChecker) *Server {
	return NewServer(&ServerConfig{
		Host:         "127.0.0.1",
		Port:         "0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, svc, db)
}

func TestEnqueueRewriteHandler(t *testing.T) {
	svc := &mockTriggerService{
		enqueueEntry: &models.TriggerQueueEntry{
			ID:              "entry-1",
			SourceMessageID: "msg-1",
			RecipientID:     "bob",
			Status:          types.TriggerQueued,
		},
	}
	server := newTestServer(svc, nil)

	body := bytes.NewBufferString(`{"sourceMessageId": "msg-1", "recipientId": "bob"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/rewrites", body)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var entry models.TriggerQueueEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entry))
	assert.Equal(t, "entry-1", entry.ID)
	assert.Equal(t, types.TriggerQueued, entry.Status)

	require.NotNil(t, svc.lastEnqueue)
	assert.Equal(t, "alice", svc.lastEnqueue.RequestedBy, "caller comes from the header, never the body")
}

func TestEnqueueRewriteRequiresUser(t *testing.T) {
	server := newTestServer(&mockTriggerService{}, nil)

	body := bytes.NewBufferString(`{"sourceMessageId": "msg-1", "recipientId": "bob"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/rewrites", body)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnqueueRewriteRejectsUnknownFields(t *testing.T) {
	server := newTestServer(&mockTriggerService{}, nil)

	body := bytes.NewBufferString(`{"sourceMessageId": "msg-1", "requestedBy": "mallory"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/rewrites", body)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueRewriteMapsServiceErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"week limit", apperrors.NewISOWeekLimitError("alice"), http.StatusConflict, "ISO_WEEK_LIMIT"},
		{"forbidden", apperrors.NewForbiddenError("not the author"), http.StatusForbidden, "FORBIDDEN"},
		{"not found", apperrors.NewNotFoundError("message", "msg-1"), http.StatusNotFound, "NOT_FOUND"},
		{"internal details are hidden", errors.New("pool exhausted"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(&mockTriggerService{enqueueErr: tt.err}, nil)

			body := bytes.NewBufferString(`{"sourceMessageId": "msg-1", "recipientId": "bob"}`)
			req := httptest.NewRequest(http.MethodPost, "/api/rewrites", body)
			req.Header.Set("X-User-ID", "alice")
			rec := httptest.NewRecorder()
			server.Router().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			if tt.wantCode == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "pool exhausted")
			}
		})
	}
}

func TestGetRewriteHandler(t *testing.T) {
	svc := &mockTriggerService{
		status: &service.RewriteStatus{
			Trigger: &models.TriggerQueueEntry{
				ID:              "entry-1",
				SourceMessageID: "msg-1",
				Status:          types.TriggerCompleted,
			},
			Output: &models.RewriteOutput{
				RewrittenText: "Could we split the dishes?",
			},
		},
	}
	server := newTestServer(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/rewrites/msg-1", nil)
	req.Header.Set("X-User-ID", "bob")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", svc.lastCaller)

	var status service.RewriteStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.NotNil(t, status.Output)
	assert.Equal(t, "Could we split the dishes?", status.Output.RewrittenText)
}

func TestCancelRewriteHandler(t *testing.T) {
	svc := &mockTriggerService{}
	server := newTestServer(svc, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/rewrites/msg-1", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "msg-1", svc.lastCancel)
	assert.Equal(t, "alice", svc.lastCaller)
	assert.Contains(t, rec.Body.String(), "canceled")
}

func TestCancelRewriteForbidden(t *testing.T) {
	svc := &mockTriggerService{cancelErr: apperrors.NewForbiddenError("only the message author can cancel a rewrite")}
	server := newTestServer(svc, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/rewrites/msg-1", nil)
	req.Header.Set("X-User-ID", "bob")
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	server := newTestServer(&mockTriggerService{}, &mockHealthChecker{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	server := newTestServer(&mockTriggerService{}, &mockHealthChecker{err: errors.New("conn refused")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(&mockTriggerService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
