package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftgate/draftgate/internal/approval_api/middleware"
	draftapp "github.com/draftgate/draftgate/internal/draft/app"
	"github.com/draftgate/draftgate/internal/draft/repository/memory"
	"github.com/draftgate/draftgate/internal/draft/safety"
)

// actorMiddleware injects a fixed authenticated actor, standing in for the
// real auth middleware.
func actorMiddleware(actor middleware.AuthenticatedActor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.AuthenticatedActorContextKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTestRouter(actor middleware.AuthenticatedActor) (*chi.Mux, *draftapp.ApprovalService) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := draftapp.NewApprovalService(memory.NewMemDraftRepository(), safety.NewGate(), logger)
	handler := NewDraftHandler(service, nil, logger)

	r := chi.NewRouter()
	r.Group(func(protected chi.Router) {
		protected.Use(actorMiddleware(actor))
		handler.RegisterRoutes(protected)
	})
	return r, service
}

var humanActor = middleware.AuthenticatedActor{ID: "reviewer-1", Human: true}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createDraftViaAPI(t *testing.T, router http.Handler) DraftResponse {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/drafts", CreateDraftRequest{
		SessionID: "sess-1",
		To:        []string{"recipient@example.com"},
		Subject:   "Project update",
		Body:      "Here is the weekly status update.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp DraftResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestDraftAPI_CreateSubmitApproveFlow(t *testing.T) {
	router, _ := newTestRouter(humanActor)

	draft := createDraftViaAPI(t, router)
	assert.Equal(t, "drafted", draft.Status)

	rec := doJSON(t, router, http.MethodPost, "/drafts/"+draft.ID+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var submitted DraftResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.Equal(t, "pending_approval", submitted.Status)
	require.NotNil(t, submitted.SafetyVerdict)
	assert.True(t, submitted.SafetyVerdict.Passed)

	rec = doJSON(t, router, http.MethodPost, "/drafts/"+draft.ID+"/approve", ApproveDraftRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved DraftResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.Equal(t, "approved", approved.Status)
	require.NotNil(t, approved.ApprovedAt)
}

func TestDraftAPI_ApproveRequiresHuman(t *testing.T) {
	router, _ := newTestRouter(middleware.AuthenticatedActor{ID: "drafting_agent", Human: false})

	draft := createDraftViaAPI(t, router)
	rec := doJSON(t, router, http.MethodPost, "/drafts/"+draft.ID+"/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/drafts/"+draft.ID+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDraftAPI_RejectWithFeedback(t *testing.T) {
	router, _ := newTestRouter(humanActor)

	draft := createDraftViaAPI(t, router)
	doJSON(t, router, http.MethodPost, "/drafts/"+draft.ID+"/submit", nil)

	rec := doJSON(t, router, http.MethodPost, "/drafts/"+draft.ID+"/reject",
		RejectDraftRequest{Feedback: "tone is off"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rejected DraftResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejected))
	assert.Equal(t, "rejected", rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "tone is off", *rejected.RejectionReason)
}

func TestDraftAPI_ErrorMapping(t *testing.T) {
	router, _ := newTestRouter(humanActor)
	draft := createDraftViaAPI(t, router)

	t.Run("missing draft is 404", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/drafts/no-such-id", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid transition is 409", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/drafts/"+draft.ID+"/approve", nil)
		assert.Equal(t, http.StatusConflict, rec.Code, "approve from drafted")
	})

	t.Run("validation failure is 400", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodPost, "/drafts", CreateDraftRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "missing session_id")
	})

	t.Run("delete of non-terminal draft is 409", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodDelete, "/drafts/"+draft.ID+"?session_id=sess-1", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("delete without session_id is 400", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodDelete, "/drafts/"+draft.ID, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("edit without session_id is 400", func(t *testing.T) {
		body := "edited body text"
		rec := doJSON(t, router, http.MethodPost, "/drafts/"+draft.ID+"/edit",
			EditDraftRequest{Body: &body})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown status filter is 400", func(t *testing.T) {
		rec := doJSON(t, router, http.MethodGet, "/sessions/sess-1/drafts?status=bogus", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDraftAPI_SendRequiresApprovedStatus(t *testing.T) {
	router, _ := newTestRouter(humanActor)
	draft := createDraftViaAPI(t, router)

	rec := doJSON(t, router, http.MethodPost, "/drafts/"+draft.ID+"/send", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "drafted draft cannot be sent")
}

func TestDraftAPI_ListBySession(t *testing.T) {
	router, _ := newTestRouter(humanActor)

	first := createDraftViaAPI(t, router)
	second := createDraftViaAPI(t, router)
	doJSON(t, router, http.MethodPost, "/drafts/"+second.ID+"/submit", nil)

	rec := doJSON(t, router, http.MethodGet, "/sessions/sess-1/drafts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []DraftResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID, "creation order")

	rec = doJSON(t, router, http.MethodGet, "/sessions/sess-1/drafts?status=pending_approval", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var filtered []DraftResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, second.ID, filtered[0].ID)
}
