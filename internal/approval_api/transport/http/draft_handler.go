package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"

	"github.com/draftgate/draftgate/internal/approval_api/middleware"
	deliveryapp "github.com/draftgate/draftgate/internal/delivery/app"
	draftapp "github.com/draftgate/draftgate/internal/draft/app"
	"github.com/draftgate/draftgate/internal/draft/domain"
	"github.com/draftgate/draftgate/internal/platform/messagebroker"
)

// DraftHandler exposes the draft lifecycle over HTTP: create, submit, edit,
// approve, reject, send, query and delete.
type DraftHandler struct {
	service    *draftapp.ApprovalService
	natsClient *messagebroker.NatsClient
	logger     *slog.Logger
}

func NewDraftHandler(service *draftapp.ApprovalService, natsClient *messagebroker.NatsClient, logger *slog.Logger) *DraftHandler {
	return &DraftHandler{
		service:    service,
		natsClient: natsClient,
		logger:     logger.With("handler", "draft"),
	}
}

// RegisterRoutes registers draft routes with the given router.
func (h *DraftHandler) RegisterRoutes(r chi.Router) {
	r.Post("/drafts", h.handleCreateDraft)
	r.Get("/drafts/{draftID}", h.handleGetDraft)
	r.Delete("/drafts/{draftID}", h.handleDeleteDraft)
	r.Post("/drafts/{draftID}/submit", h.handleSubmitDraft)
	r.Post("/drafts/{draftID}/edit", h.handleEditDraft)
	r.Post("/drafts/{draftID}/approve", h.handleApproveDraft)
	r.Post("/drafts/{draftID}/reject", h.handleRejectDraft)
	r.Post("/drafts/{draftID}/send", h.handleSendDraft)
	r.Get("/sessions/{sessionID}/drafts", h.handleListSessionDrafts)
}

func (h *DraftHandler) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	var req CreateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.ErrorContext(ctx, "Failed to decode create draft request", "error", err)
		h.jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	draft, err := h.service.CreateDraft(ctx, draftapp.CreateDraftInput{
		SessionID:           req.SessionID,
		UserID:              req.UserID,
		To:                  req.To,
		Cc:                  req.Cc,
		Bcc:                 req.Bcc,
		Subject:             req.Subject,
		Body:                req.Body,
		Tone:                domain.EmailTone(req.Tone),
		Priority:            domain.EmailPriority(req.Priority),
		ConversationContext: req.ConversationContext,
		AIReasoning:         req.AIReasoning,
	})
	if err != nil {
		h.writeServiceError(w, logger, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toDraftResponse(draft))
}

func (h *DraftHandler) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	draft, err := h.service.Get(r.Context(), chi.URLParam(r, "draftID"))
	if err != nil {
		h.writeServiceError(w, logger, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDraftResponse(draft))
}

func (h *DraftHandler) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	sessionID := r.URL.Query().Get("session_id")
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "draftID"), sessionID); err != nil {
		h.writeServiceError(w, logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DraftHandler) handleSubmitDraft(w http.ResponseWriter, r *http.Request) {
	logger := h.requestLogger(r)
	draft, err := h.service.Submit(r.Context(), chi.URLParam(r, "draftID"))
	if err != nil {
		h.writeServiceError(w, logger, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDraftResponse(draft))
}

func (h *DraftHandler) handleEditDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	var req EditDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.ErrorContext(ctx, "Failed to decode edit draft request", "error", err)
		h.jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	draft, err := h.service.Edit(ctx, chi.URLParam(r, "draftID"), sessionID, toEditChanges(&req))
	if err != nil {
		h.writeServiceError(w, logger, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDraftResponse(draft))
}

func (h *DraftHandler) handleApproveDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := middleware.ActorFromContext(ctx)
	if !ok {
		logger.ErrorContext(ctx, "Authenticated actor missing from context")
		h.jsonError(w, logger, "Not authenticated", http.StatusUnauthorized)
		return
	}
	if !actor.Human {
		logger.WarnContext(ctx, "Non-human actor attempted approval", "actor_id", actor.ID)
		h.jsonError(w, logger, "Approval requires a human reviewer", http.StatusForbidden)
		return
	}

	var req ApproveDraftRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.ErrorContext(ctx, "Failed to decode approve draft request", "error", err)
			h.jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	draft, err := h.service.Approve(ctx, chi.URLParam(r, "draftID"),
		draftapp.Actor{ID: actor.ID, Human: actor.Human}, toEditChanges(req.Modifications))
	if err != nil {
		h.writeServiceError(w, logger, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDraftResponse(draft))
}

func (h *DraftHandler) handleRejectDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)

	actor, ok := middleware.ActorFromContext(ctx)
	if !ok {
		logger.ErrorContext(ctx, "Authenticated actor missing from context")
		h.jsonError(w, logger, "Not authenticated", http.StatusUnauthorized)
		return
	}

	var req RejectDraftRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.ErrorContext(ctx, "Failed to decode reject draft request", "error", err)
			h.jsonError(w, logger, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	draft, err := h.service.Reject(ctx, chi.URLParam(r, "draftID"),
		draftapp.Actor{ID: actor.ID, Human: actor.Human}, req.Feedback)
	if err != nil {
		h.writeServiceError(w, logger, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toDraftResponse(draft))
}

// handleSendDraft enqueues delivery of an approved draft. The worker
// re-checks status under the per-draft lock, so a stale job is harmless.
func (h *DraftHandler) handleSendDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)
	draftID := chi.URLParam(r, "draftID")

	draft, err := h.service.Get(ctx, draftID)
	if err != nil {
		h.writeServiceError(w, logger, err)
		return
	}
	if draft.Status != domain.StatusApproved {
		logger.WarnContext(ctx, "Send requested for non-approved draft", "draft_id", draftID, "status", draft.Status)
		h.jsonError(w, logger, "Draft is not approved for delivery", http.StatusConflict)
		return
	}

	payload, err := json.Marshal(deliveryapp.NATSJobPayload{DraftID: draftID})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to marshal delivery job", "error", err, "draft_id", draftID)
		h.jsonError(w, logger, "Failed to prepare delivery job", http.StatusInternalServerError)
		return
	}
	if err := h.natsClient.Publish(ctx, deliveryapp.NatsDeliverSubject, payload); err != nil {
		logger.ErrorContext(ctx, "Failed to publish delivery job", "error", err, "draft_id", draftID)
		h.jsonError(w, logger, "Failed to enqueue delivery job", http.StatusInternalServerError)
		return
	}

	logger.InfoContext(ctx, "Delivery job published", "draft_id", draftID, "subject", deliveryapp.NatsDeliverSubject)
	h.writeJSON(w, http.StatusAccepted, SendAcceptedResponse{DraftID: draftID, Status: string(draft.Status)})
}

func (h *DraftHandler) handleListSessionDrafts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.requestLogger(r)
	sessionID := chi.URLParam(r, "sessionID")

	var statusFilter *domain.DraftStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.DraftStatus(raw)
		switch status {
		case domain.StatusDrafted, domain.StatusPendingApproval, domain.StatusApproved,
			domain.StatusRejected, domain.StatusSent, domain.StatusFailed:
			statusFilter = &status
		default:
			h.jsonError(w, logger, "Unknown status filter: "+raw, http.StatusBadRequest)
			return
		}
	}

	drafts, err := h.service.ListBySession(ctx, sessionID, statusFilter)
	if err != nil {
		h.writeServiceError(w, logger, err)
		return
	}
	responses := make([]DraftResponse, 0, len(drafts))
	for _, d := range drafts {
		responses = append(responses, toDraftResponse(d))
	}
	h.writeJSON(w, http.StatusOK, responses)
}

func toEditChanges(req *EditDraftRequest) draftapp.EditChanges {
	if req == nil {
		return draftapp.EditChanges{}
	}
	changes := draftapp.EditChanges{
		To:      req.To,
		Cc:      req.Cc,
		Bcc:     req.Bcc,
		Subject: req.Subject,
		Body:    req.Body,
	}
	if req.Tone != nil {
		tone := domain.EmailTone(*req.Tone)
		changes.Tone = &tone
	}
	if req.Priority != nil {
		priority := domain.EmailPriority(*req.Priority)
		changes.Priority = &priority
	}
	return changes
}

func (h *DraftHandler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With("request_id", chi_middleware.GetReqID(r.Context()))
}

// writeServiceError maps domain errors to HTTP status codes.
func (h *DraftHandler) writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.jsonError(w, logger, "Draft not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrValidation):
		h.jsonError(w, logger, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotTerminal):
		h.jsonError(w, logger, err.Error(), http.StatusConflict)
	default:
		logger.Error("Unhandled service error", "error", err)
		h.jsonError(w, logger, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *DraftHandler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func (h *DraftHandler) jsonError(w http.ResponseWriter, logger *slog.Logger, message string, statusCode int) {
	logger.Warn("API Error Response", "status_code", statusCode, "message", message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(GenericErrorResponse{Error: message})
}
