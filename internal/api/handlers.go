/**
 * @description
 * This file contains the HTTP handlers for the token-ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/personaforge/token-ledger-service/internal/app"
	"github.com/personaforge/token-ledger-service/internal/domain"
	"github.com/personaforge/token-ledger-service/internal/store"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service         *app.Service
	defaultPageSize int
	maxPageSize     int
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service, defaultPageSize, maxPageSize int) *LedgerHandlers {
	return &LedgerHandlers{
		service:         service,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
	}
}

// deductResponse is sent back after a deduction attempt. Idempotent replays
// return the original entry with idempotent=true.
type deductResponse struct {
	Success    bool               `json:"success"`
	NewBalance int64              `json:"newBalance"`
	Entry      domain.LedgerEntry `json:"entry"`
	Idempotent bool               `json:"idempotent"`
}

type insufficientTokensResponse struct {
	Error          string `json:"error"`
	CurrentBalance int64  `json:"currentBalance"`
	Cost           int64  `json:"cost"`
	Shortfall      int64  `json:"shortfall"`
}

type historyResponse struct {
	Entries []domain.LedgerEntry `json:"entries"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

type grantResponse struct {
	Pool    *domain.TokenPool `json:"pool"`
	Created bool              `json:"created"`
}

type planChangeResponse struct {
	Transition   *domain.PlanTransition `json:"transition"`
	Subscription *domain.Subscription   `json:"subscription"`
}

// authedUserID resolves the authenticated subject to the internal user UUID.
// It writes the error response itself and reports success via the bool.
func (h *LedgerHandlers) authedUserID(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}

	internalIDStr, err := h.service.ResolveInternalUserID(r.Context(), subject)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=user_resolution_failed auth_subject=%s err=%v", endpoint, subject, err)
		h.writeError(w, http.StatusBadRequest, "User not found")
		return uuid.Nil, false
	}

	userID, err := uuid.Parse(internalIDStr)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_user_id internal_user_id=%s", endpoint, internalIDStr)
		h.writeError(w, http.StatusBadRequest, "Invalid user ID format")
		return uuid.Nil, false
	}
	return userID, true
}

// GetBalanceHandler handles requests for the current token balance.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "get_balance")
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=get_balance outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to compute balance")
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

// BalanceCheckHandler handles affordability checks for a single action.
func (h *LedgerHandlers) BalanceCheckHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "balance_check")
	if !ok {
		return
	}

	action := r.URL.Query().Get("action")
	if action == "" {
		h.writeError(w, http.StatusBadRequest, "Query parameter 'action' is required")
		return
	}

	check, err := h.service.CheckBalance(r.Context(), userID, action)
	if err != nil {
		if errors.Is(err, app.ErrUnknownAction) {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown action type: %s", action))
			return
		}
		log.Printf("level=error component=api endpoint=balance_check outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to check balance")
		return
	}

	h.writeJSON(w, http.StatusOK, check)
}

// DeductHandler handles token deduction requests.
func (h *LedgerHandlers) DeductHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "deduct")
	if !ok {
		return
	}

	var req domain.DeductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=deduct outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	result, err := h.service.Deduct(r.Context(), userID, req)
	if err != nil {
		if errors.Is(err, app.ErrUnknownAction) {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown action type: %s", req.Action))
			return
		}

		var insufficientErr *store.InsufficientTokensError
		if errors.As(err, &insufficientErr) {
			log.Printf("level=info component=api endpoint=deduct outcome=insufficient user_id=%s action=%s balance=%d cost=%d", userID, req.Action, insufficientErr.Balance, insufficientErr.Cost)
			h.writeJSON(w, http.StatusPaymentRequired, insufficientTokensResponse{
				Error:          "Insufficient tokens",
				CurrentBalance: insufficientErr.Balance,
				Cost:           insufficientErr.Cost,
				Shortfall:      insufficientErr.Cost - insufficientErr.Balance,
			})
			return
		}

		var limitedErr *app.RateLimitedError
		if errors.As(err, &limitedErr) {
			w.Header().Set("Retry-After", strconv.Itoa(limitedErr.RetryAfterSeconds))
			h.writeError(w, http.StatusTooManyRequests, "Too many deduction requests. Please slow down.")
			return
		}

		log.Printf("level=error component=api endpoint=deduct outcome=failed user_id=%s action=%s err=%v", userID, req.Action, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to process deduction")
		return
	}

	// Replays are successes too; the idempotent flag is what tells them apart.
	h.writeJSON(w, http.StatusCreated, deductResponse{
		Success:    true,
		NewBalance: result.NewBalance,
		Entry:      result.Entry,
		Idempotent: result.Idempotent,
	})
}

// HistoryHandler returns the user's ledger history, newest first.
func (h *LedgerHandlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "history")
	if !ok {
		return
	}

	opts := domain.HistoryOptions{Limit: h.defaultPageSize}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.writeError(w, http.StatusBadRequest, "Query parameter 'limit' must be a positive integer")
			return
		}
		if limit > h.maxPageSize {
			limit = h.maxPageSize
		}
		opts.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			h.writeError(w, http.StatusBadRequest, "Query parameter 'offset' must be a non-negative integer")
			return
		}
		opts.Offset = offset
	}

	entries, err := h.service.History(r.Context(), userID, opts)
	if err != nil {
		log.Printf("level=error component=api endpoint=history outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load history")
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}

	h.writeJSON(w, http.StatusOK, historyResponse{
		Entries: entries,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetSubscriptionHandler returns the user's subscription record.
func (h *LedgerHandlers) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "get_subscription")
	if !ok {
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=get_subscription outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load subscription")
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// ChangePlanHandler handles plan upgrade and downgrade requests.
func (h *LedgerHandlers) ChangePlanHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "change_plan")
	if !ok {
		return
	}

	var req domain.ChangePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=change_plan outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	transition, sub, err := h.service.ChangePlan(r.Context(), userID, req)
	if err != nil {
		if errors.Is(err, app.ErrUnknownPlan) {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown plan: %s", req.NewPlan))
			return
		}
		if errors.Is(err, app.ErrSamePlan) {
			h.writeError(w, http.StatusBadRequest, "Subscription is already on the requested plan")
			return
		}
		log.Printf("level=error component=api endpoint=change_plan outcome=failed user_id=%s new_plan=%s err=%v", userID, req.NewPlan, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to change plan")
		return
	}

	log.Printf("level=info component=api endpoint=change_plan outcome=accepted user_id=%s from_plan=%s to_plan=%s kind=%s", userID, transition.FromPlan, transition.ToPlan, transition.Kind)
	h.writeJSON(w, http.StatusOK, planChangeResponse{
		Transition:   transition,
		Subscription: sub,
	})
}

// CancelSubscriptionHandler marks the subscription to lapse at period end.
func (h *LedgerHandlers) CancelSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "cancel_subscription")
	if !ok {
		return
	}

	sub, err := h.service.CancelSubscription(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=cancel_subscription outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to cancel subscription")
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// ReactivateSubscriptionHandler clears a pending cancellation.
func (h *LedgerHandlers) ReactivateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r, "reactivate_subscription")
	if !ok {
		return
	}

	sub, err := h.service.ReactivateSubscription(r.Context(), userID)
	if err != nil {
		if errors.Is(err, app.ErrSubscriptionExpired) {
			h.writeError(w, http.StatusConflict, "Subscription period has already ended. Please choose a plan instead.")
			return
		}
		log.Printf("level=error component=api endpoint=reactivate_subscription outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to reactivate subscription")
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// InternalGrantHandler handles server-to-server token grants (purchases and
// admin adjustments). Authenticated by the internal API key middleware.
func (h *LedgerHandlers) InternalGrantHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=internal_grant outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	pool, created, err := h.service.Grant(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidGrant) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, store.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "User not found")
			return
		}
		log.Printf("level=error component=api endpoint=internal_grant outcome=failed user_id=%s source=%s err=%v", req.UserID, req.SourceType, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to process grant")
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	log.Printf("level=info component=api endpoint=internal_grant outcome=accepted user_id=%s source=%s amount=%d created=%t", req.UserID, req.SourceType, req.Amount, created)
	h.writeJSON(w, status, grantResponse{Pool: pool, Created: created})
}

func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
