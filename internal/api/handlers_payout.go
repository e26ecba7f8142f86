package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rentflow/billing-service/internal/domain"
	"go.uber.org/zap"
)

type disburseFailureResponse struct {
	Error  interface{}                `json:"error"`
	Result *domain.DisbursementResult `json:"result,omitempty"`
}

// DisburseHandler pays out the eligible payments among payment_ids, one payout per
// landlord. When some landlord groups were accepted before a failure, the partial result
// is returned next to the error.
func (h *Handlers) DisburseHandler(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())
	var req domain.DisburseRequest
	if !h.decode(w, r, "payout_disburse", &req) {
		return
	}

	result, err := h.service.Disburse(r.Context(), subject, req)
	if err != nil {
		if result == nil {
			h.writeServiceError(w, "payout_disburse", err)
			return
		}
		status, body := serviceErrorStatus(err)
		h.logger.Error("payout partially failed",
			zap.String("endpoint", "payout_disburse"),
			zap.String("outcome", "partial"),
			zap.Int("accepted", len(result.Payouts)),
			zap.Int("failed", len(result.Failed)),
			zap.Error(err),
		)
		h.writeJSON(w, status, disburseFailureResponse{Error: body, Result: result})
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ListPayoutsHandler returns a landlord's payout history, newest first.
func (h *Handlers) ListPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	landlordID, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("landlord_id")), 10, 64)
	if err != nil || landlordID <= 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "Validation failed",
			Fields: map[string]string{"landlord_id": "must be a positive integer"},
		})
		return
	}
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	history, err := h.service.ListPayouts(r.Context(), landlordID, limit)
	if err != nil {
		h.writeServiceError(w, "payout_list", err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

// PayoutWebhookHandler receives payout status callbacks from the payout gateway.
func (h *Handlers) PayoutWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.PayoutWebhook
	if !h.decode(w, r, "payout_webhook", &payload) {
		return
	}
	outcome, err := h.service.HandlePayoutWebhook(r.Context(), payload)
	if err != nil {
		h.writeServiceError(w, "payout_webhook", err)
		return
	}
	h.writeJSON(w, http.StatusOK, webhookResponse{Status: string(outcome)})
}
