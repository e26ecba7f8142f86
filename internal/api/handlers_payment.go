package api

import (
	"net/http"

	"github.com/rentflow/billing-service/internal/app"
	"github.com/rentflow/billing-service/internal/domain"
	"go.uber.org/zap"
)

// multipartOverhead leaves room for form boundaries and headers around the file part.
const multipartOverhead = 1 << 20

type proofUploadResponse struct {
	URL string `json:"url"`
}

type webhookResponse struct {
	Status    string `json:"status"`
	PaymentID int64  `json:"payment_id,omitempty"`
}

// UploadProofHandler stores a proof-of-payment attachment sent as the multipart field
// "file" and returns its URL for a later submission.
func (h *Handlers) UploadProofHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxProofSize+multipartOverhead)
	if err := r.ParseMultipartForm(app.MaxProofSize + multipartOverhead); err != nil {
		h.logger.Info("request rejected",
			zap.String("endpoint", "proof_upload"),
			zap.String("outcome", "reject"),
			zap.String("reason", "invalid_multipart"),
			zap.Error(err),
		)
		h.writeError(w, http.StatusBadRequest, "Invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "Validation failed",
			Fields: map[string]string{"file": "is required"},
		})
		return
	}
	defer file.Close()

	url, err := h.service.UploadProof(r.Context(), header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		h.writeServiceError(w, "proof_upload", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, proofUploadResponse{URL: url})
}

// SubmitPaymentHandler records a tenant's proof-of-payment submission as pending.
func (h *Handlers) SubmitPaymentHandler(w http.ResponseWriter, r *http.Request) {
	subject, _ := SubjectFromContext(r.Context())
	var req domain.SubmitPaymentRequest
	if !h.decode(w, r, "payment_submit", &req) {
		return
	}
	payment, err := h.service.SubmitPayment(r.Context(), subject, req)
	if err != nil {
		h.writeServiceError(w, "payment_submit", err)
		return
	}
	h.logger.Info("payment submitted",
		zap.String("endpoint", "payment_submit"),
		zap.String("outcome", "accepted"),
		zap.Int64("payment_id", payment.ID),
		zap.String("subject", subject),
	)
	h.writeJSON(w, http.StatusCreated, payment)
}

func (h *Handlers) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	payment, err := h.service.ConfirmPayment(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, "payment_confirm", err)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

func (h *Handlers) RejectPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.pathID(w, r, "paymentID")
	if !ok {
		return
	}
	var req domain.RejectPaymentRequest
	if !h.decode(w, r, "payment_reject", &req) {
		return
	}
	payment, err := h.service.RejectPayment(r.Context(), paymentID, req)
	if err != nil {
		h.writeServiceError(w, "payment_reject", err)
		return
	}
	h.writeJSON(w, http.StatusOK, payment)
}

// PaymentWebhookHandler receives invoice callbacks from the payment gateway. The callback
// token has already been checked by WebhookTokenMiddleware. Redeliveries answer 200 with
// status "ignored" so the gateway stops retrying.
func (h *Handlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var payload domain.PaymentWebhook
	if !h.decode(w, r, "payment_webhook", &payload) {
		return
	}
	outcome, payment, err := h.service.HandlePaymentWebhook(r.Context(), payload)
	if err != nil {
		h.writeServiceError(w, "payment_webhook", err)
		return
	}
	resp := webhookResponse{Status: string(outcome)}
	if payment != nil {
		resp.PaymentID = payment.ID
	}
	h.writeJSON(w, http.StatusOK, resp)
}
