package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rentflow/billing-service/internal/app"
	"github.com/rentflow/billing-service/internal/domain"
	"go.uber.org/zap"
)

// UtilityRatesHandler returns the water and electricity rates derived from a property's
// latest utility statements.
func (h *Handlers) UtilityRatesHandler(w http.ResponseWriter, r *http.Request) {
	propertyID, ok := h.pathID(w, r, "propertyID")
	if !ok {
		return
	}
	rates, err := h.service.UtilityRates(r.Context(), propertyID)
	if err != nil {
		h.writeServiceError(w, "utility_rates", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rates)
}

// PreviewBillingHandler runs the calculator without touching storage.
func (h *Handlers) PreviewBillingHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.BillingPreviewRequest
	if !h.decode(w, r, "billing_preview", &req) {
		return
	}
	h.writeJSON(w, http.StatusOK, app.PreviewBill(req))
}

// UpsertBillingHandler creates or corrects the unit's bill for a period. A new record
// answers 201, an update 200.
func (h *Handlers) UpsertBillingHandler(w http.ResponseWriter, r *http.Request) {
	unitID, ok := h.pathID(w, r, "unitID")
	if !ok {
		return
	}
	var req domain.UpsertBillingRequest
	if !h.decode(w, r, "billing_upsert", &req) {
		return
	}

	record, created, err := h.service.UpsertBilling(r.Context(), unitID, chi.URLParam(r, "period"), req)
	if err != nil {
		h.writeServiceError(w, "billing_upsert", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, record)
}

func (h *Handlers) GetBillingHandler(w http.ResponseWriter, r *http.Request) {
	unitID, ok := h.pathID(w, r, "unitID")
	if !ok {
		return
	}
	record, err := h.service.GetBilling(r.Context(), unitID, chi.URLParam(r, "period"))
	if err != nil {
		h.writeServiceError(w, "billing_get", err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

func (h *Handlers) AddChargeHandler(w http.ResponseWriter, r *http.Request) {
	unitID, ok := h.pathID(w, r, "unitID")
	if !ok {
		return
	}
	var req domain.AddChargeRequest
	if !h.decode(w, r, "charge_add", &req) {
		return
	}
	charge, err := h.service.AddCharge(r.Context(), unitID, chi.URLParam(r, "period"), req)
	if err != nil {
		h.writeServiceError(w, "charge_add", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, charge)
}

func (h *Handlers) DeleteChargeHandler(w http.ResponseWriter, r *http.Request) {
	chargeID, ok := h.pathID(w, r, "chargeID")
	if !ok {
		return
	}
	if err := h.service.DeleteCharge(r.Context(), chargeID); err != nil {
		h.writeServiceError(w, "charge_delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdatePDCStatusHandler moves a post-dated check to a new status and recomputes the
// affected bill.
func (h *Handlers) UpdatePDCStatusHandler(w http.ResponseWriter, r *http.Request) {
	pdcID, ok := h.pathID(w, r, "pdcID")
	if !ok {
		return
	}
	var req domain.UpdatePDCStatusRequest
	if !h.decode(w, r, "pdc_status", &req) {
		return
	}
	pdc, err := h.service.UpdatePDCStatus(r.Context(), pdcID, req)
	if err != nil {
		h.writeServiceError(w, "pdc_status", err)
		return
	}
	h.logger.Info("pdc status updated",
		zap.String("endpoint", "pdc_status"),
		zap.Int64("pdc_id", pdc.ID),
		zap.String("status", string(pdc.Status)),
	)
	h.writeJSON(w, http.StatusOK, pdc)
}
