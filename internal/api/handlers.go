/**
 * @description
 * HTTP handlers for the billing-service. Handlers decode requests, call the application
 * service and translate its error taxonomy into status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - go.uber.org/zap: request outcome logging.
 * - internal/app, internal/domain: service logic and error classes.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rentflow/billing-service/internal/app"
	"github.com/rentflow/billing-service/internal/domain"
	"go.uber.org/zap"
)

// Handlers holds the application service that handlers will use.
type Handlers struct {
	service *app.Service
	logger  *zap.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service *app.Service, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{service: service, logger: logger.Named("api")}
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type belowMinimumResponse struct {
	Error      string `json:"error"`
	LandlordID int64  `json:"landlord_id"`
	Amount     string `json:"amount"`
	Minimum    string `json:"minimum"`
}

type gatewayErrorResponse struct {
	Error         string `json:"error"`
	GatewayStatus int    `json:"gateway_status,omitempty"`
	GatewayBody   string `json:"gateway_body,omitempty"`
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Warn("failed to encode response", zap.Error(err))
		}
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

// serviceErrorStatus maps a service error onto a status code and response body.
func serviceErrorStatus(err error) (int, interface{}) {
	var validation *domain.ValidationError
	var below *domain.BelowMinimumPayoutError
	var gateway *domain.GatewayError

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorResponse{Error: "Validation failed", Fields: validation.Fields}
	case errors.As(err, &below):
		return http.StatusBadRequest, belowMinimumResponse{
			Error:      below.Error(),
			LandlordID: below.LandlordID,
			Amount:     below.Amount.StringFixed(2),
			Minimum:    below.Minimum.StringFixed(2),
		}
	case errors.Is(err, domain.ErrNoEligiblePayments),
		domain.ErrValidation.Has(err),
		domain.ErrBadRequest.Has(err):
		return http.StatusBadRequest, errorResponse{Error: errorMessage(err)}
	case domain.ErrUnauthorized.Has(err):
		return http.StatusUnauthorized, errorResponse{Error: "Unauthorized"}
	case domain.ErrNotFound.Has(err):
		return http.StatusNotFound, errorResponse{Error: errorMessage(err)}
	case domain.ErrDuplicate.Has(err), domain.ErrConflict.Has(err):
		return http.StatusConflict, errorResponse{Error: errorMessage(err)}
	case domain.ErrRateLimited.Has(err):
		return http.StatusTooManyRequests, errorResponse{Error: errorMessage(err)}
	case errors.As(err, &gateway):
		return http.StatusInternalServerError, gatewayErrorResponse{
			Error:         "Payment gateway request failed",
			GatewayStatus: gateway.StatusCode,
			GatewayBody:   gateway.Body,
		}
	}
	return http.StatusInternalServerError, errorResponse{Error: "Internal server error"}
}

// errorMessage strips error class prefixes and wrapping context down to the innermost message.
func errorMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status, body := serviceErrorStatus(err)
	fields := []zap.Field{zap.String("endpoint", endpoint), zap.Int("status", status), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", append(fields, zap.String("outcome", "failed"))...)
	} else {
		h.logger.Info("request rejected", append(fields, zap.String("outcome", "reject"))...)
	}
	h.writeJSON(w, status, body)
}

// maxJSONBodyBytes bounds every JSON request body, webhooks included.
const maxJSONBodyBytes = 1 << 20

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		reason := "invalid_json"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reason = "body_too_large"
		}
		h.logger.Info("request rejected",
			zap.String("endpoint", endpoint),
			zap.String("outcome", "reject"),
			zap.String("reason", reason),
			zap.Error(err),
		)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// pathID reads a positive integer URL parameter.
func (h *Handlers) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "Validation failed",
			Fields: map[string]string{name: "must be a positive integer"},
		})
		return 0, false
	}
	return id, true
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return value, nil
}
