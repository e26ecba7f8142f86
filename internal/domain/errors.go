/**
 * @description
 * Error taxonomy shared by the store, app and api layers. Error classes come from
 * zeebo/errs so any layer can wrap a cause and the api layer can still classify it.
 * Errors that carry data for the caller (field problems, payout amounts, gateway
 * bodies) are concrete types matched with errors.As.
 */

package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"
)

var (
	ErrValidation   = errs.Class("validation")
	ErrNotFound     = errs.Class("not found")
	ErrDuplicate    = errs.Class("duplicate")
	ErrConflict     = errs.Class("conflict")
	ErrUnauthorized = errs.Class("unauthorized")
	ErrBadRequest   = errs.Class("bad request")
	ErrRateLimited  = errs.Class("rate limited")

	// ErrNoEligiblePayments means none of the requested payments is confirmed, unpaid
	// and owned by a landlord with an active payout account.
	ErrNoEligiblePayments = errors.New("no eligible payments for payout")
)

// ValidationError collects field-level problems for a request. It never reaches storage.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

// NewValidationError returns a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, reason)
	return v
}

// Add records a problem for field. The first reason recorded for a field wins.
func (v *ValidationError) Add(field, reason string) {
	if v.Fields == nil {
		v.Fields = make(map[string]string)
	}
	if _, exists := v.Fields[field]; !exists {
		v.Fields[field] = reason
	}
}

// Err returns nil when no field problem was recorded.
func (v *ValidationError) Err() error {
	if v == nil || len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	keys := make([]string, 0, len(v.Fields))
	for k := range v.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, v.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// BelowMinimumPayoutError rejects a disbursement whose landlord group totals less than the floor.
type BelowMinimumPayoutError struct {
	LandlordID int64
	Amount     decimal.Decimal
	Minimum    decimal.Decimal
}

func (e *BelowMinimumPayoutError) Error() string {
	return fmt.Sprintf("payout of %s for landlord %d is below the minimum payout of %s",
		e.Amount.StringFixed(2), e.LandlordID, e.Minimum.StringFixed(2))
}

// GatewayError reports a failed or timed-out call to the payout or payment processor.
// Body is the upstream error body, kept for operator diagnosis.
type GatewayError struct {
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s failed with status %d: %s", e.Operation, e.StatusCode, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("gateway %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("gateway %s failed", e.Operation)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
