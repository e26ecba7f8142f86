package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MinimumPayout is the default per-landlord payout floor in pesos.
var MinimumPayout = decimal.NewFromInt(50)

// PayoutAccount is a landlord's disbursement destination.
type PayoutAccount struct {
	ID                int64  `json:"id"`
	LandlordID        int64  `json:"landlord_id"`
	ChannelCode       string `json:"channel_code"`
	AccountHolderName string `json:"account_holder_name"`
	AccountNumber     string `json:"account_number"`
	IsActive          bool   `json:"is_active"`
	ChannelAvailable  bool   `json:"channel_available"`
}

// PayoutCandidate is an eligible payment joined to its landlord's payout destination.
type PayoutCandidate struct {
	PaymentID         int64           `json:"payment_id"`
	LandlordID        int64           `json:"landlord_id"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	PayoutAccountID   int64           `json:"payout_account_id"`
	ChannelCode       string          `json:"channel_code"`
	AccountHolderName string          `json:"account_holder_name"`
	AccountNumber     string          `json:"account_number"`
}

// PayoutBatch groups one landlord's candidates for a single disbursement call.
type PayoutBatch struct {
	LandlordID        int64           `json:"landlord_id"`
	PaymentIDs        []int64         `json:"payment_ids"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	ExternalID        string          `json:"external_id"`
	ChannelCode       string          `json:"channel_code"`
	AccountHolderName string          `json:"account_holder_name"`
	AccountNumber     string          `json:"account_number"`
}

// PayoutExternalID builds the idempotency key sent to the payout gateway.
func PayoutExternalID(at time.Time, landlordID int64) string {
	return fmt.Sprintf("payout-%d-%d", at.UnixMilli(), landlordID)
}

// PayoutHistoryStatus mirrors the gateway's payout lifecycle.
type PayoutHistoryStatus string

const (
	PayoutHistoryAccepted  PayoutHistoryStatus = "ACCEPTED"
	PayoutHistorySucceeded PayoutHistoryStatus = "SUCCEEDED"
	PayoutHistoryFailed    PayoutHistoryStatus = "FAILED"
)

// PayoutHistory is the persisted record of one accepted disbursement.
type PayoutHistory struct {
	ID              int64               `json:"id"`
	LandlordID      int64               `json:"landlord_id"`
	Amount          decimal.Decimal     `json:"amount"`
	PaymentIDs      []int64             `json:"payment_ids"`
	ChannelCode     string              `json:"channel_code"`
	ExternalID      string              `json:"external_id"`
	GatewayPayoutID string              `json:"gateway_payout_id"`
	Status          PayoutHistoryStatus `json:"status"`
	FailureReason   *string             `json:"failure_reason,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// PayoutAttemptStatus tracks whether a reserved idempotency key is still in flight.
type PayoutAttemptStatus string

const (
	PayoutAttemptOpen     PayoutAttemptStatus = "open"
	PayoutAttemptRecorded PayoutAttemptStatus = "recorded"
	PayoutAttemptRejected PayoutAttemptStatus = "rejected"
)

// PayoutAttempt reserves the idempotency key of one landlord batch before the gateway is
// called. While it is open every retry of the batch reuses ExternalID, so a payout the
// gateway accepted but we never recorded cannot be sent twice.
type PayoutAttempt struct {
	ID         int64               `json:"id"`
	LandlordID int64               `json:"landlord_id"`
	ExternalID string              `json:"external_id"`
	Amount     decimal.Decimal     `json:"amount"`
	PaymentIDs []int64             `json:"payment_ids"`
	Status     PayoutAttemptStatus `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Covers reports whether the attempt was opened for exactly this batch.
func (a PayoutAttempt) Covers(batch PayoutBatch) bool {
	if a.LandlordID != batch.LandlordID || !a.Amount.Equal(batch.TotalAmount) || len(a.PaymentIDs) != len(batch.PaymentIDs) {
		return false
	}
	want := make(map[int64]bool, len(a.PaymentIDs))
	for _, id := range a.PaymentIDs {
		want[id] = true
	}
	for _, id := range batch.PaymentIDs {
		if !want[id] {
			return false
		}
	}
	return true
}

// PayoutFailure reports a landlord group whose gateway call failed.
type PayoutFailure struct {
	LandlordID  int64           `json:"landlord_id"`
	PaymentIDs  []int64         `json:"payment_ids"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Error       string          `json:"error"`
}

// DisbursementResult summarizes one Disburse invocation.
type DisbursementResult struct {
	Payouts     []PayoutHistory `json:"payouts"`
	Failed      []PayoutFailure `json:"failed,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// DisburseRequest is the DTO for requesting a payout of specific payments.
type DisburseRequest struct {
	PaymentIDs []int64 `json:"payment_ids"`
}

// Validate reports field-level problems.
func (r DisburseRequest) Validate() error {
	if len(r.PaymentIDs) == 0 {
		return NewValidationError("payment_ids", "must contain at least one payment id")
	}
	for _, id := range r.PaymentIDs {
		if id <= 0 {
			return NewValidationError("payment_ids", "must contain positive ids")
		}
	}
	return nil
}

// PayoutWebhookData is the payout object inside a gateway callback.
type PayoutWebhookData struct {
	ID          string `json:"id"`
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	FailureCode string `json:"failure_code"`
}

// PayoutWebhook is the payout status callback payload.
type PayoutWebhook struct {
	Event string            `json:"event"`
	Data  PayoutWebhookData `json:"data"`
}

// Validate rejects payloads that cannot be matched to a payout.
func (w PayoutWebhook) Validate() error {
	v := &ValidationError{}
	if strings.TrimSpace(w.Data.ReferenceID) == "" && strings.TrimSpace(w.Data.ID) == "" {
		v.Add("data.reference_id", "is required")
	}
	if strings.TrimSpace(w.Data.Status) == "" {
		v.Add("data.status", "is required")
	}
	return v.Err()
}

// HistoryStatus maps the gateway status onto PayoutHistoryStatus. Intermediate
// statuses return false.
func (w PayoutWebhook) HistoryStatus() (PayoutHistoryStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(w.Data.Status)) {
	case string(PayoutHistorySucceeded):
		return PayoutHistorySucceeded, true
	case string(PayoutHistoryFailed):
		return PayoutHistoryFailed, true
	}
	return "", false
}
