package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentType classifies what a payment settles.
type PaymentType string

const (
	// PaymentTypeBilling settles a recurring monthly billing record.
	PaymentTypeBilling PaymentType = "billing"
	PaymentTypeAdvance PaymentType = "advance"
	PaymentTypeDeposit PaymentType = "deposit"
	// PaymentTypeInitial covers advance and deposit collected together at move-in.
	PaymentTypeInitial PaymentType = "initial"
)

// Valid reports whether t is a known payment type.
func (t PaymentType) Valid() bool {
	switch t {
	case PaymentTypeBilling, PaymentTypeAdvance, PaymentTypeDeposit, PaymentTypeInitial:
		return true
	}
	return false
}

// IsRecurring reports whether the payment settles a billing record.
func (t PaymentType) IsRecurring() bool {
	return t == PaymentTypeBilling
}

// PaymentStatus is the confirmation state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// PayoutStatus tracks whether a payment's net amount has been sent to the landlord.
type PayoutStatus string

const (
	PayoutUnpaid   PayoutStatus = "unpaid"
	PayoutInPayout PayoutStatus = "in_payout"
	PayoutPaid     PayoutStatus = "paid"
)

var (
	// PaymentTransitions lists the allowed payment_status moves.
	PaymentTransitions = map[PaymentStatus][]PaymentStatus{
		PaymentPending: {PaymentConfirmed, PaymentFailed},
	}
	// PayoutTransitions lists the allowed payout_status moves. They are one-directional.
	PayoutTransitions = map[PayoutStatus][]PayoutStatus{
		PayoutUnpaid:   {PayoutInPayout},
		PayoutInPayout: {PayoutPaid},
	}
)

// PaymentSource records who created the payment row.
type PaymentSource string

const (
	SourceTenant  PaymentSource = "tenant"
	SourceGateway PaymentSource = "gateway"
)

// Lease is the agreement a payment is made against.
type Lease struct {
	ID         int64  `json:"id"`
	UnitID     int64  `json:"unit_id"`
	TenantID   int64  `json:"tenant_id"`
	LandlordID int64  `json:"landlord_id"`
	Status     string `json:"status"`
}

// Payment is a tenant payment against a lease. ReceiptReference is globally unique.
type Payment struct {
	ID               int64           `json:"id"`
	AgreementID      int64           `json:"agreement_id"`
	BillingID        *int64          `json:"billing_id,omitempty"`
	PaymentType      PaymentType     `json:"payment_type"`
	Source           PaymentSource   `json:"source"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	GrossAmount      decimal.Decimal `json:"gross_amount"`
	GatewayFee       decimal.Decimal `json:"gateway_fee"`
	NetAmount        decimal.Decimal `json:"net_amount"`
	PaymentMethod    string          `json:"payment_method"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	PayoutStatus     PayoutStatus    `json:"payout_status"`
	ReceiptReference string          `json:"receipt_reference"`
	ProofURL         *string         `json:"proof_url,omitempty"`
	RejectionReason  *string         `json:"rejection_reason,omitempty"`
	PaidAt           time.Time       `json:"paid_at"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NetAmount is gross minus the gateway fee, rounded to centavos.
func NetAmount(gross, fee decimal.Decimal) decimal.Decimal {
	return RoundMoney(gross.Sub(fee))
}

// SubmitPaymentRequest is the DTO for a tenant proof-of-payment submission.
type SubmitPaymentRequest struct {
	AgreementID     int64       `json:"agreement_id"`
	BillingID       *int64      `json:"billing_id,omitempty"`
	PaymentType     PaymentType `json:"payment_type"`
	Amount          NumberField `json:"amount"`
	PaymentMethod   string      `json:"payment_method"`
	ReferenceNumber string      `json:"reference_number"`
	ProofURL        string      `json:"proof_url"`
}

// Validate reports field-level problems.
func (r SubmitPaymentRequest) Validate() error {
	v := &ValidationError{}
	if r.AgreementID <= 0 {
		v.Add("agreement_id", "is required")
	}
	if !r.PaymentType.Valid() {
		v.Add("payment_type", "must be one of billing, advance, deposit, initial")
	}
	if r.PaymentType.IsRecurring() && (r.BillingID == nil || *r.BillingID <= 0) {
		v.Add("billing_id", "is required for billing payments")
	}
	if !r.Amount.Valid {
		v.Add("amount", "must be a number")
	} else if !r.Amount.Value.IsPositive() {
		v.Add("amount", "must be greater than zero")
	}
	if strings.TrimSpace(r.PaymentMethod) == "" {
		v.Add("payment_method", "is required")
	}
	return v.Err()
}

// RejectPaymentRequest is the DTO for a landlord rejecting a submitted payment.
type RejectPaymentRequest struct {
	Reason string `json:"reason"`
}

// PaymentWebhookFee is one fee line reported by the payment gateway.
type PaymentWebhookFee struct {
	Type  string      `json:"type"`
	Value NumberField `json:"value"`
}

// PaymentWebhook is the invoice callback payload sent by the payment gateway.
type PaymentWebhook struct {
	ID            string              `json:"id"`
	ExternalID    string              `json:"external_id"`
	Status        string              `json:"status"`
	Amount        NumberField         `json:"amount"`
	PaidAmount    NumberField         `json:"paid_amount"`
	PaymentMethod string              `json:"payment_method"`
	PaidAt        *time.Time          `json:"paid_at,omitempty"`
	Fees          []PaymentWebhookFee `json:"fees"`
}

// WebhookStatusPaid is the only gateway status that records a payment.
const WebhookStatusPaid = "PAID"

// Validate rejects payloads that cannot be recorded. Non-PAID statuses only need an external id.
func (w PaymentWebhook) Validate() error {
	v := &ValidationError{}
	if strings.TrimSpace(w.ExternalID) == "" {
		v.Add("external_id", "is required")
	}
	if strings.TrimSpace(w.Status) == "" {
		v.Add("status", "is required")
	}
	if w.Status != WebhookStatusPaid {
		return v.Err()
	}
	if strings.TrimSpace(w.ID) == "" {
		v.Add("id", "is required")
	}
	if !w.GrossAmount().IsPositive() {
		v.Add("amount", "must be a positive number")
	}
	for i, fee := range w.Fees {
		if !fee.Value.Valid || fee.Value.Value.IsNegative() {
			v.Add("fees["+strconv.Itoa(i)+"].value", "must be a non-negative number")
		}
	}
	if _, err := ParseExternalID(w.ExternalID); err != nil {
		v.Add("external_id", err.Error())
	}
	return v.Err()
}

// GrossAmount prefers paid_amount over the invoiced amount.
func (w PaymentWebhook) GrossAmount() decimal.Decimal {
	if w.PaidAmount.Valid {
		return w.PaidAmount.Value
	}
	return w.Amount.Or(decimal.Zero)
}

// TotalFees sums the reported fee lines.
func (w PaymentWebhook) TotalFees() decimal.Decimal {
	total := decimal.Zero
	for _, fee := range w.Fees {
		total = total.Add(NonNegative(fee.Value.Or(decimal.Zero)))
	}
	return RoundMoney(total)
}

// ExternalReference is the decoded invoice external_id.
type ExternalReference struct {
	PaymentType PaymentType
	AgreementID int64
	BillingID   *int64
}

// ParseExternalID decodes "billing-{agreementID}-{billingID}-{nonce}" and
// "initial-{agreementID}-{nonce}" invoice references.
func ParseExternalID(externalID string) (ExternalReference, error) {
	parts := strings.Split(strings.TrimSpace(externalID), "-")
	parseID := func(s string) (int64, bool) {
		id, err := strconv.ParseInt(s, 10, 64)
		return id, err == nil && id > 0
	}

	switch {
	case len(parts) >= 4 && parts[0] == "billing":
		agreementID, ok := parseID(parts[1])
		if !ok {
			return ExternalReference{}, ErrBadRequest.New("invalid agreement id in external_id")
		}
		billingID, ok := parseID(parts[2])
		if !ok {
			return ExternalReference{}, ErrBadRequest.New("invalid billing id in external_id")
		}
		return ExternalReference{PaymentType: PaymentTypeBilling, AgreementID: agreementID, BillingID: &billingID}, nil
	case len(parts) >= 3 && parts[0] == "initial":
		agreementID, ok := parseID(parts[1])
		if !ok {
			return ExternalReference{}, ErrBadRequest.New("invalid agreement id in external_id")
		}
		return ExternalReference{PaymentType: PaymentTypeInitial, AgreementID: agreementID}, nil
	}
	return ExternalReference{}, ErrBadRequest.New("unrecognized external_id format")
}
