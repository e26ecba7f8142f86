package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestParsePeriod(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    Period
		wantErr bool
	}{
		{name: "month", raw: "2024-03", want: "2024-03"},
		{name: "surrounding space", raw: " 2024-12 ", want: "2024-12"},
		{name: "full date", raw: "2024-03-01", wantErr: true},
		{name: "month out of range", raw: "2024-13", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePeriod(tc.raw)
			if tc.wantErr {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				assert.Contains(t, verr.Fields, "period")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPeriodBounds(t *testing.T) {
	p := Period("2024-12")
	assert.Equal(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), p.Start())
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), p.End())
	assert.Equal(t, p, PeriodOf(time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)))
}

func TestNumberFieldUnmarshal(t *testing.T) {
	var payload struct {
		A NumberField `json:"a"`
		B NumberField `json:"b"`
		C NumberField `json:"c"`
		D NumberField `json:"d"`
		E NumberField `json:"e"`
	}
	err := json.Unmarshal([]byte(`{"a": 12.5, "b": "7", "c": "abc", "d": null, "e": true}`), &payload)
	require.NoError(t, err)

	assert.True(t, payload.A.Valid)
	assert.True(t, payload.A.Value.Equal(dec("12.5")))
	assert.True(t, payload.B.Valid)
	assert.True(t, payload.B.Value.Equal(dec("7")))
	assert.True(t, payload.C.Invalid())
	assert.False(t, payload.D.Valid)
	assert.False(t, payload.D.Invalid())
	assert.True(t, payload.E.Invalid())
	assert.Nil(t, payload.C.Ptr())
	assert.True(t, payload.C.Or(dec("3")).Equal(dec("3")))
}

func TestMeterReadingUsage(t *testing.T) {
	cases := []struct {
		name    string
		reading MeterReading
		want    string
	}{
		{name: "forward", reading: MeterReading{Previous: decPtr("100"), Current: decPtr("125.5")}, want: "25.5"},
		{name: "meter rollback", reading: MeterReading{Previous: decPtr("500"), Current: decPtr("20")}, want: "0"},
		{name: "missing previous", reading: MeterReading{Current: decPtr("20")}, want: "0"},
		{name: "missing current", reading: MeterReading{Previous: decPtr("20")}, want: "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.reading.Usage().Equal(dec(tc.want)), "got %s", tc.reading.Usage())
		})
	}
}

func TestUpsertBillingRequestValidate(t *testing.T) {
	var req UpsertBillingRequest
	err := json.Unmarshal([]byte(`{
		"water": {"previous": "ten", "current": 20},
		"rent_amount": -1,
		"charges": [{"category": "bonus", "amount": 5}, {"category": "discount", "amount": -3}]
	}`), &req)
	require.NoError(t, err)

	var verr *ValidationError
	require.True(t, errors.As(req.Validate(), &verr))
	assert.Equal(t, "must be a number", verr.Fields["water.previous"])
	assert.Equal(t, "must not be negative", verr.Fields["rent_amount"])
	assert.Contains(t, verr.Fields, "charges[0].category")
	assert.Contains(t, verr.Fields, "charges[1].amount")

	ok := UpsertBillingRequest{RentAmount: Number(dec("10000"))}
	assert.NoError(t, ok.Validate())
}

func TestUpsertBillingRequestRejectsRepeatedChargeID(t *testing.T) {
	var req UpsertBillingRequest
	err := json.Unmarshal([]byte(`{
		"charges": [
			{"id": 7, "category": "additional", "amount": 300},
			{"id": 7, "category": "additional", "amount": 300},
			{"category": "additional", "amount": 50}
		]
	}`), &req)
	require.NoError(t, err)

	var verr *ValidationError
	require.True(t, errors.As(req.Validate(), &verr))
	assert.Equal(t, "duplicates an earlier charge", verr.Fields["charges[1].id"])
	assert.NotContains(t, verr.Fields, "charges[0].id")
	assert.NotContains(t, verr.Fields, "charges[2].id")
}

func TestParseExternalID(t *testing.T) {
	ref, err := ParseExternalID("billing-12-34-1700000000")
	require.NoError(t, err)
	assert.Equal(t, PaymentTypeBilling, ref.PaymentType)
	assert.Equal(t, int64(12), ref.AgreementID)
	require.NotNil(t, ref.BillingID)
	assert.Equal(t, int64(34), *ref.BillingID)

	ref, err = ParseExternalID("initial-9-abc")
	require.NoError(t, err)
	assert.Equal(t, PaymentTypeInitial, ref.PaymentType)
	assert.Nil(t, ref.BillingID)

	for _, bad := range []string{"", "billing-x-1-2", "billing-1-2", "initial-0-1", "refund-1-2-3"} {
		_, err := ParseExternalID(bad)
		assert.True(t, ErrBadRequest.Has(err), "expected bad request for %q", bad)
	}
}

func TestPaymentWebhookValidate(t *testing.T) {
	paid := PaymentWebhook{
		ID:         "inv_1",
		ExternalID: "billing-1-2-abc",
		Status:     WebhookStatusPaid,
		Amount:     Number(dec("1000")),
		Fees:       []PaymentWebhookFee{{Type: "ADMIN", Value: Number(dec("15.5"))}, {Type: "VAT", Value: Number(dec("1.86"))}},
	}
	require.NoError(t, paid.Validate())
	assert.True(t, paid.TotalFees().Equal(dec("17.36")))
	assert.True(t, paid.GrossAmount().Equal(dec("1000")))

	paid.PaidAmount = Number(dec("990"))
	assert.True(t, paid.GrossAmount().Equal(dec("990")))

	missingAmount := paid
	missingAmount.Amount = NumberField{}
	missingAmount.PaidAmount = NumberField{}
	assert.Error(t, missingAmount.Validate())

	expired := PaymentWebhook{ExternalID: "billing-1-2-abc", Status: "EXPIRED"}
	assert.NoError(t, expired.Validate())

	empty := PaymentWebhook{}
	var verr *ValidationError
	require.True(t, errors.As(empty.Validate(), &verr))
	assert.Contains(t, verr.Fields, "external_id")
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(PaymentTransitions, PaymentPending, PaymentConfirmed))
	assert.NoError(t, ValidateTransition(PaymentTransitions, PaymentPending, PaymentFailed))
	assert.True(t, ErrConflict.Has(ValidateTransition(PaymentTransitions, PaymentConfirmed, PaymentFailed)))
	assert.True(t, ErrConflict.Has(ValidateTransition(PaymentTransitions, PaymentConfirmed, PaymentConfirmed)))

	assert.NoError(t, ValidateTransition(PayoutTransitions, PayoutUnpaid, PayoutInPayout))
	assert.True(t, ErrConflict.Has(ValidateTransition(PayoutTransitions, PayoutInPayout, PayoutUnpaid)))
	assert.True(t, ErrConflict.Has(ValidateTransition(PayoutTransitions, PayoutUnpaid, PayoutPaid)))

	assert.NoError(t, ValidateTransition(PDCTransitions, PDCBounced, PDCReplaced))
	assert.True(t, ErrConflict.Has(ValidateTransition(PDCTransitions, PDCCleared, PDCBounced)))
}

func TestPayoutExternalID(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	assert.Equal(t, "payout-1700000000123-42", PayoutExternalID(at, 42))
}

func TestPayoutWebhookHistoryStatus(t *testing.T) {
	w := PayoutWebhook{Data: PayoutWebhookData{ReferenceID: "payout-1-2", Status: "succeeded"}}
	status, ok := w.HistoryStatus()
	require.True(t, ok)
	assert.Equal(t, PayoutHistorySucceeded, status)

	w.Data.Status = "PENDING"
	_, ok = w.HistoryStatus()
	assert.False(t, ok)
}

func TestDisburseRequestValidate(t *testing.T) {
	assert.Error(t, DisburseRequest{}.Validate())
	assert.Error(t, DisburseRequest{PaymentIDs: []int64{1, 0}}.Validate())
	assert.NoError(t, DisburseRequest{PaymentIDs: []int64{101, 102}}.Validate())
}

func TestPayoutAttemptCovers(t *testing.T) {
	attempt := PayoutAttempt{LandlordID: 501, Amount: dec("1500.00"), PaymentIDs: []int64{3, 9}}

	assert.True(t, attempt.Covers(PayoutBatch{LandlordID: 501, TotalAmount: dec("1500"), PaymentIDs: []int64{9, 3}}))
	assert.False(t, attempt.Covers(PayoutBatch{LandlordID: 502, TotalAmount: dec("1500"), PaymentIDs: []int64{3, 9}}))
	assert.False(t, attempt.Covers(PayoutBatch{LandlordID: 501, TotalAmount: dec("1499.99"), PaymentIDs: []int64{3, 9}}))
	assert.False(t, attempt.Covers(PayoutBatch{LandlordID: 501, TotalAmount: dec("1500"), PaymentIDs: []int64{3}}))
	assert.False(t, attempt.Covers(PayoutBatch{LandlordID: 501, TotalAmount: dec("1500"), PaymentIDs: []int64{3, 10}}))
}
