/**
 * @description
 * This file defines the data access contract for the billing-service. Queries holds
 * every statement the service runs; Repository adds InTx, which hands the callback a
 * Queries bound to a single database transaction. Business logic receives the
 * Repository by injection and never reaches a global connection handle.
 *
 * @dependencies
 * - internal/domain: domain models returned by the queries.
 * - github.com/google/uuid: outbox row identifiers.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rentflow/billing-service/internal/domain"
)

var (
	ErrPropertyNotFound      = domain.ErrNotFound.New("property not found")
	ErrUnitNotFound          = domain.ErrNotFound.New("unit not found")
	ErrLeaseNotFound         = domain.ErrNotFound.New("lease not found")
	ErrStatementNotFound     = domain.ErrNotFound.New("utility statement not found")
	ErrPDCNotFound           = domain.ErrNotFound.New("post-dated check not found")
	ErrBillingNotFound       = domain.ErrNotFound.New("billing record not found")
	ErrChargeNotFound        = domain.ErrNotFound.New("charge not found")
	ErrPaymentNotFound       = domain.ErrNotFound.New("payment not found")
	ErrPayoutHistoryNotFound = domain.ErrNotFound.New("payout history not found")
	ErrPayoutAttemptNotFound = domain.ErrNotFound.New("payout attempt not found")

	ErrDuplicatePayment = domain.ErrDuplicate.New("payment with this receipt reference already exists")
	ErrBillingSettled   = domain.ErrConflict.New("billing record is already paid")
)

// Queries is the set of statements available both on the pool and inside a transaction.
type Queries interface {
	// Property, unit and lease lookups
	FindProperty(ctx context.Context, propertyID int64) (*domain.Property, error)
	FindUnit(ctx context.Context, unitID int64) (*domain.Unit, error)
	FindLease(ctx context.Context, leaseID int64) (*domain.Lease, error)
	LatestUtilityStatement(ctx context.Context, propertyID int64, utility domain.Utility) (*domain.UtilityStatement, error)

	// Post-dated check methods
	LockPDC(ctx context.Context, pdcID int64) (*domain.PostDatedCheck, error)
	// FindPDCForBilling returns the check linked to billingID, or else the lease's check due within period.
	FindPDCForBilling(ctx context.Context, leaseID int64, period domain.Period, billingID *int64) (*domain.PostDatedCheck, error)
	UpdatePDCStatus(ctx context.Context, pdcID int64, status domain.PDCStatus) (*domain.PostDatedCheck, error)
	LinkPDCToBilling(ctx context.Context, pdcID int64, billingID int64) error

	// Billing record methods
	FindBilling(ctx context.Context, unitID int64, period domain.Period) (*domain.BillingRecord, error)
	// LockBilling serializes writers of (unitID, period) until the transaction ends, whether
	// or not a record exists yet, and returns the record when there is one.
	LockBilling(ctx context.Context, unitID int64, period domain.Period) (*domain.BillingRecord, error)
	LockBillingByID(ctx context.Context, billingID int64) (*domain.BillingRecord, error)
	// UpsertBilling inserts or updates the record for (UnitID, Period), filling ID and
	// timestamps. It returns ErrBillingSettled instead of touching a paid record.
	UpsertBilling(ctx context.Context, record *domain.BillingRecord) (created bool, err error)
	UpdateBillingStatus(ctx context.Context, billingID int64, status domain.BillingStatus) error

	// Charge methods
	ListCharges(ctx context.Context, unitID int64, period domain.Period) ([]domain.Charge, error)
	FindCharge(ctx context.Context, chargeID int64) (*domain.Charge, error)
	InsertCharge(ctx context.Context, charge *domain.Charge) error
	UpdateCharge(ctx context.Context, charge *domain.Charge) error
	DeleteCharge(ctx context.Context, chargeID int64) error

	// Payment methods
	// InsertPayment returns ErrDuplicatePayment when the receipt reference is taken.
	InsertPayment(ctx context.Context, payment *domain.Payment) error
	FindPayment(ctx context.Context, paymentID int64) (*domain.Payment, error)
	LockPayment(ctx context.Context, paymentID int64) (*domain.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status domain.PaymentStatus, rejectionReason *string) error
	// ListPayoutCandidates filters paymentIDs down to confirmed, unpaid payments whose
	// landlord has an active payout account on an available channel.
	ListPayoutCandidates(ctx context.Context, paymentIDs []int64) ([]domain.PayoutCandidate, error)
	// MarkPaymentsInPayout moves unpaid payments to in_payout and returns how many moved.
	MarkPaymentsInPayout(ctx context.Context, paymentIDs []int64) (int64, error)
	// MarkPaymentsPaidOut moves in_payout payments to paid and returns how many moved.
	MarkPaymentsPaidOut(ctx context.Context, paymentIDs []int64) (int64, error)

	// Payout history methods
	InsertPayoutHistory(ctx context.Context, history *domain.PayoutHistory) error
	LockPayoutHistory(ctx context.Context, externalID string, gatewayPayoutID string) (*domain.PayoutHistory, error)
	UpdatePayoutHistoryStatus(ctx context.Context, historyID int64, status domain.PayoutHistoryStatus, failureReason *string) error
	ListPayoutHistory(ctx context.Context, landlordID int64, limit int) ([]domain.PayoutHistory, error)

	// Payout attempt methods
	// InsertPayoutAttempt returns a duplicate error when the landlord already has an open attempt.
	InsertPayoutAttempt(ctx context.Context, attempt *domain.PayoutAttempt) error
	FindOpenPayoutAttempt(ctx context.Context, landlordID int64) (*domain.PayoutAttempt, error)
	ClosePayoutAttempt(ctx context.Context, attemptID int64, status domain.PayoutAttemptStatus) error

	// Notification outbox methods
	EnqueueNotification(ctx context.Context, notification domain.Notification) error
	ClaimNotifications(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.OutboxNotification, error)
	MarkNotificationPublished(ctx context.Context, id uuid.UUID) error
	MarkNotificationFailed(ctx context.Context, id uuid.UUID, retryAfter time.Duration, reason string) error
	PurgePublishedNotifications(ctx context.Context, olderThan time.Time) (int64, error)
}

// Repository is the injected data access dependency of the app layer.
type Repository interface {
	Queries
	// InTx runs fn inside one transaction. The transaction commits when fn returns nil
	// and rolls back otherwise.
	InTx(ctx context.Context, fn func(q Queries) error) error
}

const maxLastErrorLength = 2000

func truncateReason(reason string) string {
	if len(reason) > maxLastErrorLength {
		return reason[:maxLastErrorLength]
	}
	return reason
}
