/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * The same pgQueries type runs against the pool for standalone reads and against a
 * pgx.Tx inside InTx, so every statement is written once.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver, pool and error codes.
 * - github.com/shopspring/decimal: numeric columns.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rentflow/billing-service/internal/domain"
	"github.com/shopspring/decimal"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	*pgQueries
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
// The pool is owned by the caller, which closes it on shutdown.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pgQueries: &pgQueries{db: pool}, pool: pool}
}

// InTx runs fn inside a read-committed transaction.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgQueries{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgQueries struct {
	db dbtx
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}

func nullablePtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func (q *pgQueries) FindProperty(ctx context.Context, propertyID int64) (*domain.Property, error) {
	var p domain.Property
	err := q.db.QueryRow(ctx,
		`SELECT id, landlord_id, name FROM properties WHERE id = $1`, propertyID,
	).Scan(&p.ID, &p.LandlordID, &p.Name)
	if err != nil {
		return nil, notFound(err, ErrPropertyNotFound)
	}
	return &p, nil
}

// FindUnit loads a unit with its landlord and the currently active lease, if any.
func (q *pgQueries) FindUnit(ctx context.Context, unitID int64) (*domain.Unit, error) {
	query := `
		SELECT u.id, u.property_id, p.landlord_id, u.name, u.monthly_rent, u.assoc_dues,
		       la.id, la.tenant_id
		FROM units u
		JOIN properties p ON p.id = u.property_id
		LEFT JOIN LATERAL (
			SELECT id, tenant_id
			FROM lease_agreements
			WHERE unit_id = u.id AND status = 'active'
			ORDER BY start_date DESC
			LIMIT 1
		) la ON TRUE
		WHERE u.id = $1
	`
	var u domain.Unit
	err := q.db.QueryRow(ctx, query, unitID).Scan(
		&u.ID, &u.PropertyID, &u.LandlordID, &u.Name, &u.MonthlyRent, &u.AssocDues,
		&u.ActiveLeaseID, &u.TenantID,
	)
	if err != nil {
		return nil, notFound(err, ErrUnitNotFound)
	}
	return &u, nil
}

func (q *pgQueries) FindLease(ctx context.Context, leaseID int64) (*domain.Lease, error) {
	query := `
		SELECT la.id, la.unit_id, la.tenant_id, p.landlord_id, la.status
		FROM lease_agreements la
		JOIN units u ON u.id = la.unit_id
		JOIN properties p ON p.id = u.property_id
		WHERE la.id = $1
	`
	var l domain.Lease
	err := q.db.QueryRow(ctx, query, leaseID).Scan(&l.ID, &l.UnitID, &l.TenantID, &l.LandlordID, &l.Status)
	if err != nil {
		return nil, notFound(err, ErrLeaseNotFound)
	}
	return &l, nil
}

func (q *pgQueries) LatestUtilityStatement(ctx context.Context, propertyID int64, utility domain.Utility) (*domain.UtilityStatement, error) {
	query := `
		SELECT id, property_id, utility, total_consumption, total_billed_amount, statement_date
		FROM property_utility_statements
		WHERE property_id = $1 AND utility = $2
		ORDER BY statement_date DESC, id DESC
		LIMIT 1
	`
	var (
		s       domain.UtilityStatement
		utilStr string
	)
	err := q.db.QueryRow(ctx, query, propertyID, string(utility)).Scan(
		&s.ID, &s.PropertyID, &utilStr, &s.TotalConsumption, &s.TotalBilledAmount, &s.StatementDate,
	)
	if err != nil {
		return nil, notFound(err, ErrStatementNotFound)
	}
	s.Utility = domain.Utility(utilStr)
	return &s, nil
}

const pdcColumns = `id, lease_id, billing_id, check_number, amount, status, due_date, updated_at`

func scanPDC(row pgx.Row) (*domain.PostDatedCheck, error) {
	var (
		c      domain.PostDatedCheck
		status string
	)
	if err := row.Scan(&c.ID, &c.LeaseID, &c.BillingID, &c.CheckNumber, &c.Amount, &status, &c.DueDate, &c.UpdatedAt); err != nil {
		return nil, notFound(err, ErrPDCNotFound)
	}
	c.Status = domain.PDCStatus(status)
	return &c, nil
}

func (q *pgQueries) LockPDC(ctx context.Context, pdcID int64) (*domain.PostDatedCheck, error) {
	return scanPDC(q.db.QueryRow(ctx, `SELECT `+pdcColumns+` FROM post_dated_checks WHERE id = $1 FOR UPDATE`, pdcID))
}

func (q *pgQueries) FindPDCForBilling(ctx context.Context, leaseID int64, period domain.Period, billingID *int64) (*domain.PostDatedCheck, error) {
	query := `
		SELECT ` + pdcColumns + `
		FROM post_dated_checks
		WHERE lease_id = $1
		  AND ((billing_id IS NOT NULL AND billing_id = $2)
		       OR (billing_id IS NULL AND due_date >= $3 AND due_date < $4))
		ORDER BY (billing_id IS NOT NULL) DESC, (status = 'cleared') DESC, due_date
		LIMIT 1
	`
	return scanPDC(q.db.QueryRow(ctx, query, leaseID, billingID, period.Start(), period.End()))
}

func (q *pgQueries) UpdatePDCStatus(ctx context.Context, pdcID int64, status domain.PDCStatus) (*domain.PostDatedCheck, error) {
	query := `UPDATE post_dated_checks SET status = $1, updated_at = NOW() WHERE id = $2 RETURNING ` + pdcColumns
	return scanPDC(q.db.QueryRow(ctx, query, string(status), pdcID))
}

func (q *pgQueries) LinkPDCToBilling(ctx context.Context, pdcID int64, billingID int64) error {
	tag, err := q.db.Exec(ctx, `UPDATE post_dated_checks SET billing_id = $1, updated_at = NOW() WHERE id = $2`, billingID, pdcID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPDCNotFound
	}
	return nil
}

const billingColumns = `id, unit_id, lease_id, billing_period,
	water_previous, water_current, electricity_previous, electricity_current,
	water_rate, electricity_rate, water_usage, electricity_usage, water_cost, electricity_cost,
	rent_amount, assoc_dues, total_extra_charges, total_discounts, pdc_credit,
	total_amount_due, credit_balance, pdc_id, status, due_date, created_at, updated_at`

func scanBilling(row pgx.Row) (*domain.BillingRecord, error) {
	var (
		b              domain.BillingRecord
		period, status string
		wp, wc, ep, ec decimal.NullDecimal
	)
	err := row.Scan(
		&b.ID, &b.UnitID, &b.LeaseID, &period,
		&wp, &wc, &ep, &ec,
		&b.WaterRate, &b.ElectricityRate, &b.WaterUsage, &b.ElectricityUsage, &b.WaterCost, &b.ElectricityCost,
		&b.RentAmount, &b.AssocDues, &b.TotalExtraCharges, &b.TotalDiscounts, &b.PDCCredit,
		&b.TotalAmountDue, &b.CreditBalance, &b.PDCID, &status, &b.DueDate, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, ErrBillingNotFound)
	}
	b.Period = domain.Period(period)
	b.Status = domain.BillingStatus(status)
	b.WaterPrevious = nullablePtr(wp)
	b.WaterCurrent = nullablePtr(wc)
	b.ElectricityPrevious = nullablePtr(ep)
	b.ElectricityCurrent = nullablePtr(ec)
	return &b, nil
}

func (q *pgQueries) FindBilling(ctx context.Context, unitID int64, period domain.Period) (*domain.BillingRecord, error) {
	return scanBilling(q.db.QueryRow(ctx,
		`SELECT `+billingColumns+` FROM billing_records WHERE unit_id = $1 AND billing_period = $2`,
		unitID, string(period)))
}

// LockBilling takes a transaction-scoped advisory lock on (unit, period) before locking
// the row, so writers of a period that has no record yet still queue behind each other.
func (q *pgQueries) LockBilling(ctx context.Context, unitID int64, period domain.Period) (*domain.BillingRecord, error) {
	if _, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, billingLockKey(unitID, period)); err != nil {
		return nil, fmt.Errorf("failed to lock billing period: %w", err)
	}
	return scanBilling(q.db.QueryRow(ctx,
		`SELECT `+billingColumns+` FROM billing_records WHERE unit_id = $1 AND billing_period = $2 FOR UPDATE`,
		unitID, string(period)))
}

func billingLockKey(unitID int64, period domain.Period) string {
	return fmt.Sprintf("billing_records:%d:%s", unitID, period)
}

func (q *pgQueries) LockBillingByID(ctx context.Context, billingID int64) (*domain.BillingRecord, error) {
	return scanBilling(q.db.QueryRow(ctx,
		`SELECT `+billingColumns+` FROM billing_records WHERE id = $1 FOR UPDATE`, billingID))
}

// UpsertBilling relies on the (unit_id, billing_period) unique key: a concurrent second
// writer takes the DO UPDATE branch instead of inserting a duplicate row.
func (q *pgQueries) UpsertBilling(ctx context.Context, b *domain.BillingRecord) (bool, error) {
	query := `
		INSERT INTO billing_records (
			unit_id, lease_id, billing_period,
			water_previous, water_current, electricity_previous, electricity_current,
			water_rate, electricity_rate, water_usage, electricity_usage, water_cost, electricity_cost,
			rent_amount, assoc_dues, total_extra_charges, total_discounts, pdc_credit,
			total_amount_due, credit_balance, pdc_id, status, due_date
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, 'unpaid', $22
		)
		ON CONFLICT (unit_id, billing_period) DO UPDATE SET
			lease_id = EXCLUDED.lease_id,
			water_previous = EXCLUDED.water_previous,
			water_current = EXCLUDED.water_current,
			electricity_previous = EXCLUDED.electricity_previous,
			electricity_current = EXCLUDED.electricity_current,
			water_rate = EXCLUDED.water_rate,
			electricity_rate = EXCLUDED.electricity_rate,
			water_usage = EXCLUDED.water_usage,
			electricity_usage = EXCLUDED.electricity_usage,
			water_cost = EXCLUDED.water_cost,
			electricity_cost = EXCLUDED.electricity_cost,
			rent_amount = EXCLUDED.rent_amount,
			assoc_dues = EXCLUDED.assoc_dues,
			total_extra_charges = EXCLUDED.total_extra_charges,
			total_discounts = EXCLUDED.total_discounts,
			pdc_credit = EXCLUDED.pdc_credit,
			total_amount_due = EXCLUDED.total_amount_due,
			credit_balance = EXCLUDED.credit_balance,
			pdc_id = EXCLUDED.pdc_id,
			due_date = COALESCE(EXCLUDED.due_date, billing_records.due_date),
			updated_at = NOW()
		WHERE billing_records.status <> 'paid'
		RETURNING id, status, due_date, created_at, updated_at, (xmax = 0) AS inserted
	`
	var (
		status   string
		inserted bool
	)
	err := q.db.QueryRow(ctx, query,
		b.UnitID, b.LeaseID, string(b.Period),
		b.WaterPrevious, b.WaterCurrent, b.ElectricityPrevious, b.ElectricityCurrent,
		b.WaterRate, b.ElectricityRate, b.WaterUsage, b.ElectricityUsage, b.WaterCost, b.ElectricityCost,
		b.RentAmount, b.AssocDues, b.TotalExtraCharges, b.TotalDiscounts, b.PDCCredit,
		b.TotalAmountDue, b.CreditBalance, b.PDCID, b.DueDate,
	).Scan(&b.ID, &status, &b.DueDate, &b.CreatedAt, &b.UpdatedAt, &inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The conflicting row exists but the WHERE clause excluded it.
			return false, ErrBillingSettled
		}
		return false, err
	}
	b.Status = domain.BillingStatus(status)
	return inserted, nil
}

func (q *pgQueries) UpdateBillingStatus(ctx context.Context, billingID int64, status domain.BillingStatus) error {
	tag, err := q.db.Exec(ctx, `UPDATE billing_records SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), billingID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBillingNotFound
	}
	return nil
}

const chargeColumns = `id, unit_id, billing_period, category, description, amount, created_at`

func scanCharge(row pgx.Row) (*domain.Charge, error) {
	var (
		c                  domain.Charge
		period, category string
	)
	if err := row.Scan(&c.ID, &c.UnitID, &period, &category, &c.Description, &c.Amount, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Period = domain.Period(period)
	c.Category = domain.ChargeCategory(category)
	return &c, nil
}

func (q *pgQueries) ListCharges(ctx context.Context, unitID int64, period domain.Period) ([]domain.Charge, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+chargeColumns+` FROM billing_charges WHERE unit_id = $1 AND billing_period = $2 ORDER BY id`,
		unitID, string(period))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	charges := make([]domain.Charge, 0)
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, *c)
	}
	return charges, rows.Err()
}

func (q *pgQueries) FindCharge(ctx context.Context, chargeID int64) (*domain.Charge, error) {
	c, err := scanCharge(q.db.QueryRow(ctx, `SELECT `+chargeColumns+` FROM billing_charges WHERE id = $1`, chargeID))
	if err != nil {
		return nil, notFound(err, ErrChargeNotFound)
	}
	return c, nil
}

func (q *pgQueries) InsertCharge(ctx context.Context, charge *domain.Charge) error {
	query := `
		INSERT INTO billing_charges (unit_id, billing_period, category, description, amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return q.db.QueryRow(ctx, query,
		charge.UnitID, string(charge.Period), string(charge.Category), charge.Description, charge.Amount,
	).Scan(&charge.ID, &charge.CreatedAt)
}

func (q *pgQueries) UpdateCharge(ctx context.Context, charge *domain.Charge) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE billing_charges SET category = $1, description = $2, amount = $3 WHERE id = $4 AND unit_id = $5 AND billing_period = $6`,
		string(charge.Category), charge.Description, charge.Amount, charge.ID, charge.UnitID, string(charge.Period))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChargeNotFound
	}
	return nil
}

func (q *pgQueries) DeleteCharge(ctx context.Context, chargeID int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM billing_charges WHERE id = $1`, chargeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChargeNotFound
	}
	return nil
}

const paymentColumns = `id, agreement_id, billing_id, payment_type, source, amount_paid, gross_amount,
	gateway_fee, net_amount, payment_method, payment_status, payout_status, receipt_reference,
	proof_url, rejection_reason, paid_at, confirmed_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p                                            domain.Payment
		paymentType, source, paymentStatus, payoutSt string
	)
	err := row.Scan(
		&p.ID, &p.AgreementID, &p.BillingID, &paymentType, &source, &p.AmountPaid, &p.GrossAmount,
		&p.GatewayFee, &p.NetAmount, &p.PaymentMethod, &paymentStatus, &payoutSt, &p.ReceiptReference,
		&p.ProofURL, &p.RejectionReason, &p.PaidAt, &p.ConfirmedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, ErrPaymentNotFound)
	}
	p.PaymentType = domain.PaymentType(paymentType)
	p.Source = domain.PaymentSource(source)
	p.PaymentStatus = domain.PaymentStatus(paymentStatus)
	p.PayoutStatus = domain.PayoutStatus(payoutSt)
	return &p, nil
}

// InsertPayment claims the receipt reference with ON CONFLICT DO NOTHING, so two
// concurrent deliveries of the same webhook produce one row and one ErrDuplicatePayment.
func (q *pgQueries) InsertPayment(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (
			agreement_id, billing_id, payment_type, source, amount_paid, gross_amount, gateway_fee,
			net_amount, payment_method, payment_status, payout_status, receipt_reference, proof_url,
			paid_at, confirmed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (receipt_reference) DO NOTHING
		RETURNING id, created_at, updated_at
	`
	err := q.db.QueryRow(ctx, query,
		p.AgreementID, p.BillingID, string(p.PaymentType), string(p.Source), p.AmountPaid, p.GrossAmount, p.GatewayFee,
		p.NetAmount, p.PaymentMethod, string(p.PaymentStatus), string(p.PayoutStatus), p.ReceiptReference, p.ProofURL,
		p.PaidAt, p.ConfirmedAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return err
	}
	return nil
}

func (q *pgQueries) FindPayment(ctx context.Context, paymentID int64) (*domain.Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, paymentID))
}

func (q *pgQueries) LockPayment(ctx context.Context, paymentID int64) (*domain.Payment, error) {
	return scanPayment(q.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, paymentID))
}

func (q *pgQueries) UpdatePaymentStatus(ctx context.Context, paymentID int64, status domain.PaymentStatus, rejectionReason *string) error {
	query := `
		UPDATE payments
		SET payment_status = $1,
			rejection_reason = $2,
			confirmed_at = CASE WHEN $1 = 'confirmed' THEN NOW() ELSE confirmed_at END,
			updated_at = NOW()
		WHERE id = $3
	`
	tag, err := q.db.Exec(ctx, query, string(status), rejectionReason, paymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (q *pgQueries) ListPayoutCandidates(ctx context.Context, paymentIDs []int64) ([]domain.PayoutCandidate, error) {
	query := `
		SELECT pay.id, prop.landlord_id, pay.net_amount, acct.id, acct.channel_code,
		       acct.account_holder_name, acct.account_number
		FROM payments pay
		JOIN lease_agreements la ON la.id = pay.agreement_id
		JOIN units u ON u.id = la.unit_id
		JOIN properties prop ON prop.id = u.property_id
		JOIN landlord_payout_accounts acct ON acct.landlord_id = prop.landlord_id AND acct.is_active
		JOIN payout_channels ch ON ch.channel_code = acct.channel_code AND ch.is_available
		WHERE pay.id = ANY($1)
		  AND pay.payment_status = 'confirmed'
		  AND pay.payout_status = 'unpaid'
		ORDER BY prop.landlord_id, pay.id
	`
	rows, err := q.db.Query(ctx, query, paymentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := make([]domain.PayoutCandidate, 0, len(paymentIDs))
	for rows.Next() {
		var c domain.PayoutCandidate
		if err := rows.Scan(&c.PaymentID, &c.LandlordID, &c.NetAmount, &c.PayoutAccountID, &c.ChannelCode,
			&c.AccountHolderName, &c.AccountNumber); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (q *pgQueries) MarkPaymentsInPayout(ctx context.Context, paymentIDs []int64) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE payments SET payout_status = 'in_payout', updated_at = NOW() WHERE id = ANY($1) AND payout_status = 'unpaid'`,
		paymentIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *pgQueries) MarkPaymentsPaidOut(ctx context.Context, paymentIDs []int64) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE payments SET payout_status = 'paid', updated_at = NOW() WHERE id = ANY($1) AND payout_status = 'in_payout'`,
		paymentIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const payoutHistoryColumns = `id, landlord_id, amount, payment_ids, channel_code, external_id,
	gateway_payout_id, status, failure_reason, created_at, updated_at`

func scanPayoutHistory(row pgx.Row) (*domain.PayoutHistory, error) {
	var (
		h      domain.PayoutHistory
		status string
	)
	err := row.Scan(&h.ID, &h.LandlordID, &h.Amount, &h.PaymentIDs, &h.ChannelCode, &h.ExternalID,
		&h.GatewayPayoutID, &status, &h.FailureReason, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, notFound(err, ErrPayoutHistoryNotFound)
	}
	h.Status = domain.PayoutHistoryStatus(status)
	return &h, nil
}

func (q *pgQueries) InsertPayoutHistory(ctx context.Context, h *domain.PayoutHistory) error {
	query := `
		INSERT INTO landlord_payout_history (
			landlord_id, amount, payment_ids, channel_code, external_id, gateway_payout_id, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	err := q.db.QueryRow(ctx, query,
		h.LandlordID, h.Amount, h.PaymentIDs, h.ChannelCode, h.ExternalID, h.GatewayPayoutID, string(h.Status),
	).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate.New("payout %s already recorded", h.ExternalID)
		}
		return err
	}
	return nil
}

func (q *pgQueries) LockPayoutHistory(ctx context.Context, externalID string, gatewayPayoutID string) (*domain.PayoutHistory, error) {
	query := `
		SELECT ` + payoutHistoryColumns + `
		FROM landlord_payout_history
		WHERE ($1 <> '' AND external_id = $1) OR ($2 <> '' AND gateway_payout_id = $2)
		LIMIT 1
		FOR UPDATE
	`
	return scanPayoutHistory(q.db.QueryRow(ctx, query, externalID, gatewayPayoutID))
}

func (q *pgQueries) UpdatePayoutHistoryStatus(ctx context.Context, historyID int64, status domain.PayoutHistoryStatus, failureReason *string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE landlord_payout_history SET status = $1, failure_reason = $2, updated_at = NOW() WHERE id = $3`,
		string(status), failureReason, historyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutHistoryNotFound
	}
	return nil
}

func (q *pgQueries) ListPayoutHistory(ctx context.Context, landlordID int64, limit int) ([]domain.PayoutHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.Query(ctx,
		`SELECT `+payoutHistoryColumns+` FROM landlord_payout_history WHERE landlord_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		landlordID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]domain.PayoutHistory, 0)
	for rows.Next() {
		h, err := scanPayoutHistory(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, *h)
	}
	return history, rows.Err()
}

const payoutAttemptColumns = `id, landlord_id, external_id, amount, payment_ids, status, created_at, updated_at`

func (q *pgQueries) InsertPayoutAttempt(ctx context.Context, a *domain.PayoutAttempt) error {
	query := `
		INSERT INTO payout_attempts (landlord_id, external_id, amount, payment_ids, status)
		VALUES ($1, $2, $3, $4, 'open')
		RETURNING id, status, created_at, updated_at
	`
	var status string
	err := q.db.QueryRow(ctx, query, a.LandlordID, a.ExternalID, a.Amount, a.PaymentIDs).
		Scan(&a.ID, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicate.New("landlord %d already has an open payout attempt", a.LandlordID)
		}
		return err
	}
	a.Status = domain.PayoutAttemptStatus(status)
	return nil
}

func (q *pgQueries) FindOpenPayoutAttempt(ctx context.Context, landlordID int64) (*domain.PayoutAttempt, error) {
	var (
		a      domain.PayoutAttempt
		status string
	)
	err := q.db.QueryRow(ctx,
		`SELECT `+payoutAttemptColumns+` FROM payout_attempts WHERE landlord_id = $1 AND status = 'open'`,
		landlordID,
	).Scan(&a.ID, &a.LandlordID, &a.ExternalID, &a.Amount, &a.PaymentIDs, &status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, ErrPayoutAttemptNotFound)
	}
	a.Status = domain.PayoutAttemptStatus(status)
	return &a, nil
}

func (q *pgQueries) ClosePayoutAttempt(ctx context.Context, attemptID int64, status domain.PayoutAttemptStatus) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE payout_attempts SET status = $1, updated_at = NOW() WHERE id = $2 AND status = 'open'`,
		string(status), attemptID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutAttemptNotFound
	}
	return nil
}

func (q *pgQueries) EnqueueNotification(ctx context.Context, n domain.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO notification_outbox (id, user_id, title, body, url, status, attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, NOW())
	`, n.ID, n.UserID, n.Title, n.Body, n.URL)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// ClaimNotifications marks due rows as processing. Rows stuck in processing longer than
// staleAfter are reclaimed, so a dispatcher that crashed mid-batch does not strand them.
func (q *pgQueries) ClaimNotifications(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.OutboxNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM notification_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notification_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.user_id, o.title, o.body, o.url, o.attempts
	`
	rows, err := q.db.Query(ctx, query, limit, int(staleAfter.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := make([]domain.OutboxNotification, 0, limit)
	for rows.Next() {
		var n domain.OutboxNotification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.URL, &n.Attempts); err != nil {
			return nil, err
		}
		claimed = append(claimed, n)
	}
	return claimed, rows.Err()
}

func (q *pgQueries) MarkNotificationPublished(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (q *pgQueries) MarkNotificationFailed(ctx context.Context, id uuid.UUID, retryAfter time.Duration, reason string) error {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	_, err := q.db.Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, int(retryAfter.Seconds()), truncateReason(reason))
	return err
}

func (q *pgQueries) PurgePublishedNotifications(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`DELETE FROM notification_outbox WHERE status = 'published' AND published_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
