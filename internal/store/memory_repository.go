package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rentflow/billing-service/internal/domain"
)

// MemoryRepository is an in-process Repository used when no DATABASE_URL is configured
// and by tests. InTx works on a copy of the state and swaps it in on success, so a
// failed transaction leaves nothing behind. Transactions are serialized.
type MemoryRepository struct {
	*memQueries

	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{state: newMemState(), now: time.Now}
	r.memQueries = &memQueries{repo: r}
	return r
}

// SetClock overrides the time source used for timestamps and outbox scheduling.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) InTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	working := r.state.clone()
	if err := fn(&memQueries{repo: r, tx: working}); err != nil {
		return err
	}
	r.state = working
	return nil
}

// AddProperty seeds a property and returns its id.
func (r *MemoryRepository) AddProperty(p domain.Property) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == 0 {
		p.ID = r.state.id()
	}
	r.state.properties[p.ID] = p
	return p.ID
}

// AddUnit seeds a unit and returns its id. LandlordID, ActiveLeaseID and TenantID are derived on read.
func (r *MemoryRepository) AddUnit(u domain.Unit) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == 0 {
		u.ID = r.state.id()
	}
	r.state.units[u.ID] = u
	return u.ID
}

// AddLease seeds a lease agreement and returns its id.
func (r *MemoryRepository) AddLease(l domain.Lease) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.ID == 0 {
		l.ID = r.state.id()
	}
	if l.Status == "" {
		l.Status = "active"
	}
	r.state.leases[l.ID] = l
	return l.ID
}

// AddUtilityStatement seeds a provider statement.
func (r *MemoryRepository) AddUtilityStatement(s domain.UtilityStatement) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == 0 {
		s.ID = r.state.id()
	}
	r.state.statements = append(r.state.statements, s)
	return s.ID
}

// AddPDC seeds a post-dated check.
func (r *MemoryRepository) AddPDC(c domain.PostDatedCheck) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == 0 {
		c.ID = r.state.id()
	}
	if c.Status == "" {
		c.Status = domain.PDCPending
	}
	r.state.pdcs[c.ID] = c
	return c.ID
}

// AddPayoutAccount seeds a landlord payout destination.
func (r *MemoryRepository) AddPayoutAccount(a domain.PayoutAccount) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == 0 {
		a.ID = r.state.id()
	}
	r.state.accounts[a.ID] = a
	return a.ID
}

// AddPayment seeds a payment row as-is, bypassing intake.
func (r *MemoryRepository) AddPayment(p domain.Payment) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == 0 {
		p.ID = r.state.id()
	}
	if p.ReceiptReference == "" {
		p.ReceiptReference = uuid.NewString()
	}
	if p.PayoutStatus == "" {
		p.PayoutStatus = domain.PayoutUnpaid
	}
	r.state.payments[p.ID] = p
	return p.ID
}

// Payments returns a snapshot of every stored payment ordered by id.
func (r *MemoryRepository) Payments() []domain.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Payment, 0, len(r.state.payments))
	for _, p := range r.state.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BillingRecords returns a snapshot of every stored billing record ordered by id.
func (r *MemoryRepository) BillingRecords() []domain.BillingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.BillingRecord, 0, len(r.state.billings))
	for _, b := range r.state.billings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PayoutAttempts returns a snapshot of every payout attempt ordered by id.
func (r *MemoryRepository) PayoutAttempts() []domain.PayoutAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.PayoutAttempt, 0, len(r.state.attempts))
	for _, a := range r.state.attempts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingNotifications returns outbox rows that have not been published.
func (r *MemoryRepository) PendingNotifications() []domain.OutboxNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OutboxNotification, 0)
	for _, row := range r.state.outbox {
		if row.status != outboxPublished {
			out = append(out, row.OutboxNotification)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

const (
	outboxPending    = "pending"
	outboxProcessing = "processing"
	outboxPublished  = "published"
)

type outboxRow struct {
	domain.OutboxNotification
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	publishedAt         time.Time
	lastError           string
	seq                 int64
}

type memState struct {
	nextID     int64
	properties map[int64]domain.Property
	units      map[int64]domain.Unit
	leases     map[int64]domain.Lease
	statements []domain.UtilityStatement
	pdcs       map[int64]domain.PostDatedCheck
	billings   map[int64]domain.BillingRecord
	charges    map[int64]domain.Charge
	payments   map[int64]domain.Payment
	accounts   map[int64]domain.PayoutAccount
	histories  map[int64]domain.PayoutHistory
	attempts   map[int64]domain.PayoutAttempt
	outbox     map[uuid.UUID]outboxRow
}

func newMemState() *memState {
	return &memState{
		properties: map[int64]domain.Property{},
		units:      map[int64]domain.Unit{},
		leases:     map[int64]domain.Lease{},
		pdcs:       map[int64]domain.PostDatedCheck{},
		billings:   map[int64]domain.BillingRecord{},
		charges:    map[int64]domain.Charge{},
		payments:   map[int64]domain.Payment{},
		accounts:   map[int64]domain.PayoutAccount{},
		histories:  map[int64]domain.PayoutHistory{},
		attempts:   map[int64]domain.PayoutAttempt{},
		outbox:     map[uuid.UUID]outboxRow{},
	}
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// clone copies every table. Stored values are replaced wholesale on update and never
// mutated through shared pointers or slices.
func (s *memState) clone() *memState {
	return &memState{
		nextID:     s.nextID,
		properties: copyMap(s.properties),
		units:      copyMap(s.units),
		leases:     copyMap(s.leases),
		statements: append([]domain.UtilityStatement(nil), s.statements...),
		pdcs:       copyMap(s.pdcs),
		billings:   copyMap(s.billings),
		charges:    copyMap(s.charges),
		payments:   copyMap(s.payments),
		accounts:   copyMap(s.accounts),
		histories:  copyMap(s.histories),
		attempts:   copyMap(s.attempts),
		outbox:     copyMap(s.outbox),
	}
}

// memQueries runs against the committed state (locking per call) or, inside InTx,
// against the transaction's working copy (already locked).
type memQueries struct {
	repo *MemoryRepository
	tx   *memState
}

func (q *memQueries) begin() (*memState, func()) {
	if q.tx != nil {
		return q.tx, func() {}
	}
	q.repo.mu.Lock()
	return q.repo.state, q.repo.mu.Unlock
}

func (q *memQueries) FindProperty(ctx context.Context, propertyID int64) (*domain.Property, error) {
	s, done := q.begin()
	defer done()
	p, ok := s.properties[propertyID]
	if !ok {
		return nil, ErrPropertyNotFound
	}
	return &p, nil
}

func (q *memQueries) FindUnit(ctx context.Context, unitID int64) (*domain.Unit, error) {
	s, done := q.begin()
	defer done()
	u, ok := s.units[unitID]
	if !ok {
		return nil, ErrUnitNotFound
	}
	p, ok := s.properties[u.PropertyID]
	if !ok {
		return nil, ErrUnitNotFound
	}
	u.LandlordID = p.LandlordID
	u.ActiveLeaseID, u.TenantID = nil, nil
	var active *domain.Lease
	for _, l := range s.leases {
		if l.UnitID == unitID && l.Status == "active" && (active == nil || l.ID > active.ID) {
			lease := l
			active = &lease
		}
	}
	if active != nil {
		leaseID, tenantID := active.ID, active.TenantID
		u.ActiveLeaseID, u.TenantID = &leaseID, &tenantID
	}
	return &u, nil
}

func (q *memQueries) FindLease(ctx context.Context, leaseID int64) (*domain.Lease, error) {
	s, done := q.begin()
	defer done()
	l, ok := s.leases[leaseID]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	if u, ok := s.units[l.UnitID]; ok {
		if p, ok := s.properties[u.PropertyID]; ok {
			l.LandlordID = p.LandlordID
		}
	}
	return &l, nil
}

func (q *memQueries) LatestUtilityStatement(ctx context.Context, propertyID int64, utility domain.Utility) (*domain.UtilityStatement, error) {
	s, done := q.begin()
	defer done()
	var latest *domain.UtilityStatement
	for i := range s.statements {
		st := s.statements[i]
		if st.PropertyID != propertyID || st.Utility != utility {
			continue
		}
		if latest == nil || st.StatementDate.After(latest.StatementDate) ||
			(st.StatementDate.Equal(latest.StatementDate) && st.ID > latest.ID) {
			latest = &st
		}
	}
	if latest == nil {
		return nil, ErrStatementNotFound
	}
	return latest, nil
}

func (q *memQueries) LockPDC(ctx context.Context, pdcID int64) (*domain.PostDatedCheck, error) {
	s, done := q.begin()
	defer done()
	c, ok := s.pdcs[pdcID]
	if !ok {
		return nil, ErrPDCNotFound
	}
	return &c, nil
}

func (q *memQueries) FindPDCForBilling(ctx context.Context, leaseID int64, period domain.Period, billingID *int64) (*domain.PostDatedCheck, error) {
	s, done := q.begin()
	defer done()
	start, end := period.Start(), period.End()

	matches := make([]domain.PostDatedCheck, 0)
	for _, c := range s.pdcs {
		if c.LeaseID != leaseID {
			continue
		}
		linked := c.BillingID != nil && billingID != nil && *c.BillingID == *billingID
		due := c.BillingID == nil && !c.DueDate.Before(start) && c.DueDate.Before(end)
		if linked || due {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return nil, ErrPDCNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if (a.BillingID != nil) != (b.BillingID != nil) {
			return a.BillingID != nil
		}
		if (a.Status == domain.PDCCleared) != (b.Status == domain.PDCCleared) {
			return a.Status == domain.PDCCleared
		}
		return a.DueDate.Before(b.DueDate)
	})
	return &matches[0], nil
}

func (q *memQueries) UpdatePDCStatus(ctx context.Context, pdcID int64, status domain.PDCStatus) (*domain.PostDatedCheck, error) {
	s, done := q.begin()
	defer done()
	c, ok := s.pdcs[pdcID]
	if !ok {
		return nil, ErrPDCNotFound
	}
	c.Status = status
	c.UpdatedAt = q.repo.now()
	s.pdcs[pdcID] = c
	return &c, nil
}

func (q *memQueries) LinkPDCToBilling(ctx context.Context, pdcID int64, billingID int64) error {
	s, done := q.begin()
	defer done()
	c, ok := s.pdcs[pdcID]
	if !ok {
		return ErrPDCNotFound
	}
	c.BillingID = &billingID
	c.UpdatedAt = q.repo.now()
	s.pdcs[pdcID] = c
	return nil
}

func findBilling(s *memState, unitID int64, period domain.Period) (domain.BillingRecord, bool) {
	for _, b := range s.billings {
		if b.UnitID == unitID && b.Period == period {
			return b, true
		}
	}
	return domain.BillingRecord{}, false
}

func (q *memQueries) FindBilling(ctx context.Context, unitID int64, period domain.Period) (*domain.BillingRecord, error) {
	s, done := q.begin()
	defer done()
	b, ok := findBilling(s, unitID, period)
	if !ok {
		return nil, ErrBillingNotFound
	}
	return &b, nil
}

// LockBilling needs no key lock of its own: InTx already runs one transaction at a time.
func (q *memQueries) LockBilling(ctx context.Context, unitID int64, period domain.Period) (*domain.BillingRecord, error) {
	return q.FindBilling(ctx, unitID, period)
}

func (q *memQueries) LockBillingByID(ctx context.Context, billingID int64) (*domain.BillingRecord, error) {
	s, done := q.begin()
	defer done()
	b, ok := s.billings[billingID]
	if !ok {
		return nil, ErrBillingNotFound
	}
	return &b, nil
}

func (q *memQueries) UpsertBilling(ctx context.Context, record *domain.BillingRecord) (bool, error) {
	s, done := q.begin()
	defer done()
	now := q.repo.now()

	stored := *record
	stored.Charges = nil
	existing, ok := findBilling(s, record.UnitID, record.Period)
	if ok {
		if existing.Status == domain.BillingPaid {
			return false, ErrBillingSettled
		}
		stored.ID = existing.ID
		stored.Status = existing.Status
		stored.CreatedAt = existing.CreatedAt
		if stored.DueDate == nil {
			stored.DueDate = existing.DueDate
		}
	} else {
		stored.ID = s.id()
		stored.Status = domain.BillingUnpaid
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.billings[stored.ID] = stored

	record.ID = stored.ID
	record.Status = stored.Status
	record.DueDate = stored.DueDate
	record.CreatedAt = stored.CreatedAt
	record.UpdatedAt = stored.UpdatedAt
	return !ok, nil
}

func (q *memQueries) UpdateBillingStatus(ctx context.Context, billingID int64, status domain.BillingStatus) error {
	s, done := q.begin()
	defer done()
	b, ok := s.billings[billingID]
	if !ok {
		return ErrBillingNotFound
	}
	b.Status = status
	b.UpdatedAt = q.repo.now()
	s.billings[billingID] = b
	return nil
}

func (q *memQueries) ListCharges(ctx context.Context, unitID int64, period domain.Period) ([]domain.Charge, error) {
	s, done := q.begin()
	defer done()
	charges := make([]domain.Charge, 0)
	for _, c := range s.charges {
		if c.UnitID == unitID && c.Period == period {
			charges = append(charges, c)
		}
	}
	sort.Slice(charges, func(i, j int) bool { return charges[i].ID < charges[j].ID })
	return charges, nil
}

func (q *memQueries) FindCharge(ctx context.Context, chargeID int64) (*domain.Charge, error) {
	s, done := q.begin()
	defer done()
	c, ok := s.charges[chargeID]
	if !ok {
		return nil, ErrChargeNotFound
	}
	return &c, nil
}

func (q *memQueries) InsertCharge(ctx context.Context, charge *domain.Charge) error {
	s, done := q.begin()
	defer done()
	charge.ID = s.id()
	charge.CreatedAt = q.repo.now()
	s.charges[charge.ID] = *charge
	return nil
}

func (q *memQueries) UpdateCharge(ctx context.Context, charge *domain.Charge) error {
	s, done := q.begin()
	defer done()
	existing, ok := s.charges[charge.ID]
	if !ok || existing.UnitID != charge.UnitID || existing.Period != charge.Period {
		return ErrChargeNotFound
	}
	existing.Category = charge.Category
	existing.Description = charge.Description
	existing.Amount = charge.Amount
	s.charges[charge.ID] = existing
	return nil
}

func (q *memQueries) DeleteCharge(ctx context.Context, chargeID int64) error {
	s, done := q.begin()
	defer done()
	if _, ok := s.charges[chargeID]; !ok {
		return ErrChargeNotFound
	}
	delete(s.charges, chargeID)
	return nil
}

func (q *memQueries) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	s, done := q.begin()
	defer done()
	for _, p := range s.payments {
		if p.ReceiptReference == payment.ReceiptReference {
			return ErrDuplicatePayment
		}
	}
	now := q.repo.now()
	payment.ID = s.id()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	s.payments[payment.ID] = *payment
	return nil
}

func (q *memQueries) FindPayment(ctx context.Context, paymentID int64) (*domain.Payment, error) {
	s, done := q.begin()
	defer done()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (q *memQueries) LockPayment(ctx context.Context, paymentID int64) (*domain.Payment, error) {
	return q.FindPayment(ctx, paymentID)
}

func (q *memQueries) UpdatePaymentStatus(ctx context.Context, paymentID int64, status domain.PaymentStatus, rejectionReason *string) error {
	s, done := q.begin()
	defer done()
	p, ok := s.payments[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	now := q.repo.now()
	p.PaymentStatus = status
	p.RejectionReason = rejectionReason
	if status == domain.PaymentConfirmed {
		p.ConfirmedAt = &now
	}
	p.UpdatedAt = now
	s.payments[paymentID] = p
	return nil
}

func (q *memQueries) ListPayoutCandidates(ctx context.Context, paymentIDs []int64) ([]domain.PayoutCandidate, error) {
	s, done := q.begin()
	defer done()

	seen := make(map[int64]bool, len(paymentIDs))
	candidates := make([]domain.PayoutCandidate, 0, len(paymentIDs))
	for _, id := range paymentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		p, ok := s.payments[id]
		if !ok || p.PaymentStatus != domain.PaymentConfirmed || p.PayoutStatus != domain.PayoutUnpaid {
			continue
		}
		lease, ok := s.leases[p.AgreementID]
		if !ok {
			continue
		}
		unit, ok := s.units[lease.UnitID]
		if !ok {
			continue
		}
		property, ok := s.properties[unit.PropertyID]
		if !ok {
			continue
		}
		account, ok := activeAccount(s, property.LandlordID)
		if !ok {
			continue
		}
		candidates = append(candidates, domain.PayoutCandidate{
			PaymentID:         p.ID,
			LandlordID:        property.LandlordID,
			NetAmount:         p.NetAmount,
			PayoutAccountID:   account.ID,
			ChannelCode:       account.ChannelCode,
			AccountHolderName: account.AccountHolderName,
			AccountNumber:     account.AccountNumber,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LandlordID != candidates[j].LandlordID {
			return candidates[i].LandlordID < candidates[j].LandlordID
		}
		return candidates[i].PaymentID < candidates[j].PaymentID
	})
	return candidates, nil
}

func activeAccount(s *memState, landlordID int64) (domain.PayoutAccount, bool) {
	var (
		found domain.PayoutAccount
		ok    bool
	)
	for _, a := range s.accounts {
		if a.LandlordID == landlordID && a.IsActive && a.ChannelAvailable && (!ok || a.ID < found.ID) {
			found, ok = a, true
		}
	}
	return found, ok
}

func (q *memQueries) movePayouts(paymentIDs []int64, from, to domain.PayoutStatus) int64 {
	s, done := q.begin()
	defer done()
	var moved int64
	now := q.repo.now()
	for _, id := range paymentIDs {
		p, ok := s.payments[id]
		if !ok || p.PayoutStatus != from {
			continue
		}
		p.PayoutStatus = to
		p.UpdatedAt = now
		s.payments[id] = p
		moved++
	}
	return moved
}

func (q *memQueries) MarkPaymentsInPayout(ctx context.Context, paymentIDs []int64) (int64, error) {
	return q.movePayouts(paymentIDs, domain.PayoutUnpaid, domain.PayoutInPayout), nil
}

func (q *memQueries) MarkPaymentsPaidOut(ctx context.Context, paymentIDs []int64) (int64, error) {
	return q.movePayouts(paymentIDs, domain.PayoutInPayout, domain.PayoutPaid), nil
}

func (q *memQueries) InsertPayoutHistory(ctx context.Context, history *domain.PayoutHistory) error {
	s, done := q.begin()
	defer done()
	for _, h := range s.histories {
		if h.ExternalID == history.ExternalID {
			return domain.ErrDuplicate.New("payout %s already recorded", history.ExternalID)
		}
	}
	now := q.repo.now()
	history.ID = s.id()
	history.PaymentIDs = append([]int64(nil), history.PaymentIDs...)
	history.CreatedAt = now
	history.UpdatedAt = now
	s.histories[history.ID] = *history
	return nil
}

func (q *memQueries) LockPayoutHistory(ctx context.Context, externalID string, gatewayPayoutID string) (*domain.PayoutHistory, error) {
	s, done := q.begin()
	defer done()
	for _, h := range s.histories {
		if (externalID != "" && h.ExternalID == externalID) || (gatewayPayoutID != "" && h.GatewayPayoutID == gatewayPayoutID) {
			return &h, nil
		}
	}
	return nil, ErrPayoutHistoryNotFound
}

func (q *memQueries) UpdatePayoutHistoryStatus(ctx context.Context, historyID int64, status domain.PayoutHistoryStatus, failureReason *string) error {
	s, done := q.begin()
	defer done()
	h, ok := s.histories[historyID]
	if !ok {
		return ErrPayoutHistoryNotFound
	}
	h.Status = status
	h.FailureReason = failureReason
	h.UpdatedAt = q.repo.now()
	s.histories[historyID] = h
	return nil
}

func (q *memQueries) ListPayoutHistory(ctx context.Context, landlordID int64, limit int) ([]domain.PayoutHistory, error) {
	s, done := q.begin()
	defer done()
	if limit <= 0 {
		limit = 50
	}
	history := make([]domain.PayoutHistory, 0)
	for _, h := range s.histories {
		if h.LandlordID == landlordID {
			history = append(history, h)
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].ID > history[j].ID })
	if len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

func (q *memQueries) InsertPayoutAttempt(ctx context.Context, attempt *domain.PayoutAttempt) error {
	s, done := q.begin()
	defer done()
	for _, a := range s.attempts {
		if a.LandlordID == attempt.LandlordID && a.Status == domain.PayoutAttemptOpen {
			return domain.ErrDuplicate.New("landlord %d already has an open payout attempt", attempt.LandlordID)
		}
		if a.ExternalID == attempt.ExternalID {
			return domain.ErrDuplicate.New("payout attempt %s already exists", attempt.ExternalID)
		}
	}
	now := q.repo.now()
	attempt.ID = s.id()
	attempt.Status = domain.PayoutAttemptOpen
	attempt.PaymentIDs = append([]int64(nil), attempt.PaymentIDs...)
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	s.attempts[attempt.ID] = *attempt
	return nil
}

func (q *memQueries) FindOpenPayoutAttempt(ctx context.Context, landlordID int64) (*domain.PayoutAttempt, error) {
	s, done := q.begin()
	defer done()
	for _, a := range s.attempts {
		if a.LandlordID == landlordID && a.Status == domain.PayoutAttemptOpen {
			return &a, nil
		}
	}
	return nil, ErrPayoutAttemptNotFound
}

func (q *memQueries) ClosePayoutAttempt(ctx context.Context, attemptID int64, status domain.PayoutAttemptStatus) error {
	s, done := q.begin()
	defer done()
	a, ok := s.attempts[attemptID]
	if !ok || a.Status != domain.PayoutAttemptOpen {
		return ErrPayoutAttemptNotFound
	}
	a.Status = status
	a.UpdatedAt = q.repo.now()
	s.attempts[attemptID] = a
	return nil
}

func (q *memQueries) EnqueueNotification(ctx context.Context, n domain.Notification) error {
	s, done := q.begin()
	defer done()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	s.outbox[n.ID] = outboxRow{
		OutboxNotification: domain.OutboxNotification{Notification: n},
		status:             outboxPending,
		nextAttemptAt:      q.repo.now(),
		seq:                s.id(),
	}
	return nil
}

func (q *memQueries) ClaimNotifications(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.OutboxNotification, error) {
	s, done := q.begin()
	defer done()
	if limit <= 0 {
		limit = 50
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	now := q.repo.now()

	due := make([]outboxRow, 0)
	for _, row := range s.outbox {
		pending := row.status == outboxPending && !row.nextAttemptAt.After(now)
		stale := row.status == outboxProcessing && row.processingStartedAt.Before(now.Add(-staleAfter))
		if pending || stale {
			due = append(due, row)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.OutboxNotification, 0, len(due))
	for _, row := range due {
		row.status = outboxProcessing
		row.processingStartedAt = now
		row.Attempts++
		s.outbox[row.ID] = row
		claimed = append(claimed, row.OutboxNotification)
	}
	return claimed, nil
}

func (q *memQueries) MarkNotificationPublished(ctx context.Context, id uuid.UUID) error {
	s, done := q.begin()
	defer done()
	row, ok := s.outbox[id]
	if !ok {
		return nil
	}
	row.status = outboxPublished
	row.publishedAt = q.repo.now()
	row.lastError = ""
	s.outbox[id] = row
	return nil
}

func (q *memQueries) MarkNotificationFailed(ctx context.Context, id uuid.UUID, retryAfter time.Duration, reason string) error {
	s, done := q.begin()
	defer done()
	row, ok := s.outbox[id]
	if !ok {
		return nil
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	row.status = outboxPending
	row.nextAttemptAt = q.repo.now().Add(retryAfter)
	row.processingStartedAt = time.Time{}
	row.lastError = truncateReason(reason)
	s.outbox[id] = row
	return nil
}

func (q *memQueries) PurgePublishedNotifications(ctx context.Context, olderThan time.Time) (int64, error) {
	s, done := q.begin()
	defer done()
	var purged int64
	for id, row := range s.outbox {
		if row.status == outboxPublished && row.publishedAt.Before(olderThan) {
			delete(s.outbox, id)
			purged++
		}
	}
	return purged, nil
}
