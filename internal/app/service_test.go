package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rentflow/billing-service/internal/domain"
	"github.com/rentflow/billing-service/internal/store"
	"github.com/rentflow/billing-service/pkg/payoutclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

type fixture struct {
	repo    *store.MemoryRepository
	svc     *Service
	gateway *fakeGateway
	proofs  *fakeProofStorage

	landlordID int64
	tenantID   int64
	propertyID int64
	unitID     int64
	leaseID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	repo.SetClock(func() time.Time { return fixedNow })

	f := &fixture{
		repo:       repo,
		gateway:    &fakeGateway{},
		proofs:     &fakeProofStorage{},
		landlordID: 501,
		tenantID:   701,
	}
	f.propertyID = repo.AddProperty(domain.Property{LandlordID: f.landlordID, Name: "Sampaguita Residences"})
	f.unitID = repo.AddUnit(domain.Unit{
		PropertyID:  f.propertyID,
		Name:        "Unit 3B",
		MonthlyRent: dec("10000"),
		AssocDues:   dec("500"),
	})
	f.leaseID = repo.AddLease(domain.Lease{UnitID: f.unitID, TenantID: f.tenantID})

	f.svc = NewService(repo, f.gateway, zap.NewNop(), Settings{})
	f.svc.SetClock(func() time.Time { return fixedNow })
	f.svc.SetProofStorage(f.proofs)
	return f
}

// addLandlord seeds another landlord with a property, unit, lease and payout account.
func (f *fixture) addLandlord(landlordID, tenantID int64) (unitID, leaseID int64) {
	propertyID := f.repo.AddProperty(domain.Property{LandlordID: landlordID, Name: "Narra Heights"})
	unitID = f.repo.AddUnit(domain.Unit{PropertyID: propertyID, Name: "Unit 1A", MonthlyRent: dec("8000")})
	leaseID = f.repo.AddLease(domain.Lease{UnitID: unitID, TenantID: tenantID})
	f.addPayoutAccount(landlordID)
	return unitID, leaseID
}

func (f *fixture) addPayoutAccount(landlordID int64) {
	f.repo.AddPayoutAccount(domain.PayoutAccount{
		LandlordID:        landlordID,
		ChannelCode:       "PH_GCASH",
		AccountHolderName: "Maria Santos",
		AccountNumber:     "09171234567",
		IsActive:          true,
		ChannelAvailable:  true,
	})
}

func (f *fixture) addStatements() {
	f.repo.AddUtilityStatement(domain.UtilityStatement{
		PropertyID: f.propertyID, Utility: domain.UtilityWater,
		TotalConsumption: dec("60"), TotalBilledAmount: dec("1200"), StatementDate: fixedNow.AddDate(0, 0, -10),
	})
	f.repo.AddUtilityStatement(domain.UtilityStatement{
		PropertyID: f.propertyID, Utility: domain.UtilityElectricity,
		TotalConsumption: dec("100"), TotalBilledAmount: dec("1200"), StatementDate: fixedNow.AddDate(0, 0, -10),
	})
}

func (f *fixture) notificationsFor(userID int64) []domain.OutboxNotification {
	out := make([]domain.OutboxNotification, 0)
	for _, n := range f.repo.PendingNotifications() {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (f *fixture) payment(t *testing.T, id int64) domain.Payment {
	t.Helper()
	p, err := f.repo.FindPayment(context.Background(), id)
	require.NoError(t, err)
	return *p
}

type fakeGateway struct {
	mu       sync.Mutex
	calls    []gatewayCall
	err      error
	failFor  map[int64]error
	payoutID string
}

type gatewayCall struct {
	payload        payoutclient.CreatePayoutRequest
	idempotencyKey string
}

func (g *fakeGateway) CreatePayout(ctx context.Context, payload payoutclient.CreatePayoutRequest, idempotencyKey string) (*payoutclient.Payout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{payload: payload, idempotencyKey: idempotencyKey})
	if g.err != nil {
		return nil, g.err
	}
	if landlordID, ok := payload.Metadata["landlord_id"].(int64); ok && g.failFor[landlordID] != nil {
		return nil, g.failFor[landlordID]
	}
	id := g.payoutID
	if id == "" {
		id = "po_" + payload.ReferenceID
	}
	return &payoutclient.Payout{ID: id, ReferenceID: payload.ReferenceID, Status: "ACCEPTED"}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type fakeProofStorage struct {
	mu      sync.Mutex
	keys    []string
	deleted []string
	putErr  error
}

func (p *fakeProofStorage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.putErr != nil {
		return "", p.putErr
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	p.keys = append(p.keys, key)
	return "https://storage.local/proofs/" + key, nil
}

func (p *fakeProofStorage) Delete(ctx context.Context, objectURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, objectURL)
	return nil
}

type fakeLimiter struct {
	count int
	err   error
	calls []string
}

func (l *fakeLimiter) ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (int, int, error) {
	l.calls = append(l.calls, scope+":"+subject)
	return l.count, 42, l.err
}

func TestNewServiceDefaults(t *testing.T) {
	svc := NewService(store.NewMemoryRepository(), &fakeGateway{}, nil, Settings{Currency: " php "})
	assert.True(t, svc.settings.MinimumPayout.Equal(domain.MinimumPayout))
	assert.Equal(t, "PHP", svc.settings.Currency)
	assert.NotNil(t, svc.locker)
}

func TestConsumeRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("disabled without limiter", func(t *testing.T) {
		assert.NoError(t, f.svc.consumeRateLimit(ctx, "payment_submit", "user_1", 1))
	})

	t.Run("within limit", func(t *testing.T) {
		limiter := &fakeLimiter{count: 3}
		f.svc.SetRateLimiter(limiter)
		assert.NoError(t, f.svc.consumeRateLimit(ctx, "payment_submit", "user_1", 3))
		assert.Equal(t, []string{"payment_submit:user_1"}, limiter.calls)
	})

	t.Run("over limit", func(t *testing.T) {
		f.svc.SetRateLimiter(&fakeLimiter{count: 4})
		err := f.svc.consumeRateLimit(ctx, "payment_submit", "user_1", 3)
		require.Error(t, err)
		assert.True(t, domain.ErrRateLimited.Has(err))
		assert.Contains(t, err.Error(), "42 seconds")
	})

	t.Run("fails open on limiter error", func(t *testing.T) {
		f.svc.SetRateLimiter(&fakeLimiter{count: 99, err: errors.New("redis down")})
		assert.NoError(t, f.svc.consumeRateLimit(ctx, "payment_submit", "user_1", 3))
	})
}

func TestEnqueueSkipsAnonymousRecipients(t *testing.T) {
	repo := store.NewMemoryRepository()
	ctx := context.Background()
	err := repo.InTx(ctx, func(q store.Queries) error {
		return enqueue(ctx, q,
			domain.NewNotification(0, "nobody", "", ""),
			domain.NewNotification(12, "someone", "", ""),
		)
	})
	require.NoError(t, err)
	pending := repo.PendingNotifications()
	require.Len(t, pending, 1)
	assert.Equal(t, int64(12), pending[0].UserID)
}
