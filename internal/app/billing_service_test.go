package app

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rentflow/billing-service/internal/domain"
	"github.com/rentflow/billing-service/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func num(s string) domain.NumberField {
	return domain.NumberFromString(s)
}

func marchRequest() domain.UpsertBillingRequest {
	return domain.UpsertBillingRequest{
		Water:       domain.ReadingInput{Previous: num("10"), Current: num("15")},
		Electricity: domain.ReadingInput{Previous: num("400"), Current: num("500")},
		Charges: []domain.ChargeInput{
			{Category: domain.ChargeAdditional, Description: "Parking", Amount: num("300")},
			{Category: domain.ChargeDiscount, Description: "Loyalty discount", Amount: num("200")},
		},
	}
}

func TestUtilityRates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rates, err := f.svc.UtilityRates(ctx, f.propertyID)
	require.NoError(t, err)
	assertDecimal(t, "0", rates.WaterRate)
	assertDecimal(t, "0", rates.ElectricityRate)

	f.addStatements()
	rates, err = f.svc.UtilityRates(ctx, f.propertyID)
	require.NoError(t, err)
	assertDecimal(t, "20", rates.WaterRate)
	assertDecimal(t, "12", rates.ElectricityRate)

	_, err = f.svc.UtilityRates(ctx, 99999)
	assert.True(t, domain.ErrNotFound.Has(err))
}

func TestUpsertBillingCreatesWithDerivedRates(t *testing.T) {
	f := newFixture(t)
	f.addStatements()

	rec, created, err := f.svc.UpsertBilling(context.Background(), f.unitID, "2024-03", marchRequest())
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, domain.Period("2024-03"), rec.Period)
	assert.Equal(t, domain.BillingUnpaid, rec.Status)
	require.NotNil(t, rec.LeaseID)
	assert.Equal(t, f.leaseID, *rec.LeaseID)
	assertDecimal(t, "20", rec.WaterRate)
	assertDecimal(t, "12", rec.ElectricityRate)
	assertDecimal(t, "10000", rec.RentAmount)
	assertDecimal(t, "500", rec.AssocDues)
	assertDecimal(t, "11900", rec.TotalAmountDue)
	assert.Len(t, rec.Charges, 2)

	notes := f.notificationsFor(f.tenantID)
	require.Len(t, notes, 1)
	assert.Equal(t, "New bill available", notes[0].Title)
	assert.Contains(t, notes[0].Body, "₱11900.00")
}

func TestUpsertBillingUpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	f.addStatements()
	ctx := context.Background()

	first, _, err := f.svc.UpsertBilling(ctx, f.unitID, "2024-03", marchRequest())
	require.NoError(t, err)

	req := marchRequest()
	req.Water = domain.ReadingInput{Previous: num("10"), Current: num("20")}
	second, created, err := f.svc.UpsertBilling(ctx, f.unitID, "2024-03", req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	records := f.repo.BillingRecords()
	require.Len(t, records, 1)
	assertDecimal(t, "10", records[0].WaterUsage)
	assertDecimal(t, "12000", records[0].TotalAmountDue)
}

func TestUpsertBillingReplacesChargeList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, _, err := f.svc.UpsertBilling(ctx, f.unitID, "2024-03", marchRequest())
	require.NoError(t, err)
	require.Len(t, rec.Charges, 2)
	keep := rec.Charges[0]

	req := marchRequest()
	req.Charges = []domain.ChargeInput{
		{ID: &keep.ID, Category: domain.ChargeAdditional, Description: "Parking (corrected)", Amount: num("350")},
	}
	rec, _, err = f.svc.UpsertBilling(ctx, f.unitID, "2024-03", req)
	require.NoError(t, err)

	stored, err := f.repo.ListCharges(ctx, f.unitID, "2024-03")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, keep.ID, stored[0].ID)
	assert.Equal(t, "Parking (corrected)", stored[0].Description)
	assertDecimal(t, "350", rec.TotalExtraCharges)
	assertDecimal(t, "0", rec.TotalDiscounts)

	t.Run("nil list keeps stored charges", func(t *testing.T) {
		req := marchRequest()
		req.Charges = nil
		rec, _, err := f.svc.UpsertBilling(ctx, f.unitID, "2024-03", req)
		require.NoError(t, err)
		assert.Len(t, rec.Charges, 1)
		assertDecimal(t, "350", rec.TotalExtraCharges)
	})

	t.Run("unknown charge id", func(t *testing.T) {
		missing := int64(424242)
		req := marchRequest()
		req.Charges = []domain.ChargeInput{{ID: &missing, Category: domain.ChargeAdditional, Amount: num("1")}}
		_, _, err := f.svc.UpsertBilling(ctx, f.unitID, "2024-03", req)
		assert.ErrorIs(t, err, store.ErrChargeNotFound)
	})
}

func TestUpsertBillingRejectsRepeatedChargeID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, _, err := f.svc.UpsertBilling(ctx, f.unitID, "2024-03", marchRequest())
	require.NoError(t, err)
	parking := rec.Charges[0].ID

	req := marchRequest()
	req.Charges = []domain.ChargeInput{
		{ID: &parking, Category: domain.ChargeAdditional, Description: "Parking", Amount: num("300")},
		{ID: &parking, Category: domain.ChargeAdditional, Description: "Parking", Amount: num("300")},
	}
	_, _, err = f.svc.UpsertBilling(ctx, f.unitID, "2024-03", req)
	var v *domain.ValidationError
	require.True(t, errors.As(err, &v))
	assert.Contains(t, v.Fields, "charges[1].id")

	err = f.repo.InTx(ctx, func(q store.Queries) error {
		_, err := syncCharges(ctx, q, f.unitID, "2024-03", req.Charges)
		return err
	})
	require.True(t, errors.As(err, &v), "the charge sync refuses a repeated id on its own")

	stored, err := f.svc.GetBilling(ctx, f.unitID, "2024-03")
	require.NoError(t, err)
	assert.Len(t, stored.Charges, 2)
	assertDecimal(t, "300", stored.TotalExtraCharges)
	assertDecimal(t, "200", stored.TotalDiscounts)
	assertDecimal(t, "10600", stored.TotalAmountDue)
}

func TestUpsertBillingRejectsSettledBill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, _, err := f.svc.UpsertBilling(ctx, f.unitID, "2024-03", marchRequest())
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateBillingStatus(ctx, rec.ID, domain.BillingPaid))

	_, _, err = f.svc.UpsertBilling(ctx, f.unitID, "2024-03", marchRequest())
	require.Error(t, err)
	assert.True(t, domain.ErrConflict.Has(err))
	assert.ErrorIs(t, err, store.ErrBillingSettled)
}

func TestUpsertBillingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		unitID int64
		period string
		req    domain.UpsertBillingRequest
		check  func(t *testing.T, err error)
	}{
		{
			name: "bad period", unitID: f.unitID, period: "March 2024", req: marchRequest(),
			check: func(t *testing.T, err error) {
				var v *domain.ValidationError
				require.True(t, errors.As(err, &v))
				assert.Contains(t, v.Fields, "period")
			},
		},
		{
			name: "non-numeric reading", unitID: f.unitID, period: "2024-03",
			req: domain.UpsertBillingRequest{Water: domain.ReadingInput{Previous: num("10"), Current: num("abc")}},
			check: func(t *testing.T, err error) {
				var v *domain.ValidationError
				require.True(t, errors.As(err, &v))
				assert.Contains(t, v.Fields, "water.current")
			},
		},
		{
			name: "negative rent", unitID: f.unitID, period: "2024-03",
			req: domain.UpsertBillingRequest{RentAmount: num("-1")},
			check: func(t *testing.T, err error) {
				var v *domain.ValidationError
				require.True(t, errors.As(err, &v))
				assert.Contains(t, v.Fields, "rent_amount")
			},
		},
		{
			name: "missing unit", unitID: 99999, period: "2024-03", req: marchRequest(),
			check: func(t *testing.T, err error) {
				assert.True(t, domain.ErrNotFound.Has(err))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := f.svc.UpsertBilling(ctx, tc.unitID, tc.period, tc.req)
			require.Error(t, err)
			tc.check(t, err)
		})
	}
	assert.Empty(t, f.repo.BillingRecords())
}

func TestUpsertBillingAppliesClearedPDC(t *testing.T) {
	f := newFixture(t)
	pdcID := f.repo.AddPDC(domain.PostDatedCheck{
		LeaseID: f.leaseID, CheckNumber: "000123", Amount: dec("15000"),
		Status: domain.PDCCleared, DueDate: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
	})

	req := marchRequest()
	req.Charges = nil
	rec, _, err := f.svc.UpsertBilling(context.Background(), f.unitID, "2024-03", req)
	require.NoError(t, err)

	assertDecimal(t, "10000", rec.PDCCredit)
	require.NotNil(t, rec.PDCID)
	assert.Equal(t, pdcID, *rec.PDCID)
	assertDecimal(t, "500", rec.TotalAmountDue)

	pdc, err := f.repo.LockPDC(context.Background(), pdcID)
	require.NoError(t, err)
	require.NotNil(t, pdc.BillingID)
	assert.Equal(t, rec.ID, *pdc.BillingID)
}

func TestUpdatePDCStatusRecomputesBill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pdcID := f.repo.AddPDC(domain.PostDatedCheck{
		LeaseID: f.leaseID, CheckNumber: "000124", Amount: dec("4000"),
		DueDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	req := marchRequest()
	req.Charges = nil
	rec, _, err := f.svc.UpsertBilling(ctx, f.unitID, "2024-03", req)
	require.NoError(t, err)
	assertDecimal(t, "0", rec.PDCCredit)
	assertDecimal(t, "10500", rec.TotalAmountDue)

	pdc, err := f.svc.UpdatePDCStatus(ctx, pdcID, domain.UpdatePDCStatusRequest{Status: domain.PDCCleared})
	require.NoError(t, err)
	assert.Equal(t, domain.PDCCleared, pdc.Status)

	updated, err := f.svc.GetBilling(ctx, f.unitID, "2024-03")
	require.NoError(t, err)
	assertDecimal(t, "4000", updated.PDCCredit)
	assertDecimal(t, "6500", updated.TotalAmountDue)

	_, err = f.svc.UpdatePDCStatus(ctx, pdcID, domain.UpdatePDCStatusRequest{Status: domain.PDCPending})
	assert.True(t, domain.ErrConflict.Has(err))

	_, err = f.svc.UpdatePDCStatus(ctx, pdcID, domain.UpdatePDCStatusRequest{Status: "lost"})
	var v *domain.ValidationError
	assert.True(t, errors.As(err, &v))

	_, err = f.svc.UpdatePDCStatus(ctx, 99999, domain.UpdatePDCStatusRequest{Status: domain.PDCCleared})
	assert.ErrorIs(t, err, store.ErrPDCNotFound)
}

func TestBouncedPDCWithdrawsCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pdcID := f.repo.AddPDC(domain.PostDatedCheck{
		LeaseID: f.leaseID, Amount: dec("3000"), DueDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	req := marchRequest()
	req.Charges = nil
	_, _, err := f.svc.UpsertBilling(ctx, f.unitID, "2024-03", req)
	require.NoError(t, err)

	_, err = f.svc.UpdatePDCStatus(ctx, pdcID, domain.UpdatePDCStatusRequest{Status: domain.PDCBounced})
	require.NoError(t, err)

	rec, err := f.svc.GetBilling(ctx, f.unitID, "2024-03")
	require.NoError(t, err)
	assertDecimal(t, "0", rec.PDCCredit)
	assert.Nil(t, rec.PDCID)
}

func TestAddAndDeleteCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	early, err := f.svc.AddCharge(ctx, f.unitID, "2024-03", domain.AddChargeRequest{
		Category: domain.ChargeAdditional, Description: "Pest control", Amount: num("250"),
	})
	require.NoError(t, err)
	assert.NotZero(t, early.ID)
	assert.Empty(t, f.repo.BillingRecords(), "a charge may exist before the bill")

	req := marchRequest()
	req.Charges = nil
	rec, _, err := f.svc.UpsertBilling(ctx, f.unitID, "2024-03", req)
	require.NoError(t, err)
	assertDecimal(t, "250", rec.TotalExtraCharges)
	assertDecimal(t, "10750", rec.TotalAmountDue)

	discount, err := f.svc.AddCharge(ctx, f.unitID, "2024-03", domain.AddChargeRequest{
		Category: domain.ChargeDiscount, Description: "Goodwill", Amount: num("100"),
	})
	require.NoError(t, err)
	rec, err = f.svc.GetBilling(ctx, f.unitID, "2024-03")
	require.NoError(t, err)
	assertDecimal(t, "10650", rec.TotalAmountDue)
	assert.Len(t, rec.Charges, 2)

	require.NoError(t, f.svc.DeleteCharge(ctx, discount.ID))
	rec, err = f.svc.GetBilling(ctx, f.unitID, "2024-03")
	require.NoError(t, err)
	assertDecimal(t, "10750", rec.TotalAmountDue)
	assert.Len(t, rec.Charges, 1)

	assert.ErrorIs(t, f.svc.DeleteCharge(ctx, discount.ID), store.ErrChargeNotFound)

	_, err = f.svc.AddCharge(ctx, f.unitID, "2024-03", domain.AddChargeRequest{Category: "fee", Amount: num("1")})
	var v *domain.ValidationError
	assert.True(t, errors.As(err, &v))
}

func TestChargesOnSettledBillAreRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, _, err := f.svc.UpsertBilling(ctx, f.unitID, "2024-03", marchRequest())
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateBillingStatus(ctx, rec.ID, domain.BillingPaid))

	_, err = f.svc.AddCharge(ctx, f.unitID, "2024-03", domain.AddChargeRequest{
		Category: domain.ChargeAdditional, Description: "Late fee", Amount: num("100"),
	})
	assert.ErrorIs(t, err, store.ErrBillingSettled)

	assert.ErrorIs(t, f.svc.DeleteCharge(ctx, rec.Charges[0].ID), store.ErrBillingSettled)
}

func TestGetBillingNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetBilling(context.Background(), f.unitID, "2024-04")
	assert.ErrorIs(t, err, store.ErrBillingNotFound)
}

func TestConcurrentUpsertsOfNewPeriodLeaveOneConsistentBill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const writers = 8

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := marchRequest()
			req.Charges = make([]domain.ChargeInput, 0, i+1)
			for j := 0; j <= i; j++ {
				req.Charges = append(req.Charges, domain.ChargeInput{
					Category: domain.ChargeAdditional, Description: "Parking", Amount: num("100"),
				})
			}
			_, _, errs[i] = f.svc.UpsertBilling(ctx, f.unitID, "2024-03", req)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Len(t, f.repo.BillingRecords(), 1)
	rec, err := f.svc.GetBilling(ctx, f.unitID, "2024-03")
	require.NoError(t, err)
	n := len(rec.Charges)
	require.True(t, n >= 1 && n <= writers, "got %d charges", n)
	assertDecimal(t, strconv.Itoa(100*n), rec.TotalExtraCharges)
	assertDecimal(t, strconv.Itoa(10500+100*n), rec.TotalAmountDue)

	created := 0
	for _, note := range f.notificationsFor(f.tenantID) {
		if note.Title == "New bill available" {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestConcurrentAddChargeWhileBillIsCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const adders = 8

	var wg sync.WaitGroup
	errs := make([]error, adders+1)
	for i := 0; i < adders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.AddCharge(ctx, f.unitID, "2024-03", domain.AddChargeRequest{
				Category: domain.ChargeAdditional, Description: "Water refill", Amount: num("50"),
			})
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := marchRequest()
		req.Charges = nil
		_, _, errs[adders] = f.svc.UpsertBilling(ctx, f.unitID, "2024-03", req)
	}()
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	rec, err := f.svc.GetBilling(ctx, f.unitID, "2024-03")
	require.NoError(t, err)
	assert.Len(t, rec.Charges, adders)
	assertDecimal(t, "400", rec.TotalExtraCharges)
	assertDecimal(t, "10900", rec.TotalAmountDue)
}
