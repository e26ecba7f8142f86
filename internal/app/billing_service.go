package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rentflow/billing-service/internal/domain"
	"github.com/rentflow/billing-service/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// UtilityRates derives the current water and electricity rates of a property from its
// latest provider statements. A utility without a statement has a zero rate.
func (s *Service) UtilityRates(ctx context.Context, propertyID int64) (*domain.UtilityRates, error) {
	if _, err := s.repo.FindProperty(ctx, propertyID); err != nil {
		return nil, err
	}
	water, err := deriveUtilityRate(ctx, s.repo, propertyID, domain.UtilityWater)
	if err != nil {
		return nil, err
	}
	electricity, err := deriveUtilityRate(ctx, s.repo, propertyID, domain.UtilityElectricity)
	if err != nil {
		return nil, err
	}
	return &domain.UtilityRates{PropertyID: propertyID, WaterRate: water, ElectricityRate: electricity}, nil
}

func deriveUtilityRate(ctx context.Context, q store.Queries, propertyID int64, utility domain.Utility) (decimal.Decimal, error) {
	statement, err := q.LatestUtilityStatement(ctx, propertyID, utility)
	if errors.Is(err, store.ErrStatementNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load %s statement: %w", utility, err)
	}
	return DeriveRate(statement.TotalBilledAmount, statement.TotalConsumption), nil
}

// UpsertBilling creates or corrects the bill of a unit for a period. The submitted charge
// list replaces the stored one; a nil list keeps the stored charges. A paid bill is settled
// and cannot be changed.
func (s *Service) UpsertBilling(ctx context.Context, unitID int64, rawPeriod string, req domain.UpsertBillingRequest) (*domain.BillingRecord, bool, error) {
	period, err := domain.ParsePeriod(rawPeriod)
	if err != nil {
		return nil, false, err
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	var (
		record  *domain.BillingRecord
		created bool
	)
	err = s.repo.InTx(ctx, func(q store.Queries) error {
		unit, err := q.FindUnit(ctx, unitID)
		if err != nil {
			return err
		}
		if _, err := q.FindProperty(ctx, unit.PropertyID); err != nil {
			return err
		}

		existing, err := q.LockBilling(ctx, unit.ID, period)
		if err != nil && !errors.Is(err, store.ErrBillingNotFound) {
			return err
		}
		if existing != nil && existing.Status == domain.BillingPaid {
			return store.ErrBillingSettled
		}

		waterRate, err := rateOrDerived(ctx, q, req.WaterRate, unit.PropertyID, domain.UtilityWater)
		if err != nil {
			return err
		}
		electricityRate, err := rateOrDerived(ctx, q, req.ElectricityRate, unit.PropertyID, domain.UtilityElectricity)
		if err != nil {
			return err
		}

		water, electricity := req.Water.Reading(), req.Electricity.Reading()
		rec := &domain.BillingRecord{
			UnitID:              unit.ID,
			LeaseID:             unit.ActiveLeaseID,
			Period:              period,
			WaterPrevious:       water.Previous,
			WaterCurrent:        water.Current,
			ElectricityPrevious: electricity.Previous,
			ElectricityCurrent:  electricity.Current,
			WaterRate:           waterRate,
			ElectricityRate:     electricityRate,
			DueDate:             req.DueDate,
		}
		rec.RentAmount = req.RentAmount.Or(unit.MonthlyRent)
		rec.AssocDues = req.AssocDues.Or(unit.AssocDues)
		if existing != nil {
			rec.ID = existing.ID
		}

		charges, err := syncCharges(ctx, q, unit.ID, period, req.Charges)
		if err != nil {
			return err
		}
		pdc, err := findBillingPDC(ctx, q, rec.LeaseID, period, existing)
		if err != nil {
			return err
		}
		applyBreakdown(rec, charges, pdc)

		created, err = q.UpsertBilling(ctx, rec)
		if err != nil {
			return err
		}
		if err := linkClearedPDC(ctx, q, pdc, rec.ID); err != nil {
			return err
		}

		if unit.TenantID != nil {
			title := "Bill updated"
			if created {
				title = "New bill available"
			}
			body := fmt.Sprintf("Your %s bill for %s is %s.", period, unit.Name, peso(rec.TotalAmountDue))
			if err := enqueue(ctx, q, domain.NewNotification(*unit.TenantID, title, body, "/tenant/billing/"+period.String())); err != nil {
				return err
			}
		}
		record = rec
		return nil
	})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, store.ErrBillingSettled) {
			outcome = "rejected"
		}
		s.metrics.BillingUpsert(outcome)
		return nil, false, err
	}

	outcome := "updated"
	if created {
		outcome = "created"
	}
	s.metrics.BillingUpsert(outcome)
	s.logger.Info("billing upserted",
		zap.String("component", "billing"),
		zap.String("outcome", outcome),
		zap.Int64("unit_id", record.UnitID),
		zap.String("period", record.Period.String()),
		zap.String("total_amount_due", record.TotalAmountDue.StringFixed(2)),
	)
	return record, created, nil
}

// GetBilling returns the bill of a unit for a period together with its charges.
func (s *Service) GetBilling(ctx context.Context, unitID int64, rawPeriod string) (*domain.BillingRecord, error) {
	period, err := domain.ParsePeriod(rawPeriod)
	if err != nil {
		return nil, err
	}
	record, err := s.repo.FindBilling(ctx, unitID, period)
	if err != nil {
		return nil, err
	}
	charges, err := s.repo.ListCharges(ctx, unitID, period)
	if err != nil {
		return nil, fmt.Errorf("failed to list charges: %w", err)
	}
	record.Charges = charges
	return record, nil
}

// AddCharge stores one charge for a unit and period. The bill does not need to exist yet;
// when it does, its totals are recomputed in the same transaction.
func (s *Service) AddCharge(ctx context.Context, unitID int64, rawPeriod string, req domain.AddChargeRequest) (*domain.Charge, error) {
	period, err := domain.ParsePeriod(rawPeriod)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	charge := &domain.Charge{
		UnitID:      unitID,
		Period:      period,
		Category:    req.Category,
		Description: req.Description,
		Amount:      domain.RoundMoney(req.Amount.Value),
	}
	err = s.repo.InTx(ctx, func(q store.Queries) error {
		if _, err := q.FindUnit(ctx, unitID); err != nil {
			return err
		}
		existing, err := q.LockBilling(ctx, unitID, period)
		if err != nil && !errors.Is(err, store.ErrBillingNotFound) {
			return err
		}
		if existing != nil && existing.Status == domain.BillingPaid {
			return store.ErrBillingSettled
		}
		if err := q.InsertCharge(ctx, charge); err != nil {
			return err
		}
		if existing != nil {
			return recomputeBilling(ctx, q, existing)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return charge, nil
}

// DeleteCharge removes a charge from storage and recomputes the bill it belongs to.
func (s *Service) DeleteCharge(ctx context.Context, chargeID int64) error {
	return s.repo.InTx(ctx, func(q store.Queries) error {
		charge, err := q.FindCharge(ctx, chargeID)
		if err != nil {
			return err
		}
		existing, err := q.LockBilling(ctx, charge.UnitID, charge.Period)
		if err != nil && !errors.Is(err, store.ErrBillingNotFound) {
			return err
		}
		if existing != nil && existing.Status == domain.BillingPaid {
			return store.ErrBillingSettled
		}
		if err := q.DeleteCharge(ctx, chargeID); err != nil {
			return err
		}
		if existing != nil {
			return recomputeBilling(ctx, q, existing)
		}
		return nil
	})
}

// UpdatePDCStatus moves a post-dated check to a new status and recomputes the unpaid bill
// it applies to, so a cleared check is credited and a bounced one is withdrawn.
func (s *Service) UpdatePDCStatus(ctx context.Context, pdcID int64, req domain.UpdatePDCStatusRequest) (*domain.PostDatedCheck, error) {
	switch req.Status {
	case domain.PDCPending, domain.PDCCleared, domain.PDCBounced, domain.PDCReplaced:
	default:
		return nil, domain.NewValidationError("status", "must be one of pending, cleared, bounced, replaced")
	}

	var updated *domain.PostDatedCheck
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		pdc, err := q.LockPDC(ctx, pdcID)
		if err != nil {
			return err
		}
		if err := domain.ValidateTransition(domain.PDCTransitions, pdc.Status, req.Status); err != nil {
			return err
		}
		updated, err = q.UpdatePDCStatus(ctx, pdcID, req.Status)
		if err != nil {
			return err
		}

		rec, err := billingForPDC(ctx, q, updated)
		if err != nil || rec == nil || rec.Status == domain.BillingPaid {
			return err
		}
		return recomputeBilling(ctx, q, rec)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("pdc status updated",
		zap.String("component", "pdc"),
		zap.Int64("pdc_id", pdcID),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

// billingForPDC returns the bill a check applies to: the linked one, else the lease unit's
// bill for the period containing the due date. It returns nil when there is none.
func billingForPDC(ctx context.Context, q store.Queries, pdc *domain.PostDatedCheck) (*domain.BillingRecord, error) {
	var (
		rec *domain.BillingRecord
		err error
	)
	if pdc.BillingID != nil {
		rec, err = q.LockBillingByID(ctx, *pdc.BillingID)
	} else {
		lease, leaseErr := q.FindLease(ctx, pdc.LeaseID)
		if leaseErr != nil {
			return nil, leaseErr
		}
		rec, err = q.LockBilling(ctx, lease.UnitID, domain.PeriodOf(pdc.DueDate))
	}
	if errors.Is(err, store.ErrBillingNotFound) {
		return nil, nil
	}
	return rec, err
}

// recomputeBilling refreshes the totals of a stored unpaid bill from its stored readings,
// current charges and post-dated check.
func recomputeBilling(ctx context.Context, q store.Queries, rec *domain.BillingRecord) error {
	charges, err := q.ListCharges(ctx, rec.UnitID, rec.Period)
	if err != nil {
		return err
	}
	leaseID := rec.LeaseID
	if leaseID == nil {
		unit, err := q.FindUnit(ctx, rec.UnitID)
		if err != nil {
			return err
		}
		leaseID = unit.ActiveLeaseID
	}
	pdc, err := findBillingPDC(ctx, q, leaseID, rec.Period, rec)
	if err != nil {
		return err
	}
	applyBreakdown(rec, charges, pdc)
	if _, err := q.UpsertBilling(ctx, rec); err != nil {
		return err
	}
	return linkClearedPDC(ctx, q, pdc, rec.ID)
}

func applyBreakdown(rec *domain.BillingRecord, charges []domain.Charge, pdc *domain.PostDatedCheck) {
	rec.BillingBreakdown = CalculateBill(billingInput(rec, charges, pdc))
	rec.PDCID = nil
	if pdc != nil && pdc.Status == domain.PDCCleared {
		id := pdc.ID
		rec.PDCID = &id
	}
	rec.Charges = charges
}

func findBillingPDC(ctx context.Context, q store.Queries, leaseID *int64, period domain.Period, existing *domain.BillingRecord) (*domain.PostDatedCheck, error) {
	if leaseID == nil {
		return nil, nil
	}
	var billingID *int64
	if existing != nil && existing.ID > 0 {
		id := existing.ID
		billingID = &id
	}
	pdc, err := q.FindPDCForBilling(ctx, *leaseID, period, billingID)
	if errors.Is(err, store.ErrPDCNotFound) {
		return nil, nil
	}
	return pdc, err
}

func linkClearedPDC(ctx context.Context, q store.Queries, pdc *domain.PostDatedCheck, billingID int64) error {
	if pdc == nil || pdc.Status != domain.PDCCleared {
		return nil
	}
	if pdc.BillingID != nil && *pdc.BillingID == billingID {
		return nil
	}
	return q.LinkPDCToBilling(ctx, pdc.ID, billingID)
}

func rateOrDerived(ctx context.Context, q store.Queries, submitted domain.NumberField, propertyID int64, utility domain.Utility) (decimal.Decimal, error) {
	if submitted.Valid {
		return submitted.Value.Round(domain.RateScale), nil
	}
	return deriveUtilityRate(ctx, q, propertyID, utility)
}

// syncCharges makes the stored charges of (unit, period) match the submitted list.
// Charges carrying an id are updated, new ones inserted and missing ones deleted.
func syncCharges(ctx context.Context, q store.Queries, unitID int64, period domain.Period, submitted []domain.ChargeInput) ([]domain.Charge, error) {
	stored, err := q.ListCharges(ctx, unitID, period)
	if err != nil {
		return nil, err
	}
	if submitted == nil {
		return stored, nil
	}

	byID := make(map[int64]domain.Charge, len(stored))
	for _, c := range stored {
		byID[c.ID] = c
	}

	kept := make(map[int64]bool, len(submitted))
	result := make([]domain.Charge, 0, len(submitted))
	for i, in := range submitted {
		charge := domain.Charge{
			UnitID:      unitID,
			Period:      period,
			Category:    in.Category,
			Description: in.Description,
			Amount:      domain.RoundMoney(in.Amount.Value),
		}
		if in.ID != nil {
			current, ok := byID[*in.ID]
			if !ok {
				return nil, store.ErrChargeNotFound
			}
			// A charge listed twice would be counted twice in the totals.
			if kept[current.ID] {
				return nil, domain.NewValidationError(fmt.Sprintf("charges[%d].id", i), "duplicates an earlier charge")
			}
			charge.ID = current.ID
			charge.CreatedAt = current.CreatedAt
			if err := q.UpdateCharge(ctx, &charge); err != nil {
				return nil, err
			}
			kept[charge.ID] = true
		} else if err := q.InsertCharge(ctx, &charge); err != nil {
			return nil, err
		}
		result = append(result, charge)
	}

	for _, c := range stored {
		if kept[c.ID] {
			continue
		}
		if err := q.DeleteCharge(ctx, c.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}
