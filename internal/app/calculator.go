package app

import (
	"github.com/rentflow/billing-service/internal/domain"
	"github.com/shopspring/decimal"
)

// DeriveRate returns the per-unit rate billed by a provider statement. A statement
// with no consumption yields a zero rate.
func DeriveRate(totalBilledAmount, totalConsumption decimal.Decimal) decimal.Decimal {
	if !totalConsumption.IsPositive() || totalBilledAmount.IsNegative() {
		return decimal.Zero
	}
	return totalBilledAmount.DivRound(totalConsumption, domain.RateScale)
}

// CalculateBill computes the line-itemized bill for one unit and period. It never fails:
// negative amounts and rates are treated as zero and a missing reading pair bills no usage.
func CalculateBill(in domain.BillingInput) domain.BillingBreakdown {
	rent := domain.RoundMoney(domain.NonNegative(in.RentAmount))
	assoc := domain.RoundMoney(domain.NonNegative(in.AssocDues))

	waterUsage := in.Water.Usage()
	electricityUsage := in.Electricity.Usage()
	waterCost := domain.RoundMoney(waterUsage.Mul(domain.NonNegative(in.WaterRate)))
	electricityCost := domain.RoundMoney(electricityUsage.Mul(domain.NonNegative(in.ElectricityRate)))

	extras := sumAmounts(in.ExtraCharges)
	discounts := sumAmounts(in.Discounts)

	pdcCredit := decimal.Zero
	if in.PDC != nil && in.PDC.Status == domain.PDCCleared {
		pdcCredit = decimal.Min(domain.RoundMoney(domain.NonNegative(in.PDC.Amount)), rent)
	}

	total := rent.Sub(pdcCredit).
		Add(assoc).
		Add(waterCost).
		Add(electricityCost).
		Add(extras).
		Sub(discounts)

	credit := decimal.Zero
	if total.IsNegative() {
		credit = total.Neg()
		total = decimal.Zero
	}

	return domain.BillingBreakdown{
		WaterUsage:        waterUsage,
		ElectricityUsage:  electricityUsage,
		WaterCost:         waterCost,
		ElectricityCost:   electricityCost,
		RentAmount:        rent,
		AssocDues:         assoc,
		TotalExtraCharges: extras,
		TotalDiscounts:    discounts,
		PDCCredit:         pdcCredit,
		TotalAmountDue:    domain.RoundMoney(total),
		CreditBalance:     domain.RoundMoney(credit),
	}
}

func sumAmounts(amounts []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(domain.NonNegative(a))
	}
	return domain.RoundMoney(total)
}

// PreviewBill runs the calculator on client-supplied values without touching storage.
func PreviewBill(req domain.BillingPreviewRequest) domain.BillingBreakdown {
	in := domain.BillingInput{
		Water:           req.Water.Reading(),
		Electricity:     req.Electricity.Reading(),
		WaterRate:       req.WaterRate.Or(decimal.Zero),
		ElectricityRate: req.ElectricityRate.Or(decimal.Zero),
		RentAmount:      req.RentAmount.Or(decimal.Zero),
		AssocDues:       req.AssocDues.Or(decimal.Zero),
		ExtraCharges:    lineAmounts(req.ExtraCharges),
		Discounts:       lineAmounts(req.Discounts),
	}
	if req.PDCAmount.Valid {
		status := req.PDCStatus
		if status == "" {
			status = domain.PDCPending
		}
		in.PDC = &domain.PostDatedCheck{Amount: req.PDCAmount.Value, Status: status}
	}
	return CalculateBill(in)
}

func lineAmounts(lines []domain.ChargeLine) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(lines))
	for _, l := range lines {
		out = append(out, l.Amount.Or(decimal.Zero))
	}
	return out
}

// billingInput assembles calculator input from a record's stored values, its charges and the PDC.
func billingInput(rec *domain.BillingRecord, charges []domain.Charge, pdc *domain.PostDatedCheck) domain.BillingInput {
	in := domain.BillingInput{
		Water:           rec.Water(),
		Electricity:     rec.Electricity(),
		WaterRate:       rec.WaterRate,
		ElectricityRate: rec.ElectricityRate,
		RentAmount:      rec.RentAmount,
		AssocDues:       rec.AssocDues,
		PDC:             pdc,
	}
	for _, c := range charges {
		switch c.Category {
		case domain.ChargeAdditional:
			in.ExtraCharges = append(in.ExtraCharges, c.Amount)
		case domain.ChargeDiscount:
			in.Discounts = append(in.Discounts, c.Amount)
		}
	}
	return in
}
