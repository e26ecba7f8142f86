/**
 * @description
 * Billing domain models: properties, units, utility statements, meter readings,
 * charges, post-dated checks and the per-(unit, period) billing record, plus the
 * request DTOs used by the billing endpoints.
 *
 * @notes
 * - Amounts are decimal.Decimal in pesos. Currency values are rounded to 2 places,
 *   per-unit rates to 6.
 */

package domain

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Utility identifies a submetered utility.
type Utility string

const (
	UtilityWater       Utility = "water"
	UtilityElectricity Utility = "electricity"
)

// Valid reports whether u is a known utility.
func (u Utility) Valid() bool {
	return u == UtilityWater || u == UtilityElectricity
}

// Property is a landlord's building. Utility statements are reported per property.
type Property struct {
	ID         int64  `json:"id"`
	LandlordID int64  `json:"landlord_id"`
	Name       string `json:"name"`
}

// Unit is a rentable unit with its own water and electricity meters.
type Unit struct {
	ID            int64           `json:"id"`
	PropertyID    int64           `json:"property_id"`
	LandlordID    int64           `json:"landlord_id"`
	Name          string          `json:"name"`
	MonthlyRent   decimal.Decimal `json:"monthly_rent"`
	AssocDues     decimal.Decimal `json:"assoc_dues"`
	ActiveLeaseID *int64          `json:"active_lease_id,omitempty"`
	TenantID      *int64          `json:"tenant_id,omitempty"`
}

// UtilityStatement is a provider's aggregate bill for one utility of a property.
type UtilityStatement struct {
	ID                int64           `json:"id"`
	PropertyID        int64           `json:"property_id"`
	Utility           Utility         `json:"utility"`
	TotalConsumption  decimal.Decimal `json:"total_consumption"`
	TotalBilledAmount decimal.Decimal `json:"total_billed_amount"`
	StatementDate     time.Time       `json:"statement_date"`
}

// UtilityRates are the per-unit rates derived for a property.
type UtilityRates struct {
	PropertyID      int64           `json:"property_id"`
	WaterRate       decimal.Decimal `json:"water_rate"`
	ElectricityRate decimal.Decimal `json:"electricity_rate"`
}

// MeterReading is a previous/current pair for one utility. Either side may be missing.
type MeterReading struct {
	Previous *decimal.Decimal `json:"previous"`
	Current  *decimal.Decimal `json:"current"`
}

// Usage is max(0, current - previous), or 0 when either reading is missing.
func (m MeterReading) Usage() decimal.Decimal {
	if m.Previous == nil || m.Current == nil {
		return decimal.Zero
	}
	return NonNegative(m.Current.Sub(*m.Previous))
}

// ChargeCategory distinguishes additions from discounts on a bill.
type ChargeCategory string

const (
	ChargeAdditional ChargeCategory = "additional"
	ChargeDiscount   ChargeCategory = "discount"
)

// Valid reports whether c is a known category.
func (c ChargeCategory) Valid() bool {
	return c == ChargeAdditional || c == ChargeDiscount
}

// Charge is a line item keyed to a unit and period. It may exist before the bill does.
type Charge struct {
	ID          int64           `json:"id"`
	UnitID      int64           `json:"unit_id"`
	Period      Period          `json:"billing_period"`
	Category    ChargeCategory  `json:"category"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ChargeLine is a charge amount fed into the calculator.
type ChargeLine struct {
	Description string      `json:"description"`
	Amount      NumberField `json:"amount"`
}

// PDCStatus is the clearing state of a post-dated check.
type PDCStatus string

const (
	PDCPending  PDCStatus = "pending"
	PDCCleared  PDCStatus = "cleared"
	PDCBounced  PDCStatus = "bounced"
	PDCReplaced PDCStatus = "replaced"
)

// PDCTransitions lists the allowed post-dated check status moves.
var PDCTransitions = map[PDCStatus][]PDCStatus{
	PDCPending: {PDCCleared, PDCBounced, PDCReplaced},
	PDCBounced: {PDCReplaced},
}

// PostDatedCheck is a check a tenant pre-issues against a lease.
type PostDatedCheck struct {
	ID          int64           `json:"id"`
	LeaseID     int64           `json:"lease_id"`
	BillingID   *int64          `json:"billing_id,omitempty"`
	CheckNumber string          `json:"check_number"`
	Amount      decimal.Decimal `json:"amount"`
	Status      PDCStatus       `json:"status"`
	DueDate     time.Time       `json:"due_date"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// BillingInput is everything the calculator needs. It performs no I/O.
type BillingInput struct {
	Water           MeterReading
	Electricity     MeterReading
	WaterRate       decimal.Decimal
	ElectricityRate decimal.Decimal
	RentAmount      decimal.Decimal
	AssocDues       decimal.Decimal
	ExtraCharges    []decimal.Decimal
	Discounts       []decimal.Decimal
	PDC             *PostDatedCheck
}

// BillingBreakdown is the line-itemized output of the calculator.
type BillingBreakdown struct {
	WaterUsage        decimal.Decimal `json:"water_usage"`
	ElectricityUsage  decimal.Decimal `json:"electricity_usage"`
	WaterCost         decimal.Decimal `json:"water_cost"`
	ElectricityCost   decimal.Decimal `json:"electricity_cost"`
	RentAmount        decimal.Decimal `json:"rent_amount"`
	AssocDues         decimal.Decimal `json:"assoc_dues"`
	TotalExtraCharges decimal.Decimal `json:"total_extra_charges"`
	TotalDiscounts    decimal.Decimal `json:"total_discounts"`
	PDCCredit         decimal.Decimal `json:"pdc_credit"`
	TotalAmountDue    decimal.Decimal `json:"total_amount_due"`
	CreditBalance     decimal.Decimal `json:"credit_balance"`
}

// BillingStatus is the settlement state of a billing record.
type BillingStatus string

const (
	BillingUnpaid BillingStatus = "unpaid"
	BillingPaid   BillingStatus = "paid"
)

// BillingRecord is the current bill for one unit and period. It is updated in place until paid.
type BillingRecord struct {
	ID                  int64            `json:"id"`
	UnitID              int64            `json:"unit_id"`
	LeaseID             *int64           `json:"lease_id,omitempty"`
	Period              Period           `json:"billing_period"`
	WaterPrevious       *decimal.Decimal `json:"water_previous"`
	WaterCurrent        *decimal.Decimal `json:"water_current"`
	ElectricityPrevious *decimal.Decimal `json:"electricity_previous"`
	ElectricityCurrent  *decimal.Decimal `json:"electricity_current"`
	WaterRate           decimal.Decimal  `json:"water_rate"`
	ElectricityRate     decimal.Decimal  `json:"electricity_rate"`
	BillingBreakdown
	PDCID     *int64        `json:"pdc_id,omitempty"`
	Status    BillingStatus `json:"status"`
	DueDate   *time.Time    `json:"due_date,omitempty"`
	Charges   []Charge      `json:"charges"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Water returns the stored water reading pair.
func (b *BillingRecord) Water() MeterReading {
	return MeterReading{Previous: b.WaterPrevious, Current: b.WaterCurrent}
}

// Electricity returns the stored electricity reading pair.
func (b *BillingRecord) Electricity() MeterReading {
	return MeterReading{Previous: b.ElectricityPrevious, Current: b.ElectricityCurrent}
}

// ReadingInput is a previous/current pair as submitted by a client.
type ReadingInput struct {
	Previous NumberField `json:"previous"`
	Current  NumberField `json:"current"`
}

// Reading converts the submitted pair, dropping invalid sides.
func (r ReadingInput) Reading() MeterReading {
	return MeterReading{Previous: r.Previous.Ptr(), Current: r.Current.Ptr()}
}

// ChargeInput is a charge as submitted with a bill. ID is set for charges already stored.
type ChargeInput struct {
	ID          *int64         `json:"id,omitempty"`
	Category    ChargeCategory `json:"category"`
	Description string         `json:"description"`
	Amount      NumberField    `json:"amount"`
}

// BillingPreviewRequest is the DTO for the stateless calculator endpoint.
type BillingPreviewRequest struct {
	Water           ReadingInput `json:"water"`
	Electricity     ReadingInput `json:"electricity"`
	WaterRate       NumberField  `json:"water_rate"`
	ElectricityRate NumberField  `json:"electricity_rate"`
	RentAmount      NumberField  `json:"rent_amount"`
	AssocDues       NumberField  `json:"assoc_dues"`
	ExtraCharges    []ChargeLine `json:"extra_charges"`
	Discounts       []ChargeLine `json:"discounts"`
	PDCAmount       NumberField  `json:"pdc_amount"`
	PDCStatus       PDCStatus    `json:"pdc_status"`
}

// UpsertBillingRequest is the DTO for creating or correcting a unit's bill for a period.
// Rates and rent fall back to the property statements and the unit's rent when omitted.
type UpsertBillingRequest struct {
	Water           ReadingInput  `json:"water"`
	Electricity     ReadingInput  `json:"electricity"`
	WaterRate       NumberField   `json:"water_rate"`
	ElectricityRate NumberField   `json:"electricity_rate"`
	RentAmount      NumberField   `json:"rent_amount"`
	AssocDues       NumberField   `json:"assoc_dues"`
	Charges         []ChargeInput `json:"charges"`
	DueDate         *time.Time    `json:"due_date,omitempty"`
}

// Validate reports field-level problems. Readings must be numeric when present.
func (r UpsertBillingRequest) Validate() error {
	v := &ValidationError{}
	checkNumber := func(field string, n NumberField) {
		if n.Invalid() {
			v.Add(field, "must be a number")
		}
	}
	checkNumber("water.previous", r.Water.Previous)
	checkNumber("water.current", r.Water.Current)
	checkNumber("electricity.previous", r.Electricity.Previous)
	checkNumber("electricity.current", r.Electricity.Current)
	checkNumber("water_rate", r.WaterRate)
	checkNumber("electricity_rate", r.ElectricityRate)
	checkNumber("rent_amount", r.RentAmount)
	checkNumber("assoc_dues", r.AssocDues)

	if r.RentAmount.Valid && r.RentAmount.Value.IsNegative() {
		v.Add("rent_amount", "must not be negative")
	}
	if r.AssocDues.Valid && r.AssocDues.Value.IsNegative() {
		v.Add("assoc_dues", "must not be negative")
	}
	if r.WaterRate.Valid && r.WaterRate.Value.IsNegative() {
		v.Add("water_rate", "must not be negative")
	}
	if r.ElectricityRate.Valid && r.ElectricityRate.Value.IsNegative() {
		v.Add("electricity_rate", "must not be negative")
	}
	seen := make(map[int64]bool, len(r.Charges))
	for i, c := range r.Charges {
		if err := c.validate(); err != nil {
			for field, reason := range err.Fields {
				v.Add(chargeField(i, field), reason)
			}
		}
		if c.ID == nil {
			continue
		}
		if seen[*c.ID] {
			v.Add(chargeField(i, "id"), "duplicates an earlier charge")
		}
		seen[*c.ID] = true
	}
	return v.Err()
}

// AddChargeRequest is the DTO for adding a single charge to a unit's period.
type AddChargeRequest struct {
	Category    ChargeCategory `json:"category"`
	Description string         `json:"description"`
	Amount      NumberField    `json:"amount"`
}

// Validate reports field-level problems.
func (r AddChargeRequest) Validate() error {
	in := ChargeInput{Category: r.Category, Description: r.Description, Amount: r.Amount}
	if err := in.validate(); err != nil {
		return err
	}
	return nil
}

func (c ChargeInput) validate() *ValidationError {
	v := &ValidationError{}
	if !c.Category.Valid() {
		v.Add("category", "must be additional or discount")
	}
	if !c.Amount.Valid {
		v.Add("amount", "must be a number")
	} else if c.Amount.Value.IsNegative() {
		v.Add("amount", "must not be negative")
	}
	if len(v.Fields) == 0 {
		return nil
	}
	return v
}

func chargeField(index int, field string) string {
	return "charges[" + strconv.Itoa(index) + "]." + field
}

// UpdatePDCStatusRequest is the DTO for moving a post-dated check between states.
type UpdatePDCStatusRequest struct {
	Status PDCStatus `json:"status"`
}
