package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExcessMileage derives the chargeable kilometres and amount. Distance within
// the allowance is free.
func ExcessMileage(start, end, allowance int64, rate decimal.Decimal) (int64, decimal.Decimal) {
	excess := end - start - allowance
	if excess < 0 {
		excess = 0
	}
	return excess, round(decimal.NewFromInt(excess).Mul(rate))
}

// MonthlyRentalDescription names the rental charge of the month containing t.
func MonthlyRentalDescription(t time.Time) string {
	return "Monthly Lease Rental - " + t.Format("January 2006")
}

func monthWindow(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 1, 0)
}

// sameMonth reports whether a and b fall in the same calendar month.
func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// rentalPeriodFree rejects a second live monthly rental in [from, to).
// exclude names a charge that does not count, the one being edited.
func rentalPeriodFree(ctx context.Context, tx TxRepository, leaseID uuid.UUID, from, to time.Time, exclude uuid.UUID) error {
	existing, err := tx.CountMonthlyRentals(ctx, leaseID, from, to, exclude)
	if err != nil {
		return err
	}
	if existing > 0 {
		return ErrDuplicatePeriod
	}
	return nil
}

// chargeDate is the calendar day a charge is booked on, today by default.
func (s *Service) chargeDate(t time.Time) time.Time {
	if t.IsZero() {
		return dateOnly(s.now())
	}
	return dateOnly(t)
}

// RecordCharge validates and persists a pending charge.
func (s *Service) RecordCharge(ctx context.Context, leaseID uuid.UUID, input ChargeInput) (Charge, error) {
	if !input.Type.Valid() {
		return Charge{}, invalid("type", "is not a known charge type")
	}
	if input.Type == ChargeMonthlyRental {
		return s.recordRental(ctx, leaseID, &input.Amount, input)
	}
	if input.VATAmount.IsNegative() {
		return Charge{}, invalid("vat_amount", "must not be negative")
	}
	if input.Type == ChargeExcessMileage {
		if input.Mileage == nil {
			return Charge{}, invalid("mileage", "is required for excess mileage charges")
		}
		if input.Mileage.EndMileage < input.Mileage.StartMileage {
			return Charge{}, invalid("end_mileage", "must not be below start mileage")
		}
		if input.Mileage.RatePerKM != nil && !input.Mileage.RatePerKM.IsPositive() {
			return Charge{}, invalid("rate_per_km", "must be greater than zero")
		}
	} else if !input.Amount.IsPositive() {
		return Charge{}, invalid("amount", "must be greater than zero")
	}

	now := s.now()
	txDate := s.chargeDate(input.TransactionDate)

	var charge Charge
	err := s.withLeaseLock(ctx, leaseID, func(ctx context.Context, tx TxRepository) error {
		lease, err := tx.GetLease(ctx, leaseID)
		if err != nil {
			return err
		}
		charge = Charge{
			ID:              uuid.New(),
			LeaseID:         leaseID,
			VehicleID:       input.VehicleID,
			Type:            input.Type,
			Description:     strings.TrimSpace(input.Description),
			Amount:          round(input.Amount),
			VATAmount:       round(input.VATAmount),
			TransactionDate: txDate,
			Status:          ChargePending,
			Toll:            input.Toll,
			Fine:            input.Fine,
			Notes:           input.Notes,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if charge.VehicleID == nil {
			charge.VehicleID = lease.VehicleID
		}
		if input.DueDate != nil {
			charge.DueDate = dateOnly(*input.DueDate)
		} else {
			charge.DueDate = s.dueFrom(txDate)
		}
		if input.Type == ChargeExcessMileage {
			charge.Mileage = s.mileageDetail(*input.Mileage, lease)
			charge.Amount = round(decimal.NewFromInt(charge.Mileage.ExcessKM).Mul(charge.Mileage.RatePerKM))
			if !charge.Amount.IsPositive() {
				return invalid("mileage", "has no excess over the allowance to charge")
			}
		}
		if charge.Description == "" {
			charge.Description = defaultDescription(charge)
		}
		deriveTotals(&charge)
		return tx.InsertCharge(ctx, charge)
	})
	if err != nil {
		return Charge{}, err
	}
	s.metrics.ChargeRecorded(string(charge.Type))
	s.record(ctx, "charge.recorded", "ledger_charge", charge.ID, map[string]any{
		"lease_id": leaseID.String(),
		"type":     string(charge.Type),
		"total":    charge.TotalAmount.String(),
	})
	return charge, nil
}

// RecordMonthlyRental bills the lease's monthly payment for the current month.
func (s *Service) RecordMonthlyRental(ctx context.Context, leaseID uuid.UUID) (Charge, error) {
	return s.recordRental(ctx, leaseID, nil, ChargeInput{Type: ChargeMonthlyRental})
}

// recordRental applies the fixed rental VAT and the one-per-month guard.
// A nil amount uses the lease's monthly payment.
func (s *Service) recordRental(ctx context.Context, leaseID uuid.UUID, amount *decimal.Decimal, input ChargeInput) (Charge, error) {
	if amount != nil && !amount.IsPositive() {
		return Charge{}, invalid("amount", "must be greater than zero")
	}
	now := s.now()
	txDate := s.chargeDate(input.TransactionDate)
	from, to := monthWindow(txDate)

	var charge Charge
	err := s.withLeaseLock(ctx, leaseID, func(ctx context.Context, tx TxRepository) error {
		lease, err := tx.GetLease(ctx, leaseID)
		if err != nil {
			return err
		}
		base := lease.MonthlyPayment
		if amount != nil {
			base = *amount
		}
		if !base.IsPositive() {
			return invalid("monthly_payment", "must be greater than zero")
		}
		if err := rentalPeriodFree(ctx, tx, leaseID, from, to, uuid.Nil); err != nil {
			return err
		}
		charge = Charge{
			ID:              uuid.New(),
			LeaseID:         leaseID,
			VehicleID:       lease.VehicleID,
			Type:            ChargeMonthlyRental,
			Description:     strings.TrimSpace(input.Description),
			Amount:          round(base),
			TransactionDate: txDate,
			DueDate:         s.dueFrom(txDate),
			Status:          ChargePending,
			Notes:           input.Notes,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if input.DueDate != nil {
			charge.DueDate = dateOnly(*input.DueDate)
		}
		if charge.Description == "" {
			charge.Description = MonthlyRentalDescription(txDate)
		}
		charge.VATAmount = round(charge.Amount.Mul(s.cfg.RentalVATRate))
		deriveTotals(&charge)
		return tx.InsertCharge(ctx, charge)
	})
	if err != nil {
		return Charge{}, err
	}
	s.metrics.ChargeRecorded(string(charge.Type))
	s.record(ctx, "charge.recorded", "ledger_charge", charge.ID, map[string]any{
		"lease_id": leaseID.String(),
		"type":     string(charge.Type),
		"period":   from.Format("2006-01"),
	})
	return charge, nil
}

// UpdateCharge edits a non-cancelled charge and re-derives its totals.
func (s *Service) UpdateCharge(ctx context.Context, id uuid.UUID, upd ChargeUpdate) (Charge, error) {
	current, err := s.repo.GetCharge(ctx, id)
	if err != nil {
		return Charge{}, err
	}
	if upd.Amount != nil && !upd.Amount.IsPositive() {
		return Charge{}, invalid("amount", "must be greater than zero")
	}
	if upd.VATAmount != nil && upd.VATAmount.IsNegative() {
		return Charge{}, invalid("vat_amount", "must not be negative")
	}

	var charge Charge
	err = s.withLeaseLock(ctx, current.LeaseID, func(ctx context.Context, tx TxRepository) error {
		charge, err = tx.GetChargeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if charge.Status == ChargeCancelled {
			return fmt.Errorf("charge is cancelled: %w", ErrInvalidState)
		}
		if upd.Description != nil {
			charge.Description = strings.TrimSpace(*upd.Description)
		}
		if upd.TransactionDate != nil {
			moved := dateOnly(*upd.TransactionDate)
			if charge.Type == ChargeMonthlyRental && !sameMonth(moved, charge.TransactionDate) {
				from, to := monthWindow(moved)
				if err := rentalPeriodFree(ctx, tx, charge.LeaseID, from, to, charge.ID); err != nil {
					return err
				}
			}
			charge.TransactionDate = moved
		}
		if upd.DueDate != nil {
			charge.DueDate = dateOnly(*upd.DueDate)
		}
		if upd.Toll != nil {
			charge.Toll = upd.Toll
		}
		if upd.Fine != nil {
			charge.Fine = upd.Fine
		}
		if upd.Notes != nil {
			charge.Notes = *upd.Notes
		}
		if upd.Amount != nil {
			charge.Amount = round(*upd.Amount)
		}
		if upd.VATAmount != nil {
			charge.VATAmount = round(*upd.VATAmount)
		}
		switch charge.Type {
		case ChargeMonthlyRental:
			charge.VATAmount = round(charge.Amount.Mul(s.cfg.RentalVATRate))
		case ChargeExcessMileage:
			if upd.Mileage != nil {
				if upd.Mileage.EndMileage < upd.Mileage.StartMileage {
					return invalid("end_mileage", "must not be below start mileage")
				}
				lease, err := tx.GetLease(ctx, charge.LeaseID)
				if err != nil {
					return err
				}
				in := *upd.Mileage
				if in.Allowance == nil && charge.Mileage != nil {
					in.Allowance = &charge.Mileage.Allowance
				}
				if in.RatePerKM == nil && charge.Mileage != nil {
					in.RatePerKM = &charge.Mileage.RatePerKM
				}
				charge.Mileage = s.mileageDetail(in, lease)
				charge.Amount = round(decimal.NewFromInt(charge.Mileage.ExcessKM).Mul(charge.Mileage.RatePerKM))
			}
		}
		if !charge.Amount.IsPositive() {
			return invalid("amount", "must be greater than zero")
		}
		if charge.Description == "" {
			charge.Description = defaultDescription(charge)
		}
		deriveTotals(&charge)
		charge.UpdatedAt = s.now()
		return tx.UpdateCharge(ctx, charge)
	})
	if err != nil {
		return Charge{}, err
	}
	s.record(ctx, "charge.updated", "ledger_charge", charge.ID, map[string]any{"total": charge.TotalAmount.String()})
	return charge, nil
}

// CancelCharge excludes a charge from balances and statements.
func (s *Service) CancelCharge(ctx context.Context, id uuid.UUID) (Charge, error) {
	current, err := s.repo.GetCharge(ctx, id)
	if err != nil {
		return Charge{}, err
	}
	var charge Charge
	err = s.withLeaseLock(ctx, current.LeaseID, func(ctx context.Context, tx TxRepository) error {
		charge, err = tx.GetChargeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch charge.Status {
		case ChargeCancelled:
			return nil
		case ChargePaid:
			return fmt.Errorf("charge is paid: %w", ErrInvalidState)
		}
		charge.Status = ChargeCancelled
		charge.UpdatedAt = s.now()
		return tx.UpdateCharge(ctx, charge)
	})
	if err != nil {
		return Charge{}, err
	}
	s.record(ctx, "charge.cancelled", "ledger_charge", charge.ID, nil)
	return charge, nil
}

// DeleteCharge hard deletes a charge that is not part of an invoice.
func (s *Service) DeleteCharge(ctx context.Context, id uuid.UUID) error {
	current, err := s.repo.GetCharge(ctx, id)
	if err != nil {
		return err
	}
	err = s.withLeaseLock(ctx, current.LeaseID, func(ctx context.Context, tx TxRepository) error {
		charge, err := tx.GetChargeForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if charge.InvoiceID != nil || charge.Status == ChargeInvoiced || charge.Status == ChargePaid {
			return fmt.Errorf("charge belongs to invoice %s: %w", charge.InvoiceNumber, ErrInvalidState)
		}
		return tx.DeleteCharge(ctx, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, "charge.deleted", "ledger_charge", id, map[string]any{"lease_id": current.LeaseID.String()})
	return nil
}

// ListCharges returns the lease charges ordered by transaction date.
func (s *Service) ListCharges(ctx context.Context, leaseID uuid.UUID, filter ChargeFilter) ([]Charge, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, invalid("type", "is not a known charge type")
	}
	switch filter.Status {
	case "", ChargePending, ChargeInvoiced, ChargePaid, ChargeCancelled:
	default:
		return nil, invalid("status", "is not a known charge status")
	}
	return s.repo.ListCharges(ctx, leaseID, filter)
}

func (s *Service) mileageDetail(in MileageInput, lease Lease) *MileageDetail {
	allowance := s.cfg.MileageAllowance
	if lease.AnnualMileageAllowance > 0 {
		allowance = lease.AnnualMileageAllowance
	}
	if in.Allowance != nil {
		allowance = *in.Allowance
	}
	rate := s.cfg.RatePerKM
	if in.RatePerKM != nil {
		rate = *in.RatePerKM
	}
	excess, _ := ExcessMileage(in.StartMileage, in.EndMileage, allowance, rate)
	return &MileageDetail{
		StartMileage: in.StartMileage,
		EndMileage:   in.EndMileage,
		Allowance:    allowance,
		ExcessKM:     excess,
		RatePerKM:    rate,
	}
}

// deriveTotals keeps total and balance consistent with amount and vat.
func deriveTotals(c *Charge) {
	c.TotalAmount = c.Amount.Add(c.VATAmount)
	if c.Status == ChargePaid {
		c.BalanceAmount = decimal.Zero
		return
	}
	c.BalanceAmount = c.TotalAmount
}

func defaultDescription(c Charge) string {
	switch c.Type {
	case ChargeExcessMileage:
		if c.Mileage != nil {
			return fmt.Sprintf("Excess Mileage Charge - %d km", c.Mileage.ExcessKM)
		}
		return "Excess Mileage Charge"
	case ChargeSalik:
		if c.Toll != nil && c.Toll.Gate != "" {
			return "Salik Charges - " + c.Toll.Gate
		}
		return "Salik Charges"
	case ChargeTrafficFine:
		if c.Fine != nil && c.Fine.Number != "" {
			return "Traffic Fine - " + c.Fine.Number
		}
		return "Traffic Fine"
	case ChargeMonthlyRental:
		return MonthlyRentalDescription(c.TransactionDate)
	default:
		return "Adjustment"
	}
}
