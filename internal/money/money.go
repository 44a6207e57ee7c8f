// Package money implements the sale pricing arithmetic: per-line tax and
// discount calculation and proportional allocation of an order-level
// discount. Everything runs on fixed-precision decimals; nothing here rounds.
// Rounding to the currency's two minor-unit places happens once, at
// persistence, via Round.
package money

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

type LineInput struct {
	UnitPrice      decimal.Decimal
	Quantity       int
	TaxRate        decimal.Decimal
	DiscountAmount *decimal.Decimal
	DiscountRate   *decimal.Decimal
}

type LineResult struct {
	TaxableBase    decimal.Decimal
	TaxRate        decimal.Decimal
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
}

// CalculateLine prices a single line. An explicit discount amount wins over a
// discount rate when both are set. Negative intermediates clamp to zero; the
// function has no error conditions.
func CalculateLine(in LineInput) LineResult {
	gross := in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity)))

	var disc decimal.Decimal
	switch {
	case in.DiscountAmount != nil:
		disc = *in.DiscountAmount
	case in.DiscountRate != nil:
		disc = gross.Mul(*in.DiscountRate).Div(hundred)
	}
	if disc.IsNegative() {
		disc = decimal.Zero
	}

	base := gross.Sub(disc)
	if base.IsNegative() {
		base = decimal.Zero
	}
	tax := base.Mul(in.TaxRate).Div(hundred)

	return LineResult{
		TaxableBase:    base,
		TaxRate:        in.TaxRate,
		TaxAmount:      tax,
		DiscountAmount: disc,
		Total:          base.Add(tax),
	}
}

type OrderDiscount struct {
	Amount *decimal.Decimal
	Rate   *decimal.Decimal
}

func (d OrderDiscount) IsZero() bool {
	return d.Amount == nil && d.Rate == nil
}

type Totals struct {
	Subtotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
}

// SumLines aggregates line results into order totals. Subtotal is the
// pre-discount gross, so Subtotal + TaxAmount - DiscountAmount == Total.
func SumLines(lines []LineResult) Totals {
	t := Totals{
		Subtotal:       decimal.Zero,
		TaxAmount:      decimal.Zero,
		DiscountAmount: decimal.Zero,
		Total:          decimal.Zero,
	}
	for _, ln := range lines {
		t.Subtotal = t.Subtotal.Add(ln.TaxableBase).Add(ln.DiscountAmount)
		t.TaxAmount = t.TaxAmount.Add(ln.TaxAmount)
		t.DiscountAmount = t.DiscountAmount.Add(ln.DiscountAmount)
		t.Total = t.Total.Add(ln.Total)
	}
	return t
}

// AllocateOrderDiscount distributes an order-level discount across lines in
// proportion to each line's share of the pre-allocation taxable base, then
// recomputes tax and total per line from its own frozen rate. The last line
// absorbs the division remainder so that the sum of allocated shares equals
// the order discount exactly. A discount larger than the base sum is clamped
// to it, so only the applied amount is credited and no base goes negative.
//
// When the pre-allocation base sum is zero the per-line allocation is skipped
// entirely (no division); the order discount still lands in the discount
// total.
func AllocateOrderDiscount(lines []LineResult, d OrderDiscount) ([]LineResult, Totals) {
	sum := decimal.Zero
	for _, ln := range lines {
		sum = sum.Add(ln.TaxableBase)
	}

	var orderDiscount decimal.Decimal
	switch {
	case d.Amount != nil:
		orderDiscount = *d.Amount
	case d.Rate != nil:
		orderDiscount = sum.Mul(*d.Rate).Div(hundred)
	}
	if orderDiscount.IsNegative() {
		orderDiscount = decimal.Zero
	}

	if sum.IsZero() || orderDiscount.IsZero() {
		out := make([]LineResult, len(lines))
		copy(out, lines)
		t := SumLines(out)
		t.DiscountAmount = t.DiscountAmount.Add(orderDiscount)
		return out, t
	}
	if orderDiscount.GreaterThan(sum) {
		orderDiscount = sum
	}

	out := make([]LineResult, len(lines))
	allocated := decimal.Zero
	for i, ln := range lines {
		var share decimal.Decimal
		if i == len(lines)-1 {
			share = orderDiscount.Sub(allocated)
		} else {
			share = ln.TaxableBase.Div(sum).Mul(orderDiscount)
			allocated = allocated.Add(share)
		}
		base := ln.TaxableBase.Sub(share)
		tax := base.Mul(ln.TaxRate).Div(hundred)
		out[i] = LineResult{
			TaxableBase:    base,
			TaxRate:        ln.TaxRate,
			TaxAmount:      tax,
			DiscountAmount: ln.DiscountAmount.Add(share),
			Total:          base.Add(tax),
		}
	}
	return out, SumLines(out)
}

// Round applies the currency's persistence rounding: half-up to two places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
