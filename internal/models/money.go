package models

import "math"

// RoundCents rounds an amount to two decimals, half away from zero.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// Cents converts an amount to whole cents.
func Cents(v float64) int64 {
	return int64(math.Round(v * 100))
}

func FromCents(c int64) float64 {
	return float64(c) / 100
}

// Commission splits price at rate the way the ledger's NUMERIC round(price *
// rate, 2) does: exact cents, halves rounded away from zero. The rate is
// taken to basis points.
func Commission(price, rate float64) (commission, net float64) {
	p := Cents(price)
	bps := int64(math.Round(rate * 10000))
	prod := p * bps
	c := (abs64(prod) + 5000) / 10000
	if prod < 0 {
		c = -c
	}
	return FromCents(c), FromCents(p - c)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
