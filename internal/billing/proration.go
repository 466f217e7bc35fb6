package billing

import "time"

// Proration describes the day-prorated charge for an upgrade applied partway
// through a billing period.
type Proration struct {
	DaysTotal     int
	DaysRemaining int
	ProratedCents int64
}

// ProrateUpgrade computes the upgrade charge for the remaining days of the
// current period:
//
//	daysTotal     = ceil(periodEnd - periodStart)
//	daysRemaining = ceil(periodEnd - now), clamped to [0, daysTotal]
//	proratedCents = round((newPrice - oldPrice) * daysRemaining / daysTotal)
//
// All arithmetic is integer; round is half-up. A zero result near period end
// means the upgrade is free and takes effect immediately.
func ProrateUpgrade(oldPriceCents, newPriceCents int64, periodStart, periodEnd, now time.Time) Proration {
	daysTotal := ceilDays(periodEnd.Sub(periodStart))
	if daysTotal < 1 {
		daysTotal = 1
	}

	daysRemaining := ceilDays(periodEnd.Sub(now))
	if daysRemaining < 0 {
		daysRemaining = 0
	}
	if daysRemaining > daysTotal {
		daysRemaining = daysTotal
	}

	diff := newPriceCents - oldPriceCents
	prorated := (diff*int64(daysRemaining) + int64(daysTotal)/2) / int64(daysTotal)

	return Proration{
		DaysTotal:     daysTotal,
		DaysRemaining: daysRemaining,
		ProratedCents: prorated,
	}
}

// ceilDays converts a duration to whole days, rounding any partial day up.
func ceilDays(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}
