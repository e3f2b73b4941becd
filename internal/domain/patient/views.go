package patient

import (
	"math"
	"strings"

	"github.com/samber/lo"
)

// StockTier classifies remaining days of medicine for display.
type StockTier string

const (
	TierHealthy  StockTier = "healthy"
	TierWarning  StockTier = "warning"
	TierCritical StockTier = "critical"
)

// FilterByStatus returns the patients with the given status, in stored order,
// narrowed by a case-insensitive substring match of query against name,
// mobile, or city. A blank query does not narrow.
func FilterByStatus(patients []Patient, status Status, query string) []Patient {
	q := strings.ToLower(strings.TrimSpace(query))
	return lo.Filter(patients, func(p Patient, _ int) bool {
		return p.Status == status && (q == "" || matches(p, q))
	})
}

func matches(p Patient, q string) bool {
	return strings.Contains(strings.ToLower(p.Name), q) ||
		strings.Contains(strings.ToLower(p.Mobile), q) ||
		strings.Contains(strings.ToLower(p.City), q)
}

// CountByStatus counts patients per status. Every known status has an entry.
func CountByStatus(patients []Patient) map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for _, p := range patients {
		counts[p.Status]++
	}
	return counts
}

// DaysLeft is the number of whole days the undelivered quantity lasts at the
// daily usage rate. It is never negative.
func DaysLeft(m Medicine) int {
	if m.DailyUsage <= 0 {
		return 0
	}
	days := math.Floor((m.Quantity - m.DeliveredQuantity) / m.DailyUsage)
	if days < 0 || math.IsNaN(days) {
		return 0
	}
	return int(days)
}

// Tier maps remaining days onto a display tier.
func Tier(days int) StockTier {
	switch {
	case days > 7:
		return TierHealthy
	case days >= 3:
		return TierWarning
	default:
		return TierCritical
	}
}

// PendingTotal sums the pending amounts of d.
func PendingTotal(d Details) float64 {
	return lo.SumBy(d.PendingAmounts, func(p PendingAmount) float64 { return p.Amount })
}
