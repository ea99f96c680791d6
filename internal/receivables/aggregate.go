package receivables

import (
	"sort"

	"github.com/shopspring/decimal"
)

type customerKey struct {
	id   string
	name string
}

// Aggregate collapses records into one snapshot per customer. The snapshot
// keeps the balance and age of the latest-dated posting; among postings on the
// same date the one appearing later in records wins. Customers whose snapshot
// balance is not positive are dropped and the rest are ordered oldest first.
func Aggregate(records []Record) []CustomerBalance {
	index := make(map[customerKey]int)
	out := make([]CustomerBalance, 0)
	for _, rec := range records {
		key := customerKey{id: rec.CustomerID, name: rec.CustomerName}
		pos, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, snapshot(rec, 1))
			continue
		}
		current := out[pos]
		if !rec.TransactionDate.Before(current.LatestTransaction) {
			out[pos] = snapshot(rec, current.Transactions+1)
			continue
		}
		out[pos].Transactions++
	}

	filtered := out[:0]
	for _, c := range out {
		if c.Balance.GreaterThan(decimal.Zero) {
			filtered = append(filtered, c)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].AgeDays != filtered[j].AgeDays {
			return filtered[i].AgeDays > filtered[j].AgeDays
		}
		if filtered[i].CustomerName != filtered[j].CustomerName {
			return filtered[i].CustomerName < filtered[j].CustomerName
		}
		return filtered[i].CustomerID < filtered[j].CustomerID
	})
	return filtered
}

func snapshot(rec Record, count int) CustomerBalance {
	return CustomerBalance{
		CustomerID:        rec.CustomerID,
		CustomerName:      rec.CustomerName,
		Advisor:           rec.Advisor,
		Balance:           rec.Balance,
		AgeDays:           rec.AgeDays,
		LatestTransaction: rec.TransactionDate,
		Transactions:      count,
	}
}

// Summarise builds dashboard stats from customer snapshots.
func Summarise(customers []CustomerBalance) Stats {
	stats := Stats{
		TotalOutstanding: decimal.Zero,
		AtRisk:           decimal.Zero,
		Aging: Aging{
			Days0To30:   decimal.Zero,
			Days31To60:  decimal.Zero,
			Days61To90:  decimal.Zero,
			Days91Above: decimal.Zero,
		},
	}
	advisors := make(map[string]struct{})
	for _, c := range customers {
		stats.TotalOutstanding = stats.TotalOutstanding.Add(c.Balance)
		stats.Aging.add(c.AgeDays, c.Balance)
		advisors[c.Advisor] = struct{}{}
	}
	stats.Customers = len(customers)
	stats.Advisors = len(advisors)
	stats.AtRisk = stats.Aging.Days91Above
	return stats
}
