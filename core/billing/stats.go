package billing

import (
	"sort"

	"github.com/shopspring/decimal"
)

// collectionRatePlaces is the precision of CollectionRate.
const collectionRatePlaces = 4

// Summary aggregates a set of records.
// TotalBilled == TotalPaid + Outstanding always holds exactly.
type Summary struct {
	RecordCount    int             `json:"record_count"`
	TotalBilled    decimal.Decimal `json:"total_billed"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	Outstanding    decimal.Decimal `json:"outstanding"`
	CollectionRate decimal.Decimal `json:"collection_rate"` // 0..1, 0 when nothing is billed
	CountsByStatus map[Status]int  `json:"counts_by_status"`
	CountsByType   map[Type]int    `json:"counts_by_type"`
}

// SchoolSummary is the per-school billing summary.
type SchoolSummary struct {
	SchoolID string `json:"school_id"`
	Summary
}

type Stats struct {
	Currency string `json:"currency"`
	Summary
	Schools []SchoolSummary `json:"per_school"`
}

func newSummary() Summary {
	s := Summary{
		TotalBilled:    decimal.Zero,
		TotalPaid:      decimal.Zero,
		Outstanding:    decimal.Zero,
		CollectionRate: decimal.Zero,
		CountsByStatus: make(map[Status]int, len(Statuses)),
		CountsByType:   make(map[Type]int, len(Types)),
	}
	for _, st := range Statuses {
		s.CountsByStatus[st] = 0
	}
	for _, t := range Types {
		s.CountsByType[t] = 0
	}
	return s
}

func (s *Summary) add(rec Record) {
	s.RecordCount++
	s.TotalBilled = s.TotalBilled.Add(rec.Amount)
	if rec.Status == StatusPaid {
		s.TotalPaid = s.TotalPaid.Add(rec.Amount)
	}
	s.CountsByStatus[rec.Status]++
	s.CountsByType[rec.BillingType]++
}

func (s *Summary) finish() {
	s.Outstanding = s.TotalBilled.Sub(s.TotalPaid)
	if s.TotalBilled.IsPositive() {
		s.CollectionRate = s.TotalPaid.DivRound(s.TotalBilled, collectionRatePlaces)
	}
}

// Aggregate derives statistics from records. It never fails; an empty set yields zeros.
func Aggregate(records []Record, currency string) Stats {
	total := newSummary()
	perSchool := make(map[string]*SchoolSummary)

	for _, rec := range records {
		total.add(rec)

		ss, ok := perSchool[rec.SchoolID]
		if !ok {
			ss = &SchoolSummary{SchoolID: rec.SchoolID, Summary: newSummary()}
			perSchool[rec.SchoolID] = ss
		}
		ss.add(rec)
	}
	total.finish()

	schools := make([]SchoolSummary, 0, len(perSchool))
	for _, ss := range perSchool {
		ss.finish()
		schools = append(schools, *ss)
	}
	sort.Slice(schools, func(i, j int) bool { return schools[i].SchoolID < schools[j].SchoolID })

	return Stats{Currency: currency, Summary: total, Schools: schools}
}
