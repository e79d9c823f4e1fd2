package inmemdb

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
)

type billingRepository struct {
	db *billingTable
}

var _ billing.Repository = (*billingRepository)(nil) // interface compliance check

func NewBillingRepository(db *DB) *billingRepository {
	return &billingRepository{db: db.billing}
}

func (repo *billingRepository) CreateRecord(ctx context.Context, rec billing.Record) (billing.Record, error) {
	if err := ctx.Err(); err != nil {
		return billing.Record{}, billing.StoreError(err, "creating billing record")
	}
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if rec.IdempotencyKey != "" {
		if _, exists := repo.db.keys[rec.IdempotencyKey]; exists {
			return billing.Record{}, billing.ErrDuplicateKey
		}
	}
	for _, r := range repo.db.table {
		if r.InvoiceNumber == rec.InvoiceNumber {
			return billing.Record{}, errors.Wrapf(billing.ErrInvoiceNumberTaken, "inserting %s", rec.InvoiceNumber)
		}
	}

	now := time.Now().UTC()
	rec.ID = uuid.New().String()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	stored := rec
	repo.db.table[rec.ID] = &stored
	if rec.IdempotencyKey != "" {
		repo.db.keys[rec.IdempotencyKey] = rec.ID
	}
	return rec, nil
}

func (repo *billingRepository) GetRecord(ctx context.Context, id string) (billing.Record, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if rec, ok := repo.db.table[id]; ok {
		return *rec, nil
	}
	return billing.Record{}, billing.ErrNotFound
}

func (repo *billingRepository) LastInvoiceSequence(ctx context.Context, prefix string, year int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, billing.StoreError(err, "finding last invoice number")
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	var last int64
	for _, r := range repo.db.table {
		p, y, seq, err := billing.ParseInvoiceNumber(r.InvoiceNumber)
		if err == nil && p == prefix && y == year && seq > last {
			last = seq
		}
	}
	return last, nil
}

func (repo *billingRepository) ExistingKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	existing := make(map[string]bool)
	for _, k := range keys {
		if _, ok := repo.db.keys[k]; ok {
			existing[k] = true
		}
	}
	return existing, nil
}

func (repo *billingRepository) UpdateStatus(ctx context.Context, id string, from billing.Status, upd billing.StatusUpdate) (billing.Record, error) {
	if err := ctx.Err(); err != nil {
		return billing.Record{}, billing.StoreError(err, "updating billing record status")
	}
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	rec, ok := repo.db.table[id]
	if !ok {
		return billing.Record{}, billing.ErrNotFound
	}
	if rec.Status != from {
		return billing.Record{}, billing.ErrConflict
	}
	rec.Status = upd.Status
	rec.PaymentMethod = upd.PaymentMethod
	rec.PaidDate = upd.PaidDate
	rec.UpdatedAt = upd.UpdatedAt
	return *rec, nil
}

func (repo *billingRepository) AmendRecord(ctx context.Context, amended billing.Record) (billing.Record, error) {
	if err := ctx.Err(); err != nil {
		return billing.Record{}, billing.StoreError(err, "amending billing record")
	}
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	rec, ok := repo.db.table[amended.ID]
	if !ok {
		return billing.Record{}, billing.ErrNotFound
	}
	if rec.Status != billing.StatusPending {
		return billing.Record{}, billing.ErrConflict
	}
	rec.Amount = amended.Amount
	rec.Description = amended.Description
	rec.DueDate = amended.DueDate
	rec.UpdatedAt = amended.UpdatedAt
	return *rec, nil
}

func (repo *billingRepository) filter(filter *billing.QueryFilter) []billing.Record {
	records := make([]billing.Record, 0, len(repo.db.table))
	for _, rec := range repo.db.table {
		if matches(*rec, filter) {
			records = append(records, *rec)
		}
	}
	return records
}

func (repo *billingRepository) QueryRecords(
	ctx context.Context,
	filter *billing.QueryFilter,
	ordering []core.DBOrdering,
	page *billing.Pagination,
) ([]billing.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, billing.StoreError(err, "querying billing records")
	}
	repo.db.mutex.RLock()
	records := repo.filter(filter)
	repo.db.mutex.RUnlock()

	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at"}, {Field: "invoice_number"}}
	}
	sort.SliceStable(records, func(i, j int) bool { return less(records[i], records[j], ordering) })

	if page != nil && page.PageSize > 0 {
		start := page.Offset()
		if start >= len(records) {
			return []billing.Record{}, nil
		}
		end := start + page.PageSize
		if end > len(records) {
			end = len(records)
		}
		records = records[start:end]
	}
	return records, nil
}

func (repo *billingRepository) CountRecords(ctx context.Context, filter *billing.QueryFilter) (int, error) {
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()
	return len(repo.filter(filter)), nil
}

func matches(rec billing.Record, filter *billing.QueryFilter) bool {
	if filter == nil {
		return true
	}
	if len(filter.SchoolIDs) > 0 && !containsStr(filter.SchoolIDs, rec.SchoolID) {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, s := range filter.Statuses {
			found = found || s == rec.Status
		}
		if !found {
			return false
		}
	}
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			found = found || t == rec.BillingType
		}
		if !found {
			return false
		}
	}
	if filter.Search != "" {
		search := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(rec.InvoiceNumber), search) &&
			!strings.Contains(strings.ToLower(rec.Description), search) {
			return false
		}
	}
	if !filter.DueFrom.IsZero() && rec.DueDate.Before(filter.DueFrom) {
		return false
	}
	if !filter.DueTo.IsZero() && rec.DueDate.After(filter.DueTo) {
		return false
	}
	if !filter.CreatedFrom.IsZero() && rec.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	if !filter.CreatedTo.IsZero() && rec.CreatedAt.After(filter.CreatedTo) {
		return false
	}
	return true
}

// less orders by the public field names the HTTP API accepts.
func less(a, b billing.Record, ordering []core.DBOrdering) bool {
	for _, ord := range ordering {
		c := compare(a, b, ord.Field)
		if c == 0 {
			continue
		}
		if ord.Ascending {
			return c < 0
		}
		return c > 0
	}
	return false
}

func compare(a, b billing.Record, field string) int {
	switch field {
	case "invoice_number":
		return strings.Compare(a.InvoiceNumber, b.InvoiceNumber)
	case "school_id":
		return strings.Compare(a.SchoolID, b.SchoolID)
	case "billing_type":
		return strings.Compare(string(a.BillingType), string(b.BillingType))
	case "status":
		return strings.Compare(string(a.Status), string(b.Status))
	case "amount":
		return a.Amount.Cmp(b.Amount)
	case "due_date":
		return compareTime(a.DueDate, b.DueDate)
	case "updated_at":
		return compareTime(a.UpdatedAt, b.UpdatedAt)
	case "created_at":
		return compareTime(a.CreatedAt, b.CreatedAt)
	}
	return 0
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
