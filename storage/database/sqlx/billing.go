package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
)

const (
	billingTable   = "billing_records"
	billingColumns = "id, invoice_number, idempotency_key, school_id, billing_type, amount_minor, currency, status, " +
		"student_count, billing_period_start, billing_period_end, due_date, paid_date, payment_method, description, " +
		"created_at, updated_at"

	// keysChunkSize keeps IN lists well under every driver's parameter limit.
	keysChunkSize = 500
)

// orderingColumns maps the public ordering fields to columns.
var orderingColumns = map[string]string{
	"invoice_number": "invoice_number",
	"school_id":      "school_id",
	"billing_type":   "billing_type",
	"status":         "status",
	"amount":         "amount_minor",
	"due_date":       "due_date",
	"created_at":     "created_at",
	"updated_at":     "updated_at",
}

type billingRow struct {
	ID                 string      `db:"id"`
	InvoiceNumber      string      `db:"invoice_number"`
	IdempotencyKey     null.String `db:"idempotency_key"`
	SchoolID           string      `db:"school_id"`
	BillingType        string      `db:"billing_type"`
	AmountMinor        int64       `db:"amount_minor"`
	Currency           string      `db:"currency"`
	Status             string      `db:"status"`
	StudentCount       null.Int    `db:"student_count"`
	BillingPeriodStart null.Time   `db:"billing_period_start"`
	BillingPeriodEnd   null.Time   `db:"billing_period_end"`
	DueDate            time.Time   `db:"due_date"`
	PaidDate           null.Time   `db:"paid_date"`
	PaymentMethod      null.String `db:"payment_method"`
	Description        string      `db:"description"`
	CreatedAt          time.Time   `db:"created_at"`
	UpdatedAt          time.Time   `db:"updated_at"`
}

func utcPtr(t null.Time) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func nullTime(t *time.Time) null.Time {
	if t == nil {
		return null.Time{}
	}
	return null.TimeFrom(t.UTC())
}

func toRow(rec billing.Record) billingRow {
	return billingRow{
		ID:                 rec.ID,
		InvoiceNumber:      rec.InvoiceNumber,
		IdempotencyKey:     null.NewString(rec.IdempotencyKey, rec.IdempotencyKey != ""),
		SchoolID:           rec.SchoolID,
		BillingType:        string(rec.BillingType),
		AmountMinor:        billing.ToMinorUnits(rec.Amount, rec.Currency),
		Currency:           rec.Currency,
		Status:             string(rec.Status),
		StudentCount:       null.NewInt(rec.StudentCount, rec.StudentCount > 0),
		BillingPeriodStart: nullTime(rec.BillingPeriodStart),
		BillingPeriodEnd:   nullTime(rec.BillingPeriodEnd),
		DueDate:            rec.DueDate.UTC(),
		PaidDate:           nullTime(rec.PaidDate),
		PaymentMethod:      null.NewString(rec.PaymentMethod, rec.PaymentMethod != ""),
		Description:        rec.Description,
		CreatedAt:          rec.CreatedAt.UTC(),
		UpdatedAt:          rec.UpdatedAt.UTC(),
	}
}

func (row billingRow) record() billing.Record {
	return billing.Record{
		ID:                 row.ID,
		InvoiceNumber:      row.InvoiceNumber,
		IdempotencyKey:     row.IdempotencyKey.String,
		SchoolID:           row.SchoolID,
		BillingType:        billing.Type(row.BillingType),
		Amount:             billing.FromMinorUnits(row.AmountMinor, row.Currency),
		Currency:           row.Currency,
		Status:             billing.Status(row.Status),
		StudentCount:       row.StudentCount.Int,
		BillingPeriodStart: utcPtr(row.BillingPeriodStart),
		BillingPeriodEnd:   utcPtr(row.BillingPeriodEnd),
		DueDate:            row.DueDate.UTC(),
		PaidDate:           utcPtr(row.PaidDate),
		PaymentMethod:      row.PaymentMethod.String,
		Description:        row.Description,
		CreatedAt:          row.CreatedAt.UTC(),
		UpdatedAt:          row.UpdatedAt.UTC(),
	}
}

func records(rows []billingRow) []billing.Record {
	recs := make([]billing.Record, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, r.record())
	}
	return recs
}

type billingRepository struct {
	exec core.DBExecutor
}

var _ billing.Repository = (*billingRepository)(nil) // interface compliance check

func NewBillingRepository(exec core.DBExecutor) *billingRepository {
	return &billingRepository{exec: exec}
}

func (repo billingRepository) CreateRecord(ctx context.Context, rec billing.Record) (billing.Record, error) {
	if !billing.AmountFitsCurrency(rec.Amount, rec.Currency) {
		return billing.Record{}, errors.Wrapf(billing.ErrInvalidAmount, "%s cannot be stored in %s minor units", rec.Amount, rec.Currency)
	}
	rec.ID = uuid.New().String()
	now := time.Now().UTC().Truncate(time.Microsecond)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	rec.UpdatedAt = rec.UpdatedAt.UTC().Truncate(time.Microsecond)

	q := "INSERT INTO " + billingTable + " (" + billingColumns + ") VALUES (" +
		":id, :invoice_number, :idempotency_key, :school_id, :billing_type, :amount_minor, :currency, :status, " +
		":student_count, :billing_period_start, :billing_period_end, :due_date, :paid_date, :payment_method, :description, " +
		":created_at, :updated_at)"
	if _, err := sqlx.NamedExecContext(ctx, repo.exec, q, toRow(rec)); err != nil {
		if isUniqueViolation(err, "idempotency_key") {
			return billing.Record{}, billing.ErrDuplicateKey
		}
		if isUniqueViolation(err, "invoice_number") {
			return billing.Record{}, errors.Wrapf(billing.ErrInvoiceNumberTaken, "inserting %s", rec.InvoiceNumber)
		}
		return billing.Record{}, storeErr(err, "inserting billing record")
	}
	return rec, nil
}

func (repo billingRepository) GetRecord(ctx context.Context, id string) (billing.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return billing.Record{}, billing.ErrNotFound
	}
	var row billingRow
	q := repo.exec.Rebind("SELECT " + billingColumns + " FROM " + billingTable + " WHERE id = ?")
	if err := repo.exec.GetContext(ctx, &row, q, id); err != nil {
		return billing.Record{}, trapNoRowsErr(err, "finding billing record by ID")
	}
	return row.record(), nil
}

func (repo billingRepository) ExistingKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	for start := 0; start < len(keys); start += keysChunkSize {
		end := start + keysChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		q, args, err := sqlx.In("SELECT idempotency_key FROM "+billingTable+" WHERE idempotency_key IN (?)", keys[start:end])
		if err != nil {
			return nil, errors.Wrap(err, "building idempotency key query")
		}
		var found []string
		if err = repo.exec.SelectContext(ctx, &found, repo.exec.Rebind(q), args...); err != nil {
			return nil, storeErr(err, "querying idempotency keys")
		}
		for _, k := range found {
			existing[k] = true
		}
	}
	return existing, nil
}

func (repo billingRepository) LastInvoiceSequence(ctx context.Context, prefix string, year int) (int64, error) {
	// zero padding makes longer numbers the larger ones once the sequence outgrows 6 digits
	q := repo.exec.Rebind("SELECT invoice_number FROM " + billingTable + " WHERE invoice_number LIKE ? " +
		"ORDER BY LENGTH(invoice_number) DESC, invoice_number DESC LIMIT 1")

	var last string
	if err := repo.exec.GetContext(ctx, &last, q, fmt.Sprintf("%s-%04d-%%", prefix, year)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, storeErr(err, "finding last invoice number")
	}
	_, _, seq, err := billing.ParseInvoiceNumber(last)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// casFailure explains why a compare-and-swap update touched no row.
func (repo billingRepository) casFailure(ctx context.Context, id string) error {
	if _, err := repo.GetRecord(ctx, id); err != nil {
		return err
	}
	return billing.ErrConflict
}

func (repo billingRepository) UpdateStatus(ctx context.Context, id string, from billing.Status, upd billing.StatusUpdate) (billing.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return billing.Record{}, billing.ErrNotFound
	}
	q := repo.exec.Rebind("UPDATE " + billingTable +
		" SET status = ?, payment_method = ?, paid_date = ?, updated_at = ? WHERE id = ? AND status = ?")
	res, err := repo.exec.ExecContext(ctx, q,
		string(upd.Status),
		null.NewString(upd.PaymentMethod, upd.PaymentMethod != ""),
		nullTime(upd.PaidDate),
		upd.UpdatedAt.UTC(),
		id,
		string(from),
	)
	if err != nil {
		return billing.Record{}, storeErr(err, "updating billing record status")
	}
	if n, err := res.RowsAffected(); err != nil {
		return billing.Record{}, storeErr(err, "updating billing record status")
	} else if n == 0 {
		return billing.Record{}, repo.casFailure(ctx, id)
	}
	return repo.GetRecord(ctx, id)
}

func (repo billingRepository) AmendRecord(ctx context.Context, rec billing.Record) (billing.Record, error) {
	if _, err := uuid.Parse(rec.ID); err != nil {
		return billing.Record{}, billing.ErrNotFound
	}
	if !billing.AmountFitsCurrency(rec.Amount, rec.Currency) {
		return billing.Record{}, errors.Wrapf(billing.ErrInvalidAmount, "%s cannot be stored in %s minor units", rec.Amount, rec.Currency)
	}
	q := repo.exec.Rebind("UPDATE " + billingTable +
		" SET amount_minor = ?, description = ?, due_date = ?, updated_at = ? WHERE id = ? AND status = ?")
	res, err := repo.exec.ExecContext(ctx, q,
		billing.ToMinorUnits(rec.Amount, rec.Currency),
		rec.Description,
		rec.DueDate.UTC(),
		rec.UpdatedAt.UTC(),
		rec.ID,
		string(billing.StatusPending),
	)
	if err != nil {
		return billing.Record{}, storeErr(err, "amending billing record")
	}
	if n, err := res.RowsAffected(); err != nil {
		return billing.Record{}, storeErr(err, "amending billing record")
	} else if n == 0 {
		return billing.Record{}, repo.casFailure(ctx, rec.ID)
	}
	return repo.GetRecord(ctx, rec.ID)
}

// where builds the WHERE clause (with "?" bindvars) of a QueryFilter.
func where(filter *billing.QueryFilter) (string, []interface{}) {
	if filter == nil {
		return "", nil
	}
	var conds []string
	var args []interface{}

	in := func(col string, vals []string) {
		marks := make([]string, 0, len(vals))
		for _, v := range vals {
			marks = append(marks, "?")
			args = append(args, v)
		}
		conds = append(conds, col+" IN ("+strings.Join(marks, ", ")+")")
	}

	if len(filter.SchoolIDs) > 0 {
		in("school_id", filter.SchoolIDs)
	}
	if len(filter.Statuses) > 0 {
		vals := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			vals = append(vals, string(s))
		}
		in("status", vals)
	}
	if len(filter.Types) > 0 {
		vals := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			vals = append(vals, string(t))
		}
		in("billing_type", vals)
	}
	if filter.Search != "" {
		val := "%" + strings.ToLower(filter.Search) + "%"
		conds = append(conds, "(LOWER(invoice_number) LIKE ? OR LOWER(description) LIKE ?)")
		args = append(args, val, val)
	}
	if !filter.DueFrom.IsZero() {
		conds = append(conds, "due_date >= ?")
		args = append(args, filter.DueFrom.UTC())
	}
	if !filter.DueTo.IsZero() {
		conds = append(conds, "due_date <= ?")
		args = append(args, filter.DueTo.UTC())
	}
	if !filter.CreatedFrom.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.CreatedFrom.UTC())
	}
	if !filter.CreatedTo.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.CreatedTo.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (repo billingRepository) QueryRecords(
	ctx context.Context,
	filter *billing.QueryFilter,
	ordering []core.DBOrdering,
	page *billing.Pagination,
) ([]billing.Record, error) {
	cond, args := where(filter)
	q := "SELECT " + billingColumns + " FROM " + billingTable + cond

	ordering = core.MapOrdering(ordering, orderingColumns)
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "created_at"}, {Field: "invoice_number"}}
	}
	orderList := make([]string, 0, len(ordering))
	for _, ord := range ordering {
		orderList = append(orderList, ord.String())
	}
	q += " ORDER BY " + strings.Join(orderList, ", ")

	if page != nil && page.PageSize > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, page.PageSize, page.Offset())
	}

	var rows []billingRow
	if err := repo.exec.SelectContext(ctx, &rows, repo.exec.Rebind(q), args...); err != nil {
		return nil, storeErr(err, "querying billing records")
	}
	return records(rows), nil
}

func (repo billingRepository) CountRecords(ctx context.Context, filter *billing.QueryFilter) (int, error) {
	cond, args := where(filter)
	var count int
	if err := repo.exec.GetContext(ctx, &count, repo.exec.Rebind("SELECT COUNT(*) FROM "+billingTable+cond), args...); err != nil {
		return 0, storeErr(err, "counting billing records")
	}
	return count, nil
}
