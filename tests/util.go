package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
	"github.com/trezcool/masomo-billing/storage/database"
)

// OpenDB returns a migrated in-memory SQLite database, closed when the test ends.
func OpenDB(t *testing.T) *sqlx.DB {
	db, err := database.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	if err = database.Migrate(db); err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// InsertSchool writes a school with `students` active students into the console tables.
func InsertSchool(t *testing.T, db *sqlx.DB, id, name, status string, students int) billing.School {
	if _, err := db.Exec(db.Rebind("INSERT INTO schools (id, name, status) VALUES (?, ?, ?)"), id, name, status); err != nil {
		t.Fatalf("InsertSchool() failed: %v", err)
	}
	q := db.Rebind("INSERT INTO students (id, school_id, is_active) VALUES (?, ?, ?)")
	for i := 0; i < students; i++ {
		if _, err := db.Exec(q, fmt.Sprintf("%s-st-%04d", id, i), id, true); err != nil {
			t.Fatalf("InsertSchool() failed: %v", err)
		}
	}
	return billing.School{ID: id, Name: name, Status: status, ActiveStudentCount: students}
}

// NewRecord builds a valid pending record, ready to be stored by a billing.Repository.
func NewRecord(schoolID string, t billing.Type, amount string, seq int64, createdAt ...time.Time) billing.Record {
	tstamp := time.Now().UTC().Truncate(time.Microsecond)
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	rec := billing.Record{
		InvoiceNumber: billing.FormatInvoiceNumber(billing.InvoicePrefix(t), tstamp.Year(), seq),
		SchoolID:      schoolID,
		BillingType:   t,
		Amount:        decimal.RequireFromString(amount),
		Currency:      billing.DefaultCurrency,
		Status:        billing.StatusPending,
		DueDate:       tstamp.Add(30 * 24 * time.Hour),
		Description:   "test " + string(t),
		CreatedAt:     tstamp,
		UpdatedAt:     tstamp,
	}
	if t == billing.TypeSubscriptionFee {
		start := time.Date(tstamp.Year(), tstamp.Month(), 1, 0, 0, 0, 0, time.UTC)
		end := start.AddDate(0, 1, -1)
		rec.BillingPeriodStart, rec.BillingPeriodEnd = &start, &end
		rec.StudentCount = 1
	}
	rec.IdempotencyKey = billing.IdempotencyKey(schoolID, t, rec.Period())
	return rec
}

// CreateRecord stores a record built by NewRecord.
func CreateRecord(t *testing.T, repo billing.Repository, rec billing.Record) billing.Record {
	created, err := repo.CreateRecord(context.Background(), rec)
	if err != nil {
		t.Fatalf("CreateRecord() failed: %v", err)
	}
	return created
}

// NopLogger discards everything.
type NopLogger struct{}

var _ core.Logger = NopLogger{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
func (NopLogger) Fatal(string, ...interface{}) {}

// NewValidator returns a validator with the core and billing tags registered.
func NewValidator() (*validator.Validate, ut.Translator) {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")

	validate := validator.New()
	core.InitValidators(validate, translator)
	billing.InitValidators(validate, translator)
	return validate, translator
}
