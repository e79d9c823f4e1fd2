package sqlxrepos_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
	sqlxrepos "github.com/trezcool/masomo-billing/storage/database/sqlx"
	"github.com/trezcool/masomo-billing/tests"
)

func TestBillingRepository_CreateAndGet(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := sqlxrepos.NewBillingRepository(db)
	ctx := context.Background()
	created := time.Date(2024, 1, 5, 10, 0, 0, 123456000, time.UTC)

	rec := testutil.CreateRecord(t, repo, testutil.NewRecord("sch-1", billing.TypeSubscriptionFee, "18000.50", 1, created))
	_, err := uuid.Parse(rec.ID)
	require.NoError(t, err)

	got, err := repo.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.InvoiceNumber, got.InvoiceNumber)
	assert.Equal(t, "SUB-2024-000001", got.InvoiceNumber)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("18000.50")), "amount %s", got.Amount)
	assert.Equal(t, billing.StatusPending, got.Status)
	assert.Equal(t, 1, got.StudentCount)
	assert.True(t, got.CreatedAt.Equal(created), "created_at %s", got.CreatedAt)
	assert.True(t, got.DueDate.Equal(rec.DueDate))
	require.NotNil(t, got.BillingPeriodStart)
	assert.True(t, got.BillingPeriodStart.Equal(*rec.BillingPeriodStart))
	assert.Nil(t, got.PaidDate)
	assert.Empty(t, got.PaymentMethod)
	assert.Equal(t, rec.IdempotencyKey, got.IdempotencyKey)

	_, err = repo.GetRecord(ctx, "lol")
	assert.ErrorIs(t, err, billing.ErrNotFound)
	_, err = repo.GetRecord(ctx, uuid.New().String())
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestBillingRepository_CreateRecord_duplicates(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := sqlxrepos.NewBillingRepository(db)
	ctx := context.Background()

	first := testutil.NewRecord("sch-1", billing.TypeSetupFee, "5000", 1)
	testutil.CreateRecord(t, repo, first)

	dup := testutil.NewRecord("sch-1", billing.TypeSetupFee, "5000", 2)
	_, err := repo.CreateRecord(ctx, dup)
	assert.ErrorIs(t, err, billing.ErrDuplicateKey)

	// no idempotency key: stored as NULL, never collides
	dup.IdempotencyKey = ""
	testutil.CreateRecord(t, repo, dup)
	third := testutil.NewRecord("sch-1", billing.TypeSetupFee, "5000", 3)
	third.IdempotencyKey = ""
	testutil.CreateRecord(t, repo, third)

	// the invoice number stays unique whatever the key
	again := testutil.NewRecord("sch-2", billing.TypeSetupFee, "5000", 1)
	_, err = repo.CreateRecord(ctx, again)
	assert.ErrorIs(t, err, billing.ErrInvoiceNumberTaken)
	assert.NotErrorIs(t, err, billing.ErrDuplicateKey)

	subCent := testutil.NewRecord("sch-3", billing.TypeSetupFee, "10.001", 4)
	_, err = repo.CreateRecord(ctx, subCent)
	assert.ErrorIs(t, err, billing.ErrInvalidAmount)

	existing, err := repo.ExistingKeys(ctx, []string{first.IdempotencyKey, subCent.IdempotencyKey, "nope"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{first.IdempotencyKey: true}, existing)
}

func TestBillingRepository_LastInvoiceSequence(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := sqlxrepos.NewBillingRepository(db)
	ctx := context.Background()
	y2024 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	y2023 := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	last, err := repo.LastInvoiceSequence(ctx, "SETUP", 2024)
	require.NoError(t, err)
	assert.Zero(t, last)

	testutil.CreateRecord(t, repo, testutil.NewRecord("sch-1", billing.TypeSetupFee, "100", 3, y2024))
	testutil.CreateRecord(t, repo, testutil.NewRecord("sch-2", billing.TypeSetupFee, "100", 12, y2024))
	testutil.CreateRecord(t, repo, testutil.NewRecord("sch-3", billing.TypeSetupFee, "100", 99, y2023))
	testutil.CreateRecord(t, repo, testutil.NewRecord("sch-4", billing.TypeSubscriptionFee, "100", 40, y2024))

	tests := []struct {
		prefix string
		year   int
		want   int64
	}{
		{prefix: "SETUP", year: 2024, want: 12},
		{prefix: "SETUP", year: 2023, want: 99},
		{prefix: "SUB", year: 2024, want: 40},
		{prefix: "SUB", year: 2023, want: 0},
	}
	for _, tt := range tests {
		last, err = repo.LastInvoiceSequence(ctx, tt.prefix, tt.year)
		require.NoError(t, err)
		assert.Equal(t, tt.want, last, "%s-%d", tt.prefix, tt.year)
	}

	// past 6 digits the longer number is the larger one
	testutil.CreateRecord(t, repo, testutil.NewRecord("sch-5", billing.TypeSetupFee, "100", 1000000, y2024))
	testutil.CreateRecord(t, repo, testutil.NewRecord("sch-6", billing.TypeSetupFee, "100", 999999, y2024))
	last, err = repo.LastInvoiceSequence(ctx, "SETUP", 2024)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), last)
}

func TestBillingRepository_UpdateStatus(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := sqlxrepos.NewBillingRepository(db)
	ctx := context.Background()

	rec := testutil.CreateRecord(t, repo, testutil.NewRecord("sch-1", billing.TypeSetupFee, "5000", 1))
	paidAt := rec.CreatedAt.Add(time.Hour)
	updatedAt := rec.CreatedAt.Add(2 * time.Hour)
	paid := billing.StatusUpdate{Status: billing.StatusPaid, PaymentMethod: "mpesa", PaidDate: &paidAt, UpdatedAt: updatedAt}

	got, err := repo.UpdateStatus(ctx, rec.ID, billing.StatusPending, paid)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, got.Status)
	assert.Equal(t, "mpesa", got.PaymentMethod)
	require.NotNil(t, got.PaidDate)
	assert.True(t, got.PaidDate.Equal(paidAt))
	assert.True(t, got.UpdatedAt.Equal(updatedAt))

	// stale expected status
	_, err = repo.UpdateStatus(ctx, rec.ID, billing.StatusPending, billing.StatusUpdate{Status: billing.StatusCancelled, UpdatedAt: updatedAt})
	assert.ErrorIs(t, err, billing.ErrConflict)

	_, err = repo.UpdateStatus(ctx, uuid.New().String(), billing.StatusPending, paid)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestBillingRepository_UpdateStatus_concurrent(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := sqlxrepos.NewBillingRepository(db)
	rec := testutil.CreateRecord(t, repo, testutil.NewRecord("sch-1", billing.TypeSetupFee, "5000", 1))

	const writers = 10
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			upd := billing.StatusUpdate{Status: billing.StatusCancelled, UpdatedAt: time.Now().UTC()}
			_, errs[i] = repo.UpdateStatus(context.Background(), rec.ID, billing.StatusPending, upd)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, billing.ErrConflict)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestBillingRepository_AmendRecord(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := sqlxrepos.NewBillingRepository(db)
	ctx := context.Background()

	rec := testutil.CreateRecord(t, repo, testutil.NewRecord("sch-1", billing.TypeSetupFee, "5000", 1))
	rec.Amount = decimal.RequireFromString("4500.25")
	rec.Description = "discounted"
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Minute)

	got, err := repo.AmendRecord(ctx, rec)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(rec.Amount))
	assert.Equal(t, "discounted", got.Description)

	_, err = repo.UpdateStatus(ctx, rec.ID, billing.StatusPending, billing.StatusUpdate{Status: billing.StatusCancelled, UpdatedAt: rec.UpdatedAt})
	require.NoError(t, err)
	_, err = repo.AmendRecord(ctx, rec)
	assert.ErrorIs(t, err, billing.ErrConflict)
}

func TestBillingRepository_Query(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := sqlxrepos.NewBillingRepository(db)
	ctx := context.Background()

	jan := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	r1 := testutil.CreateRecord(t, repo, testutil.NewRecord("sch-1", billing.TypeSetupFee, "5000", 1, jan))
	testutil.CreateRecord(t, repo, testutil.NewRecord("sch-2", billing.TypeSetupFee, "3000", 2, feb))
	testutil.CreateRecord(t, repo, testutil.NewRecord("sch-1", billing.TypeSubscriptionFee, "1500", 1, feb))
	_, err := repo.UpdateStatus(ctx, r1.ID, billing.StatusPending, billing.StatusUpdate{Status: billing.StatusCancelled, UpdatedAt: feb})
	require.NoError(t, err)

	tests := []struct {
		name     string
		filter   *billing.QueryFilter
		ordering []core.DBOrdering
		page     *billing.Pagination
		want     []string
	}{
		{name: "all", want: []string{"SETUP-2024-000001", "SETUP-2024-000002", "SUB-2024-000001"}},
		{name: "by school", filter: &billing.QueryFilter{SchoolIDs: []string{"sch-1"}}, want: []string{"SETUP-2024-000001", "SUB-2024-000001"}},
		{name: "by status", filter: &billing.QueryFilter{Statuses: []billing.Status{billing.StatusPending}}, want: []string{"SETUP-2024-000002", "SUB-2024-000001"}},
		{name: "by type", filter: &billing.QueryFilter{Types: []billing.Type{billing.TypeSubscriptionFee}}, want: []string{"SUB-2024-000001"}},
		{name: "search invoice", filter: &billing.QueryFilter{Search: "setup-2024"}, want: []string{"SETUP-2024-000001", "SETUP-2024-000002"}},
		{name: "search description", filter: &billing.QueryFilter{Search: "SUBSCRIPTION"}, want: []string{"SUB-2024-000001"}},
		{name: "created range", filter: &billing.QueryFilter{CreatedFrom: feb}, want: []string{"SETUP-2024-000002", "SUB-2024-000001"}},
		{name: "due range", filter: &billing.QueryFilter{DueTo: jan.AddDate(0, 0, 30)}, want: []string{"SETUP-2024-000001"}},
		{
			name:     "amount descending",
			ordering: []core.DBOrdering{{Field: "amount"}},
			want:     []string{"SETUP-2024-000001", "SETUP-2024-000002", "SUB-2024-000001"},
		},
		{
			name:     "unknown ordering field ignored",
			ordering: []core.DBOrdering{{Field: "lol"}, {Field: "invoice_number"}},
			want:     []string{"SUB-2024-000001", "SETUP-2024-000002", "SETUP-2024-000001"},
		},
		{
			name:     "paginated",
			ordering: []core.DBOrdering{{Field: "invoice_number", Ascending: true}},
			page:     &billing.Pagination{Page: 2, PageSize: 2},
			want:     []string{"SUB-2024-000001"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ordering := tt.ordering
			if ordering == nil {
				ordering = []core.DBOrdering{{Field: "invoice_number", Ascending: true}}
			}
			records, err := repo.QueryRecords(ctx, tt.filter, ordering, tt.page)
			require.NoError(t, err)
			got := make([]string, 0, len(records))
			for _, rec := range records {
				got = append(got, rec.InvoiceNumber)
			}
			assert.Equal(t, tt.want, got)

			if tt.page == nil {
				n, err := repo.CountRecords(ctx, tt.filter)
				require.NoError(t, err)
				assert.Equal(t, len(tt.want), n)
			}
		})
	}
}

func TestBillingRepository_Query_defaultOrdering(t *testing.T) {
	db := testutil.OpenDB(t)
	repo := sqlxrepos.NewBillingRepository(db)

	jan := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	testutil.CreateRecord(t, repo, testutil.NewRecord("sch-1", billing.TypeSetupFee, "5000", 1, jan))
	testutil.CreateRecord(t, repo, testutil.NewRecord("sch-2", billing.TypeSetupFee, "3000", 2, feb))
	testutil.CreateRecord(t, repo, testutil.NewRecord("sch-1", billing.TypeSubscriptionFee, "1500", 1, feb))

	// newest first, then invoice number descending
	records, err := repo.QueryRecords(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	got := make([]string, 0, len(records))
	for _, rec := range records {
		got = append(got, rec.InvoiceNumber)
	}
	assert.Equal(t, []string{"SUB-2024-000001", "SETUP-2024-000002", "SETUP-2024-000001"}, got)
}

func TestSchoolDirectory_ListSchools(t *testing.T) {
	db := testutil.OpenDB(t)
	dir := sqlxrepos.NewSchoolDirectory(db)
	ctx := context.Background()

	testutil.InsertSchool(t, db, "sch-1", "Alpha", billing.SchoolStatusActive, 3)
	testutil.InsertSchool(t, db, "sch-2", "Beta", "suspended", 2)
	testutil.InsertSchool(t, db, "sch-3", "Gamma", billing.SchoolStatusActive, 0)
	_, err := db.Exec("UPDATE students SET is_active = FALSE WHERE id = 'sch-1-st-0000'")
	require.NoError(t, err)

	schools, err := dir.ListSchools(ctx, billing.SchoolFilter{})
	require.NoError(t, err)
	assert.Equal(t, []billing.School{
		{ID: "sch-1", Name: "Alpha", Status: billing.SchoolStatusActive, ActiveStudentCount: 2},
		{ID: "sch-2", Name: "Beta", Status: "suspended", ActiveStudentCount: 2},
		{ID: "sch-3", Name: "Gamma", Status: billing.SchoolStatusActive, ActiveStudentCount: 0},
	}, schools)

	schools, err = dir.ListSchools(ctx, billing.SchoolFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, schools, 2)

	schools, err = dir.ListSchools(ctx, billing.SchoolFilter{IDs: []string{"sch-2", "nope"}})
	require.NoError(t, err)
	require.Len(t, schools, 1)
	assert.Equal(t, "sch-2", schools[0].ID)
}

func TestSequencer_NextSequence(t *testing.T) {
	db := testutil.OpenDB(t)
	seq := sqlxrepos.NewSequencer(db)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := seq.NextSequence(ctx, "SETUP", 2024)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := seq.NextSequence(ctx, "SETUP", 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
	got, err = seq.NextSequence(ctx, "SUB", 2024)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	const workers = 50
	values := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := seq.NextSequence(ctx, "SUB", 2030)
			if err == nil {
				values <- v
			}
		}()
	}
	wg.Wait()
	close(values)

	seen := make(map[int64]bool)
	for v := range values {
		assert.False(t, seen[v], "duplicate sequence %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, workers)
}

func TestSequencer_RebaseSequence(t *testing.T) {
	db := testutil.OpenDB(t)
	seq := sqlxrepos.NewSequencer(db)
	ctx := context.Background()

	require.NoError(t, seq.RebaseSequence(ctx, "SETUP", 2024, 10))
	got, err := seq.NextSequence(ctx, "SETUP", 2024)
	require.NoError(t, err)
	assert.Equal(t, int64(11), got)

	// never moves backwards
	require.NoError(t, seq.RebaseSequence(ctx, "SETUP", 2024, 5))
	got, err = seq.NextSequence(ctx, "SETUP", 2024)
	require.NoError(t, err)
	assert.Equal(t, int64(12), got)

	got, err = seq.NextSequence(ctx, "SUB", 2024)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}
