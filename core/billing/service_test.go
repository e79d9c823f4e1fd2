package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
	inmemdb "github.com/trezcool/masomo-billing/storage/database/inmem"
	sqlxrepos "github.com/trezcool/masomo-billing/storage/database/sqlx"
	"github.com/trezcool/masomo-billing/tests"
)

var clock = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type spy struct {
	mu       sync.Mutex
	batches  []billing.BatchResult
	sweeps   []billing.SweepResult
	changes  [][2]billing.Status
	exported []billing.Export
}

func (s *spy) BatchCompleted(_ context.Context, res billing.BatchResult) {
	s.mu.Lock()
	s.batches = append(s.batches, res)
	s.mu.Unlock()
}

func (s *spy) OverdueMarked(_ context.Context, res billing.SweepResult) {
	s.mu.Lock()
	s.sweeps = append(s.sweeps, res)
	s.mu.Unlock()
}

func (s *spy) StatusChanged(from, to billing.Status) {
	s.mu.Lock()
	s.changes = append(s.changes, [2]billing.Status{from, to})
	s.mu.Unlock()
}

func (s *spy) Render(_ context.Context, format billing.ExportFormat, exp billing.Export) (billing.Artifact, error) {
	s.mu.Lock()
	s.exported = append(s.exported, exp)
	s.mu.Unlock()
	return billing.Artifact{Filename: exp.FileStem() + "." + string(format), Content: []byte("ok")}, nil
}

type spyMetrics struct{ *spy }

func (m spyMetrics) BatchCompleted(billing.BatchResult, time.Duration) {}
func (m spyMetrics) OverdueSwept(billing.SweepResult)                  {}

type failingSequencer struct{}

func (failingSequencer) NextSequence(context.Context, string, int) (int64, error) {
	return 0, context.DeadlineExceeded
}

// stuckSequencer always hands out the same value and cannot be rebased.
type stuckSequencer struct{}

func (stuckSequencer) NextSequence(context.Context, string, int) (int64, error) {
	return 1, nil
}

type env struct {
	svc  *billing.Service
	repo billing.Repository
	dir  billing.SchoolDirectory
	spy  *spy
}

func newEnv(t *testing.T, schools []billing.School, seq ...billing.Sequencer) env {
	t.Helper()
	db := inmemdb.Open()
	dir := inmemdb.NewSchoolDirectory(db)
	for _, s := range schools {
		dir.PutSchool(s)
	}
	var sequencer billing.Sequencer = inmemdb.NewSequencer(db)
	if len(seq) > 0 {
		sequencer = seq[0]
	}
	repo := inmemdb.NewBillingRepository(db)
	svc, s := newService(repo, dir, sequencer)
	return env{svc: svc, repo: repo, dir: dir, spy: s}
}

func newService(repo billing.Repository, dir billing.SchoolDirectory, seq billing.Sequencer) (*billing.Service, *spy) {
	s := &spy{}
	svc := billing.NewService(repo, dir, seq, testutil.NopLogger{}, billing.Options{Workers: 3},
		billing.WithClock(func() time.Time { return clock }),
		billing.WithNotifier(s),
		billing.WithMetrics(spyMetrics{s}),
		billing.WithExporter(s),
	)
	return svc, s
}

func school(id string, students int, status ...string) billing.School {
	st := billing.SchoolStatusActive
	if len(status) > 0 {
		st = status[0]
	}
	return billing.School{ID: id, Name: "School " + id, Status: st, ActiveStudentCount: students}
}

func fiveSchools() []billing.School {
	return []billing.School{
		school("s1", 10), school("s2", 20), school("s3", 30, "suspended"), school("s4", 40), school("s5", 50),
	}
}

func TestService_CreateSetupFees(t *testing.T) {
	e := newEnv(t, fiveSchools())
	ctx := context.Background()
	nsf := billing.NewSetupFees{
		Scope:  billing.Scope{SchoolIDs: []string{"s1", "s2", "s3", "s4", "s5"}},
		Amount: decimal.NewFromInt(5000),
	}

	res, err := e.svc.CreateSetupFees(ctx, nsf)
	require.NoError(t, err)
	assert.Equal(t, billing.TypeSetupFee, res.BillingType)
	require.Len(t, res.Created, 4)
	assert.Empty(t, res.Skipped)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "s3", res.Failed[0].SchoolID)
	assert.Equal(t, billing.CodeSchoolInactive, res.Failed[0].Code)

	numbers := make(map[string]bool)
	for i, rec := range res.Created {
		assert.Equal(t, []string{"s1", "s2", "s4", "s5"}[i], rec.SchoolID)
		assert.True(t, rec.Amount.Equal(decimal.NewFromInt(5000)))
		assert.Equal(t, billing.StatusPending, rec.Status)
		assert.Equal(t, billing.DefaultCurrency, rec.Currency)
		assert.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), rec.DueDate)
		assert.Regexp(t, `^SETUP-2024-00000[1-4]$`, rec.InvoiceNumber)
		assert.False(t, numbers[rec.InvoiceNumber])
		numbers[rec.InvoiceNumber] = true
	}
	require.Len(t, e.spy.batches, 1)

	// rerun: every billed school is skipped, nothing new is stored
	res, err = e.svc.CreateSetupFees(ctx, nsf)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"s1", "s2", "s4", "s5"}, res.Skipped)
	assert.Len(t, res.Failed, 1)

	n, err := e.repo.CountRecords(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestService_CreateSetupFees_scope(t *testing.T) {
	e := newEnv(t, fiveSchools())
	ctx := context.Background()

	_, err := e.svc.CreateSetupFees(ctx, billing.NewSetupFees{Amount: decimal.Zero})
	assert.ErrorIs(t, err, billing.ErrInvalidAmount)
	_, err = e.svc.CreateSetupFees(ctx, billing.NewSetupFees{Amount: decimal.RequireFromString("10.001")})
	assert.ErrorIs(t, err, billing.ErrInvalidAmount)

	res, err := e.svc.CreateSetupFees(ctx, billing.NewSetupFees{
		Scope:   billing.Scope{SchoolIDs: []string{"nope"}},
		Amount:  decimal.NewFromInt(100),
		DueDate: &clock,
	})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, billing.CodeSchoolNotFound, res.Failed[0].Code)

	// all: active schools only
	res, err = e.svc.CreateSetupFees(ctx, billing.NewSetupFees{Amount: decimal.NewFromInt(100), Description: "  Onboarding  "})
	require.NoError(t, err)
	assert.Len(t, res.Created, 4)
	assert.Empty(t, res.Failed)
	assert.Equal(t, "Onboarding", res.Created[0].Description)
}

func TestService_CreateSetupFees_duplicateScopeIDs(t *testing.T) {
	e := newEnv(t, fiveSchools())

	res, err := e.svc.CreateSetupFees(context.Background(), billing.NewSetupFees{
		Scope:  billing.Scope{SchoolIDs: []string{"s1", "s1", " s2 ", "s2"}},
		Amount: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	assert.Equal(t, "s1", res.Created[0].SchoolID)
	assert.Equal(t, "s2", res.Created[1].SchoolID)
	assert.Empty(t, res.Skipped)
	assert.Empty(t, res.Failed)
	n, err := e.repo.CountRecords(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestService_CreateSetupFees_concurrentBatches(t *testing.T) {
	backends := []struct {
		name string
		open func(t *testing.T) (billing.Repository, billing.SchoolDirectory, billing.Sequencer)
	}{
		{
			name: "inmem",
			open: func(t *testing.T) (billing.Repository, billing.SchoolDirectory, billing.Sequencer) {
				db := inmemdb.Open()
				dir := inmemdb.NewSchoolDirectory(db)
				for _, s := range fiveSchools() {
					dir.PutSchool(s)
				}
				return inmemdb.NewBillingRepository(db), dir, inmemdb.NewSequencer(db)
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T) (billing.Repository, billing.SchoolDirectory, billing.Sequencer) {
				db := testutil.OpenDB(t)
				for _, s := range fiveSchools() {
					testutil.InsertSchool(t, db, s.ID, s.Name, s.Status, s.ActiveStudentCount)
				}
				return sqlxrepos.NewBillingRepository(db), sqlxrepos.NewSchoolDirectory(db), sqlxrepos.NewSequencer(db)
			},
		},
	}

	const runs = 8
	for _, tt := range backends {
		t.Run(tt.name, func(t *testing.T) {
			repo, dir, seq := tt.open(t)
			ctx := context.Background()

			results := make([]billing.BatchResult, runs)
			var wg sync.WaitGroup
			for i := 0; i < runs; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					svc, _ := newService(repo, dir, seq) // one engine per API instance
					res, err := svc.CreateSetupFees(ctx, billing.NewSetupFees{Amount: decimal.NewFromInt(5000)})
					assert.NoError(t, err)
					results[i] = res
				}(i)
			}
			wg.Wait()

			created := make(map[string]int)
			for _, res := range results {
				assert.Empty(t, res.Failed)
				assert.Len(t, res.Skipped, 4-len(res.Created))
				for _, rec := range res.Created {
					created[rec.SchoolID]++
				}
				for _, id := range res.Skipped {
					for _, rec := range res.Created {
						assert.NotEqual(t, id, rec.SchoolID)
					}
				}
			}
			assert.Equal(t, map[string]int{"s1": 1, "s2": 1, "s4": 1, "s5": 1}, created)

			n, err := repo.CountRecords(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, 4, n)
		})
	}
}

func TestService_CreateSetupFees_sequencerBehindStore(t *testing.T) {
	ctx := context.Background()

	t.Run("restarted counter is rebased", func(t *testing.T) {
		e := newEnv(t, fiveSchools(), inmemdb.NewSequencer(inmemdb.Open()))
		testutil.CreateRecord(t, e.repo, testutil.NewRecord("old-1", billing.TypeSetupFee, "100", 1, clock))
		testutil.CreateRecord(t, e.repo, testutil.NewRecord("old-2", billing.TypeSetupFee, "100", 2, clock))

		res, err := e.svc.CreateSetupFees(ctx, billing.NewSetupFees{
			Scope:  billing.Scope{SchoolIDs: []string{"s1", "s2"}},
			Amount: decimal.NewFromInt(100),
		})
		require.NoError(t, err)
		assert.Empty(t, res.Failed)
		require.Len(t, res.Created, 2)
		numbers := []string{res.Created[0].InvoiceNumber, res.Created[1].InvoiceNumber}
		assert.ElementsMatch(t, []string{"SETUP-2024-000003", "SETUP-2024-000004"}, numbers)

		rec, err := e.svc.CreateRecord(ctx, billing.NewRecord{
			SchoolID: "s4", BillingType: billing.TypeSetupFee, Amount: decimal.NewFromInt(100), DueDate: clock, Description: "Setup",
		})
		require.NoError(t, err)
		assert.Equal(t, "SETUP-2024-000005", rec.InvoiceNumber)
	})

	t.Run("counter that cannot move fails as a conflict", func(t *testing.T) {
		e := newEnv(t, fiveSchools(), stuckSequencer{})
		testutil.CreateRecord(t, e.repo, testutil.NewRecord("old-1", billing.TypeSetupFee, "100", 1, clock))

		res, err := e.svc.CreateSetupFees(ctx, billing.NewSetupFees{
			Scope:  billing.Scope{SchoolIDs: []string{"s1"}},
			Amount: decimal.NewFromInt(100),
		})
		require.NoError(t, err)
		assert.Empty(t, res.Created)
		require.Len(t, res.Failed, 1)
		assert.Equal(t, billing.CodeConflict, res.Failed[0].Code)

		_, err = e.svc.CreateRecord(ctx, billing.NewRecord{
			SchoolID: "s2", BillingType: billing.TypeSetupFee, Amount: decimal.NewFromInt(100), DueDate: clock, Description: "Setup",
		})
		assert.ErrorIs(t, err, billing.ErrInvoiceNumberTaken)
		assert.True(t, billing.IsRetryable(err))
	})
}

func TestService_CreateSetupFees_storeUnavailable(t *testing.T) {
	e := newEnv(t, fiveSchools(), failingSequencer{})

	res, err := e.svc.CreateSetupFees(context.Background(), billing.NewSetupFees{Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	require.Len(t, res.Failed, 4)
	for _, f := range res.Failed {
		assert.Equal(t, billing.CodeStoreUnavailable, f.Code)
	}
}

func TestService_CreateSubscriptionFees(t *testing.T) {
	e := newEnv(t, []billing.School{school("big", 120), school("empty", 0)})
	ctx := context.Background()
	jan := billing.NewSubscriptionFees{
		Rate:        decimal.NewFromInt(150),
		PeriodStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}

	res, err := e.svc.CreateSubscriptionFees(ctx, jan)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	rec := res.Created[0]
	assert.Equal(t, "SUB-2024-000001", rec.InvoiceNumber)
	assert.True(t, rec.Amount.Equal(decimal.NewFromInt(18000)), "amount %s", rec.Amount)
	assert.Equal(t, 120, rec.StudentCount)
	assert.Equal(t, jan.PeriodStart, *rec.BillingPeriodStart)
	assert.Equal(t, jan.PeriodEnd, *rec.BillingPeriodEnd)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), rec.DueDate)
	assert.Contains(t, rec.Description, "120 students")

	require.Len(t, res.Failed, 1)
	assert.Equal(t, "empty", res.Failed[0].SchoolID)
	assert.Equal(t, billing.CodeInvalidAmount, res.Failed[0].Code)

	// same period again is skipped, the next one is billed
	res, err = e.svc.CreateSubscriptionFees(ctx, jan)
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, res.Skipped)

	feb := jan
	feb.PeriodStart, feb.PeriodEnd = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	res, err = e.svc.CreateSubscriptionFees(ctx, feb)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, "SUB-2024-000002", res.Created[0].InvoiceNumber)

	// policy errors are returned before any school is processed
	bad := jan
	bad.PeriodEnd = bad.PeriodStart.AddDate(0, 0, -1)
	_, err = e.svc.CreateSubscriptionFees(ctx, bad)
	assert.True(t, core.IsValidationError(err), "err = %v", err)

	bad = jan
	bad.Rate = decimal.NewFromInt(-1)
	_, err = e.svc.CreateSubscriptionFees(ctx, bad)
	assert.ErrorIs(t, err, billing.ErrInvalidAmount)

	// a zero rate fails every school
	zero := feb
	zero.PeriodStart, zero.PeriodEnd = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	zero.Rate = decimal.Zero
	res, err = e.svc.CreateSubscriptionFees(ctx, zero)
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Len(t, res.Failed, 2)
}

func TestService_lifecycle(t *testing.T) {
	e := newEnv(t, fiveSchools())
	ctx := context.Background()

	res, err := e.svc.CreateSetupFees(ctx, billing.NewSetupFees{Scope: billing.Scope{SchoolIDs: []string{"s1", "s2", "s4"}}, Amount: decimal.NewFromInt(5000)})
	require.NoError(t, err)
	require.Len(t, res.Created, 3)
	r1, r2, r3 := res.Created[0], res.Created[1], res.Created[2]
	paidAt := clock.Add(24 * time.Hour)

	tests := []struct {
		name    string
		id      string
		change  billing.StatusChange
		want    billing.Status
		wantErr error
	}{
		{name: "unknown record", id: "lol", change: billing.StatusChange{Status: billing.StatusCancelled}, wantErr: billing.ErrNotFound},
		{name: "manual overdue", id: r1.ID, change: billing.StatusChange{Status: billing.StatusOverdue}, wantErr: billing.ErrInvalidTransition},
		{name: "paid without method", id: r1.ID, change: billing.StatusChange{Status: billing.StatusPaid, PaidDate: &paidAt}, wantErr: billing.ErrInvalidTransition},
		{name: "paid", id: r1.ID, change: billing.StatusChange{Status: billing.StatusPaid, PaymentMethod: " MPESA ", PaidDate: &paidAt}, want: billing.StatusPaid},
		{name: "paid is terminal", id: r1.ID, change: billing.StatusChange{Status: billing.StatusCancelled}, wantErr: billing.ErrInvalidTransition},
		{name: "cancel", id: r2.ID, change: billing.StatusChange{Status: billing.StatusCancelled}, want: billing.StatusCancelled},
		{name: "cancelled is terminal", id: r2.ID, change: billing.StatusChange{Status: billing.StatusPaid, PaymentMethod: "cash", PaidDate: &paidAt}, wantErr: billing.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := e.svc.TransitionStatus(ctx, tt.id, tt.change)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Status)
			assert.True(t, rec.UpdatedAt.After(rec.CreatedAt) || rec.UpdatedAt.Equal(rec.CreatedAt.Add(time.Microsecond)))
		})
	}

	paid, err := e.svc.GetRecord(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, "mpesa", paid.PaymentMethod)
	assert.Equal(t, paidAt, *paid.PaidDate)

	// sweep: only r3 is still pending
	sweep, err := e.svc.SweepOverdue(ctx, r3.DueDate)
	require.NoError(t, err)
	assert.Empty(t, sweep.Marked, "due exactly at the reference date is not overdue yet")

	sweep, err = e.svc.SweepOverdue(ctx, r3.DueDate.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, sweep.Marked, 1)
	assert.Equal(t, r3.ID, sweep.Marked[0].ID)
	assert.Equal(t, billing.StatusOverdue, sweep.Marked[0].Status)
	assert.Len(t, e.spy.sweeps, 1)

	overdue, err := e.svc.TransitionStatus(ctx, r3.ID, billing.StatusChange{Status: billing.StatusPaid, PaymentMethod: "bank", PaidDate: &paidAt})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, overdue.Status)

	assert.Contains(t, e.spy.changes, [2]billing.Status{billing.StatusPending, billing.StatusOverdue})
	assert.Contains(t, e.spy.changes, [2]billing.Status{billing.StatusOverdue, billing.StatusPaid})
}

func TestService_TransitionStatus_paidToday(t *testing.T) {
	e := newEnv(t, fiveSchools())
	ctx := context.Background()

	res, err := e.svc.CreateSetupFees(ctx, billing.NewSetupFees{Scope: billing.Scope{SchoolIDs: []string{"s5"}}, Amount: decimal.NewFromInt(5000)})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)

	today := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) // created at 09:30 the same day
	rec, err := e.svc.TransitionStatus(ctx, res.Created[0].ID, billing.StatusChange{Status: billing.StatusPaid, PaymentMethod: "cash", PaidDate: &today})
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, rec.Status)
	require.NotNil(t, rec.PaidDate)
	assert.True(t, rec.PaidDate.Equal(today))
}

func TestService_Amend(t *testing.T) {
	e := newEnv(t, fiveSchools())
	ctx := context.Background()

	rec, err := e.svc.CreateRecord(ctx, billing.NewRecord{
		SchoolID: "s1", BillingType: billing.TypeSetupFee, Amount: decimal.NewFromInt(100), DueDate: clock, Description: "setup",
	})
	require.NoError(t, err)

	amount := decimal.RequireFromString("250.50")
	desc := "  Adjusted setup  "
	amended, err := e.svc.Amend(ctx, rec.ID, billing.AmendRecord{Amount: &amount, Description: &desc})
	require.NoError(t, err)
	assert.True(t, amended.Amount.Equal(amount))
	assert.Equal(t, "Adjusted setup", amended.Description)
	assert.Equal(t, rec.InvoiceNumber, amended.InvoiceNumber)

	_, err = e.svc.Amend(ctx, rec.ID, billing.AmendRecord{})
	assert.True(t, core.IsValidationError(err))

	subCent := decimal.RequireFromString("1.001")
	_, err = e.svc.Amend(ctx, rec.ID, billing.AmendRecord{Amount: &subCent})
	assert.ErrorIs(t, err, billing.ErrInvalidAmount)

	_, err = e.svc.TransitionStatus(ctx, rec.ID, billing.StatusChange{Status: billing.StatusCancelled})
	require.NoError(t, err)
	_, err = e.svc.Amend(ctx, rec.ID, billing.AmendRecord{Amount: &amount})
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)
}

func TestService_CreateRecord(t *testing.T) {
	e := newEnv(t, fiveSchools())
	ctx := context.Background()
	start, end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	nr := billing.NewRecord{
		SchoolID: "s1", BillingType: billing.TypeSubscriptionFee, Amount: decimal.NewFromInt(1500), StudentCount: 10,
		PeriodStart: &start, PeriodEnd: &end, DueDate: clock, Description: "January",
	}

	rec, err := e.svc.CreateRecord(ctx, nr)
	require.NoError(t, err)
	assert.Equal(t, "SUB-2024-000001", rec.InvoiceNumber)
	assert.NotEmpty(t, rec.IdempotencyKey)

	_, err = e.svc.CreateRecord(ctx, nr)
	assert.ErrorIs(t, err, billing.ErrDuplicateKey)

	nr.AllowDuplicate = true
	dup, err := e.svc.CreateRecord(ctx, nr)
	require.NoError(t, err)
	assert.Empty(t, dup.IdempotencyKey)
	assert.NotEqual(t, rec.InvoiceNumber, dup.InvoiceNumber)

	_, err = e.svc.CreateRecord(ctx, billing.NewRecord{SchoolID: "s1", BillingType: "lol", Amount: decimal.NewFromInt(1), DueDate: clock, Description: "x"})
	assert.True(t, core.IsValidationError(err))
	_, err = e.svc.CreateRecord(ctx, billing.NewRecord{SchoolID: "s1", BillingType: billing.TypeSetupFee, Amount: decimal.Zero, DueDate: clock, Description: "x"})
	assert.ErrorIs(t, err, billing.ErrInvalidAmount)
}

func TestService_ListStatsExport(t *testing.T) {
	e := newEnv(t, fiveSchools())
	ctx := context.Background()

	res, err := e.svc.CreateSetupFees(ctx, billing.NewSetupFees{Amount: decimal.NewFromInt(5000)})
	require.NoError(t, err)
	require.Len(t, res.Created, 4)
	paidAt := clock.Add(time.Hour)
	_, err = e.svc.TransitionStatus(ctx, res.Created[0].ID, billing.StatusChange{Status: billing.StatusPaid, PaymentMethod: "cash", PaidDate: &paidAt})
	require.NoError(t, err)

	ordering := []core.DBOrdering{{Field: "invoice_number", Ascending: true}}
	page, err := e.svc.ListRecords(ctx, &billing.QueryFilter{}, ordering, billing.Pagination{Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 2, page.Page)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "SETUP-2024-000004", page.Records[0].InvoiceNumber)

	page, err = e.svc.ListRecords(ctx, &billing.QueryFilter{Statuses: []billing.Status{billing.StatusPending}}, ordering, billing.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 1, page.Page)

	stats, err := e.svc.GetStats(ctx, nil)
	require.NoError(t, err)
	assert.True(t, stats.TotalBilled.Equal(decimal.NewFromInt(20000)))
	assert.True(t, stats.TotalPaid.Equal(decimal.NewFromInt(5000)))
	assert.True(t, stats.TotalBilled.Equal(stats.TotalPaid.Add(stats.Outstanding)))
	assert.Len(t, stats.Schools, 4)

	art, err := e.svc.Export(ctx, &billing.QueryFilter{SchoolIDs: []string{"s1", "s2"}}, billing.ExportExcel)
	require.NoError(t, err)
	assert.Equal(t, "billing-records-20240301-093000.excel", art.Filename)
	require.Len(t, e.spy.exported, 1)
	exp := e.spy.exported[0]
	require.Len(t, exp.Rows, 2)
	assert.Equal(t, "School s1", exp.Rows[0].SchoolName)
	assert.Equal(t, "5000.00", exp.Rows[0].Amount)
	assert.Equal(t, "paid", exp.Rows[0].Status)
	assert.Equal(t, 2, exp.Stats.RecordCount)

	_, err = e.svc.Export(ctx, nil, billing.ExportFormat("csv"))
	assert.True(t, core.IsValidationError(err))
}
