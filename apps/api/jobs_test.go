package main

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
	testutil "github.com/trezcool/masomo-billing/tests"
)

type sweepSvcMock struct {
	billing.ServiceInterface
	calls    int
	deadline bool
	err      error
}

func (m *sweepSvcMock) SweepOverdue(ctx context.Context, asOf time.Time) (billing.SweepResult, error) {
	m.calls++
	_, m.deadline = ctx.Deadline()
	return billing.SweepResult{AsOf: asOf}, m.err
}

func Test_newScheduler(t *testing.T) {
	tests := []struct {
		name     string
		schedule string
		wantErr  bool
		wantJobs int
	}{
		{name: "disabled", schedule: "", wantJobs: 0},
		{name: "descriptor", schedule: "@hourly", wantJobs: 1},
		{name: "cron expression", schedule: "*/15 * * * *", wantJobs: 1},
		{name: "invalid", schedule: "every now and then", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conf := &core.Config{}
			conf.Billing.SweepSchedule = tc.schedule

			c, err := newScheduler(conf, testutil.NopLogger{}, &sweepSvcMock{})
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, c.Entries(), tc.wantJobs)
		})
	}
}

func Test_sweepJob(t *testing.T) {
	svc := &sweepSvcMock{}
	sweepJob(testutil.NopLogger{}, svc, time.Minute)
	assert.Equal(t, 1, svc.calls)
	assert.True(t, svc.deadline)

	// failures are logged, never panics
	svc.err = errors.New("store down")
	sweepJob(testutil.NopLogger{}, svc, 0)
	assert.Equal(t, 2, svc.calls)
}
