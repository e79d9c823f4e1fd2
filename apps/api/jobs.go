package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
)

// newScheduler registers the periodic billing jobs. An empty schedule disables the sweep.
func newScheduler(conf *core.Config, logger core.Logger, svc billing.ServiceInterface) (*cron.Cron, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if conf.Billing.SweepSchedule == "" {
		return c, nil
	}

	timeout := conf.Billing.BatchTimeout
	if _, err := c.AddFunc(conf.Billing.SweepSchedule, func() { sweepJob(logger, svc, timeout) }); err != nil {
		return nil, errors.Wrapf(err, "scheduling overdue sweep %q", conf.Billing.SweepSchedule)
	}
	return c, nil
}

func sweepJob(logger core.Logger, svc billing.ServiceInterface, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := svc.SweepOverdue(ctx, time.Now())
	if err != nil {
		logger.Error(fmt.Sprintf("overdue sweep failed: %v", err), err)
		return
	}
	if len(res.Failed) > 0 {
		logger.Warn(fmt.Sprintf("overdue sweep: %d record(s) could not be marked", len(res.Failed)))
	}
}
