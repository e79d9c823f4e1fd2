package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
	emailsvc "github.com/trezcool/masomo-billing/services/email"
	exportsvc "github.com/trezcool/masomo-billing/services/export"
	logsvc "github.com/trezcool/masomo-billing/services/logger"
	rediscache "github.com/trezcool/masomo-billing/storage/cache/redis"
	"github.com/trezcool/masomo-billing/storage/database"
	sqlxrepos "github.com/trezcool/masomo-billing/storage/database/sqlx"
)

var logger core.Logger

func main() {
	conf := core.NewConfig()
	rlogger := logsvc.NewRollbarLogger(logsvc.NewZap("ADMIN", conf), conf)
	rlogger.Enable(!conf.Debug)
	defer rlogger.Sync()
	logger = rlogger

	// set up DB
	db, err := openDB(conf)
	errAndDie(err)
	defer db.Close()

	// set up services
	seq, err := newSequencer(conf, db)
	errAndDie(err)

	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleServiceMock(conf)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}
	exporter := exportsvc.NewExporter()
	notifier, err := emailsvc.NewBillingNotifier(mailSvc, conf, exporter, logger)
	errAndDie(err)

	svc := billing.NewService(
		sqlxrepos.NewBillingRepository(db),
		sqlxrepos.NewSchoolDirectory(db),
		seq,
		logger,
		billing.OptionsFromConfig(conf),
		billing.WithExporter(exporter),
		billing.WithNotifier(notifier),
	)

	// start CLI
	cli := commandLine{db: db, svc: svc, out: os.Stdout}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func openDB(conf *core.Config) (*sqlx.DB, error) {
	if conf.Database.Engine == database.EngineSQLite {
		return database.OpenSQLite(conf.Database.Name)
	}
	return database.Open(conf)
}

// newSequencer must match the API's choice, or both would hand out the same invoice numbers.
func newSequencer(conf *core.Config, db *sqlx.DB) (billing.Sequencer, error) {
	if conf.Redis.Addr == "" {
		return sqlxrepos.NewSequencer(db), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), conf.Billing.StoreTimeout)
	defer cancel()

	client, err := rediscache.NewClient(ctx, conf)
	if err != nil {
		return nil, err
	}
	return rediscache.NewSequencer(client), nil
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err.Error(), err)
	}
}
