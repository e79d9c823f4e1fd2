package dig_container

import (
	"context"
	"fmt"
	"log"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/masomo-billing/apps/api/echo"
	"github.com/trezcool/masomo-billing/core"
	"github.com/trezcool/masomo-billing/core/billing"
	emailsvc "github.com/trezcool/masomo-billing/services/email"
	exportsvc "github.com/trezcool/masomo-billing/services/export"
	logsvc "github.com/trezcool/masomo-billing/services/logger"
	metricsvc "github.com/trezcool/masomo-billing/services/metrics"
	rediscache "github.com/trezcool/masomo-billing/storage/cache/redis"
	"github.com/trezcool/masomo-billing/storage/database"
	sqlxrepos "github.com/trezcool/masomo-billing/storage/database/sqlx"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

func newLogger(conf *core.Config) core.Logger {
	logger := logsvc.NewRollbarLogger(logsvc.NewZap("API", conf), conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDBLogger(conf *core.Config) core.Logger {
	logger := logsvc.NewRollbarLogger(logsvc.NewZap("DB", conf), conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDB(conf *core.Config, loggerParam DBLoggerParam) *sqlx.DB {
	setUp := func() (*sqlx.DB, error) {
		var db *sqlx.DB
		var err error

		if conf.Database.Engine == database.EngineSQLite {
			db, err = database.OpenSQLite(conf.Database.Name)
		} else {
			if err = database.CreateIfNotExist(conf); err != nil {
				return nil, err
			}
			db, err = database.Open(conf)
		}
		if err != nil {
			return nil, err
		}

		if err = database.Migrate(db); err != nil {
			return nil, err
		}
		return db, nil
	}

	db, err := setUp()
	if err != nil {
		loggerParam.Logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	return db
}

func newDBExecutor(db *sqlx.DB) core.DBExecutor {
	return db
}

// newSequencer uses redis when configured so several API instances share invoice sequences cheaply;
// the SQL upsert sequencer is the fallback.
func newSequencer(conf *core.Config, db *sqlx.DB, logger core.Logger) billing.Sequencer {
	if conf.Redis.Addr == "" {
		return sqlxrepos.NewSequencer(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), conf.Billing.StoreTimeout)
	defer cancel()

	client, err := rediscache.NewClient(ctx, conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("connecting to redis: %v", err), err)
	}
	return rediscache.NewSequencer(client)
}

func newEmailService(conf *core.Config, logger core.Logger) core.EmailService {
	if conf.Debug {
		return emailsvc.NewConsoleService(conf)
	}
	return emailsvc.NewSendgridService(conf, logger)
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}

type BillingParams struct {
	dig.In
	Conf     *core.Config
	Logger   core.Logger
	Repo     billing.Repository
	Schools  billing.SchoolDirectory
	Seq      billing.Sequencer
	Exporter billing.Exporter
	Notifier billing.Notifier
	Metrics  *metricsvc.Collector
}

func newBillingService(p BillingParams) billing.ServiceInterface {
	return billing.NewService(
		p.Repo, p.Schools, p.Seq, p.Logger, billing.OptionsFromConfig(p.Conf),
		billing.WithExporter(p.Exporter),
		billing.WithNotifier(p.Notifier),
		billing.WithMetrics(p.Metrics),
	)
}

// New returns a new dependency injection dig.Container
func New() *dig.Container {
	c := dig.New()

	must(c.Provide(core.NewConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newDB))
	must(c.Provide(newDBExecutor))
	must(c.Provide(newSequencer))
	must(c.Provide(newEmailService))
	must(c.Provide(emailsvc.NewBillingNotifier))
	must(c.Provide(sqlxrepos.NewBillingRepository, dig.As(new(billing.Repository))))
	must(c.Provide(sqlxrepos.NewSchoolDirectory, dig.As(new(billing.SchoolDirectory))))
	must(c.Provide(exportsvc.NewExporter, dig.As(new(billing.Exporter))))
	must(c.Provide(metricsvc.NewCollector))
	must(c.Provide(validator.New))
	must(c.Provide(newTranslator))
	must(c.Provide(newBillingService))
	must(c.Provide(echoapi.NewServer))

	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
