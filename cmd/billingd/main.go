package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/khizerh/amanahlogic-sub002/pkg/config"
	"github.com/khizerh/amanahlogic-sub002/pkg/gateway"
	"github.com/khizerh/amanahlogic-sub002/pkg/httpserver"
	"github.com/khizerh/amanahlogic-sub002/pkg/invoice"
	"github.com/khizerh/amanahlogic-sub002/pkg/lock"
	"github.com/khizerh/amanahlogic-sub002/pkg/logger"
	"github.com/khizerh/amanahlogic-sub002/pkg/mailer"
	"github.com/khizerh/amanahlogic-sub002/pkg/pg"
	"github.com/khizerh/amanahlogic-sub002/pkg/redis"
	"github.com/khizerh/amanahlogic-sub002/svc/billing"
	"github.com/khizerh/amanahlogic-sub002/svc/billing/pgstore"
)

type appConfig struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"billingd"`

	// Cron spec for the daily billing sweep, in the server's local time.
	BillingRunSchedule string `env:"BILLING_RUN_SCHEDULE" envDefault:"0 6 * * *"`
	// How long the run lease is held; must exceed the longest sweep.
	BillingRunLeaseTTL time.Duration `env:"BILLING_RUN_LEASE_TTL" envDefault:"30m"`
}

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("billingd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var appCfg appConfig
	config.MustLoad(&appCfg)

	log := logger.New(
		logger.WithEnvironment(appCfg.Environment, appCfg.ServiceName),
	)
	logger.SetAsDefault(log)

	var pgCfg pg.Config
	config.MustLoad(&pgCfg)
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return err
	}

	var redisCfg redis.Config
	config.MustLoad(&redisCfg)
	redisClient, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	var stripeCfg gateway.StripeConfig
	config.MustLoad(&stripeCfg)
	gw, err := gateway.NewStripeGateway(stripeCfg)
	if err != nil {
		return err
	}

	notifier := buildNotifier(appCfg.Environment, log)

	store := pgstore.New(pool)
	invoices := invoice.NewService(store, store)
	engine := billing.NewEngine(store, notifier, log)
	runner := billing.NewRunner(store, invoices, notifier, log)
	processor := billing.NewWebhookProcessor(store, engine, invoices, log)

	locks := lock.NewManager(redisClient, appCfg.ServiceName)
	scheduler, err := startScheduler(ctx, appCfg, runner, locks, log)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Get("/health", httpserver.HealthCheckHandler(log,
		pg.Healthcheck(pool),
		redis.Healthcheck(redisClient),
	))
	r.Mount("/", billing.Router(billing.RouterOptions{
		Gateway:   gw,
		Processor: processor,
		Runner:    runner,
		Logger:    log,
	}))

	var httpCfg httpserver.Config
	config.MustLoad(&httpCfg)
	srv := httpserver.New(httpCfg, httpserver.WithLogger(log))
	return srv.Run(ctx, r)
}

// buildNotifier returns the Postmark sender when tokens are configured
// and the logging dev sender otherwise, so local environments never need
// mail credentials.
func buildNotifier(environment string, log *slog.Logger) mailer.Notifier {
	var mailCfg mailer.Config
	if err := config.Load(&mailCfg); err != nil {
		log.Warn("mail configuration incomplete, using dev sender", slog.Any("error", err))
		return mailer.NewDevSender(log)
	}
	notifier, err := mailer.NewPostmarkNotifier(mailCfg)
	if err != nil {
		if environment != "development" {
			log.Warn("postmark unavailable, using dev sender", slog.Any("error", err))
		}
		return mailer.NewDevSender(log)
	}
	return notifier
}

// startScheduler runs the daily billing sweep. The Redis lease makes the
// schedule fire on exactly one instance; losing the lease race means
// another instance is already sweeping.
func startScheduler(ctx context.Context, cfg appConfig, runner *billing.Runner, locks *lock.Manager, log *slog.Logger) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(cfg.BillingRunSchedule, func() {
		lease, err := locks.Acquire(ctx, "billing-run", cfg.BillingRunLeaseTTL)
		if err != nil {
			if errors.Is(err, lock.ErrNotAcquired) {
				log.InfoContext(ctx, "billing run already in progress on another instance")
				return
			}
			log.ErrorContext(ctx, "billing run lease acquisition failed", slog.Any("error", err))
			return
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				log.WarnContext(ctx, "billing run lease release failed", slog.Any("error", err))
			}
		}()

		if _, err := runner.Run(ctx, billing.RunOptions{}); err != nil {
			log.ErrorContext(ctx, "scheduled billing run failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	log.InfoContext(ctx, "billing scheduler started", slog.String("schedule", cfg.BillingRunSchedule))
	return c, nil
}
