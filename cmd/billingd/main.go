package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/billingkit/modules/billinghttp"
	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/config"
	"github.com/dmitrymomot/billingkit/pkg/dunning"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/redis"
	"github.com/dmitrymomot/billingkit/pkg/requestid"
)

type appConfig struct {
	Environment   string `env:"APP_ENV" envDefault:"development"`
	ServiceName   string `env:"SERVICE_NAME" envDefault:"billingd"`
	CatalogPath   string `env:"BILLING_CATALOG_PATH" envDefault:"config/catalog.yml"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	EventCache    bool   `env:"BILLING_EVENT_CACHE" envDefault:"true"`
	DevMailDir    string `env:"DEV_MAIL_DIR" envDefault:"tmp/mail"`
}

func main() {
	var appCfg appConfig
	config.MustLoad(&appCfg)

	log := logger.New(
		logger.WithEnvironment(appCfg.Environment, appCfg.ServiceName),
		logger.WithContextExtractors(requestid.LoggerExtractor()),
	)
	logger.SetAsDefault(log)

	if err := run(context.Background(), appCfg, log); err != nil {
		log.Error("billingd exited with error", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, appCfg appConfig, log *slog.Logger) error {
	catalog, err := billing.LoadCatalog(appCfg.CatalogPath)
	if err != nil {
		return err
	}

	var pgCfg pg.Config
	config.MustLoad(&pgCfg)
	pgCfg.MigrationsPath = appCfg.MigrationsDir

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return err
	}

	var stripeCfg billing.StripeConfig
	config.MustLoad(&stripeCfg)
	gateway, err := billing.NewStripeGateway(stripeCfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []billing.Option{
		billing.WithLogger(log),
		billing.WithMetrics(billing.NewMetrics(registry)),
	}

	healthchecks := []func(context.Context) error{pg.Healthcheck(pool)}
	if appCfg.EventCache {
		var redisCfg redis.Config
		config.MustLoad(&redisCfg)
		redisClient, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		opts = append(opts, billing.WithEventCache(billing.NewRedisEventCache(redisClient, 0)))
		healthchecks = append(healthchecks, redis.Healthcheck(redisClient))
	}

	opts = append(opts, billing.WithNotifier(newNotifier(appCfg, log)))

	svc, err := billing.NewService(catalog, gateway, billing.NewPgStore(pool), opts...)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Mount("/", billinghttp.Router(billinghttp.RouterOptions{
		Service: svc,
		Catalog: catalog,
		Logger:  log,
	}))
	r.Get("/healthz", httpserver.HealthCheckHandler(ctx, log, healthchecks...))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	var srvCfg httpserver.Config
	config.MustLoad(&srvCfg)
	srv := httpserver.NewFromConfig(srvCfg,
		httpserver.WithLogger(log),
		httpserver.WithStartHook(func(l *slog.Logger) {
			l.Info("billingd listening", slog.String("addr", srvCfg.Addr))
		}),
	)
	return srv.Run(ctx, r)
}

// newNotifier wires dunning mail through Postmark when a server token is
// configured and falls back to on-disk delivery for local development.
func newNotifier(appCfg appConfig, log *slog.Logger) billing.Notifier {
	var dunningCfg dunning.Config
	config.MustLoad(&dunningCfg)
	var notifierCfg dunning.NotifierConfig
	config.MustLoad(&notifierCfg)

	var sender dunning.Sender
	if dunningCfg.PostmarkServerToken != "" {
		s, err := dunning.NewPostmarkSender(dunningCfg)
		if err != nil {
			panic(err)
		}
		sender = s
	} else {
		log.Warn("no postmark token configured, writing dunning mail to disk",
			slog.String("dir", appCfg.DevMailDir))
		sender = dunning.NewDevSender(appCfg.DevMailDir)
	}
	return dunning.NewNotifier(sender, notifierCfg)
}
