package server

import (
	"context"
	"fmt"
	"os"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/outlivion/outlivion-api/app/controllers"
	"github.com/outlivion/outlivion-api/app/repository"
	"github.com/outlivion/outlivion-api/internal/pkg/awardretry"
	"github.com/outlivion/outlivion-api/internal/pkg/cache"
	"github.com/outlivion/outlivion-api/internal/pkg/config"
	"github.com/outlivion/outlivion-api/internal/pkg/contest"
	"github.com/outlivion/outlivion-api/internal/pkg/database"
	"github.com/outlivion/outlivion-api/internal/pkg/marzban"
	"github.com/outlivion/outlivion-api/internal/pkg/metrics/counter"
	"github.com/outlivion/outlivion-api/internal/pkg/middleware"
	"github.com/outlivion/outlivion-api/internal/pkg/notify"
	"github.com/outlivion/outlivion-api/internal/pkg/payhistory"
	"github.com/outlivion/outlivion-api/internal/pkg/router"
	"github.com/outlivion/outlivion-api/internal/pkg/settlement"
	"github.com/outlivion/outlivion-api/internal/pkg/yookassa"
)

// webhookBodyLimit bounds gateway notifications and order requests.
const webhookBodyLimit = 1 << 20

// Server owns every long-lived resource of the API process.
type Server struct {
	cfg *config.Config
	app *fiber.App

	db        *gorm.DB
	botDB     *gorm.DB
	botShared bool
	redis     *redis.Client

	scheduler  *awardretry.Scheduler
	retryStore *awardretry.BoltStore
}

// New opens the storage handles, wires the domain services and builds the
// fiber app. Resources opened before a failure are released.
func New(cfg *config.Config) (_ *Server, err error) {
	s := &Server{cfg: cfg}
	defer func() {
		if err != nil {
			s.closeResources()
		}
	}()

	s.db, err = database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	s.botDB, s.botShared, err = database.OpenBot(cfg.Database.BotPath, s.db)
	if err != nil {
		return nil, err
	}

	var locker settlement.Locker
	var limiterStorage fiber.Storage
	var outcomes counter.Counter = counter.NewMemoryCounter()
	if cfg.Cache.Enabled() {
		client, pingErr := cache.NewClient(context.Background(), cfg.Cache)
		if pingErr != nil {
			log.Warnf("[Server] Redis unavailable, falling back to in-process locks: %v", pingErr)
			_ = client.Close()
		} else {
			s.redis = client
			locker = cache.NewRedisLocker(client, cfg.Settlement.LockTTL)
			limiterStorage = router.NewLimiterStorage(cfg.Cache)
			outcomes = counter.NewRedisCounter(client, counter.SettlementOutcomesKey)
		}
	}

	repos := repository.NewFactory(s.db).GetRepositories()

	var botOrders *gorm.DB
	if !s.botShared {
		botOrders = s.botDB
	}
	history := payhistory.New(repos.Order, botOrders)
	ledger := contest.NewLedger(contest.NewRepository(s.botDB, !s.botShared), history, repos.Order)

	var store awardretry.Store
	if cfg.AwardRetry.DBPath != "" {
		s.retryStore, err = awardretry.OpenBoltStore(cfg.AwardRetry.DBPath)
		if err != nil {
			return nil, err
		}
		store = s.retryStore
	}
	s.scheduler = awardretry.NewScheduler(ledger, awardretry.Options{
		Interval:    cfg.AwardRetry.Interval,
		MaxAttempts: cfg.AwardRetry.MaxAttempts,
		Reconciler:  ledger,
		Store:       store,
	})

	notifier, err := newNotifier(cfg.Telegram)
	if err != nil {
		return nil, err
	}

	vpn := marzban.NewService(marzban.NewClient(cfg.Marzban), cfg.Marzban)
	pipeline := settlement.NewPipeline(settlement.Deps{
		Orders:      repos.Order,
		Credentials: repos.VPNCredential,
		Events:      repos.PaymentEvent,
		Provisioner: vpn,
		Awarder:     ledger,
		Retry:       s.scheduler,
		Notifier:    notifier,
		Locker:      locker,
	}, settlement.Options{
		IPCheck:             cfg.YooKassa.WebhookIPCheck,
		DefaultDurationDays: cfg.Settlement.DefaultPlanDurationDays,
	})

	s.app = s.newApp(router.Deps{
		Controllers: router.Controllers{
			Orders:   controllers.NewOrderController(repos.Order, yookassa.NewClient(cfg.YooKassa), history, cfg.YooKassa.ReturnURL),
			Webhooks: controllers.NewWebhookController(pipeline, outcomes),
			Tariffs:  controllers.NewTariffController(history),
			Users:    controllers.NewUserController(vpn, repos.VPNCredential, repos.Order, ledger),
			Admin: controllers.NewAdminController(controllers.AdminDeps{
				VPN:         vpn,
				Retry:       s.scheduler,
				Outcomes:    outcomes,
				Orders:      repos.Order,
				Credentials: repos.VPNCredential,
				Contest:     ledger,
			}),
			Health:   controllers.NewHealthController(s.healthChecks()...),
		},
		Auth: middleware.AuthConfig{
			BotToken:    cfg.Telegram.BotToken,
			AdminAPIKey: cfg.App.AdminAPIKey,
			IsAdminID:   cfg.IsAdminTelegramID,
		},
		AllowedOrigins:  cfg.App.AllowedOrigins,
		RateLimitMax:    cfg.App.RateLimitMax,
		RateLimitWindow: cfg.App.RateLimitWindow,
		LimiterStorage:  limiterStorage,
	})
	return s, nil
}

func (s *Server) newApp(deps router.Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:                 "outlivion-api",
		BodyLimit:               webhookBodyLimit,
		ProxyHeader:             s.cfg.App.ProxyHeader,
		EnableTrustedProxyCheck: len(s.cfg.App.TrustedProxies) > 0,
		TrustedProxies:          s.cfg.App.TrustedProxies,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if _, err := os.Stat(s.cfg.App.OpenAPIPath); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: s.cfg.App.OpenAPIPath,
			Path:     "v1",
		}))
	} else {
		log.Warnf("[Server] OpenAPI document %s not found, docs disabled", s.cfg.App.OpenAPIPath)
	}

	// ROUTER
	router.InstallRouter(app, deps)
	return app
}

func (s *Server) healthChecks() []controllers.HealthCheck {
	checks := []controllers.HealthCheck{{
		Name: "database",
		Check: func(ctx context.Context) error {
			sqlDB, err := s.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}}
	if s.redis != nil {
		checks = append(checks, controllers.HealthCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return s.redis.Ping(ctx).Err()
			},
		})
	}
	return checks
}

func newNotifier(cfg config.TelegramConfig) (notify.Notifier, error) {
	if cfg.BotToken == "" {
		log.Warn("[Server] TELEGRAM_BOT_TOKEN is not set, notifications go to the log only")
		return notify.LogNotifier{}, nil
	}
	n, err := notify.NewTelegramNotifier(cfg.BotToken, "", cfg.AdminIDs)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts the retry scheduler and blocks serving HTTP.
func (s *Server) Run() error {
	s.scheduler.Start()
	log.Infof("[Server] Listening on %s", s.cfg.Addr())
	if err := s.app.Listen(s.cfg.Addr()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight ones and releases
// every resource.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.scheduler.Stop()
	s.closeResources()
	return err
}

func (s *Server) closeResources() {
	if s.retryStore != nil {
		if err := s.retryStore.Close(); err != nil {
			log.Warnf("[Server] Closing award retry store: %v", err)
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.botDB != nil && !s.botShared {
		if err := database.Close(s.botDB); err != nil {
			log.Warnf("[Server] Closing bot database: %v", err)
		}
	}
	if err := database.Close(s.db); err != nil {
		log.Warnf("[Server] Closing database: %v", err)
	}
}
