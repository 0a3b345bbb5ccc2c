// Package app wires the AI admission and usage accounting server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/admission"
	"github.com/taskhive/taskhive-backend/internal/analytics"
	"github.com/taskhive/taskhive-backend/internal/audit"
	"github.com/taskhive/taskhive-backend/internal/config"
	"github.com/taskhive/taskhive-backend/internal/db"
	relayhttp "github.com/taskhive/taskhive-backend/internal/http"
	"github.com/taskhive/taskhive-backend/internal/http/api/admin"
	adminhandlers "github.com/taskhive/taskhive-backend/internal/http/api/admin/handlers"
	"github.com/taskhive/taskhive-backend/internal/http/api/front"
	fronthandlers "github.com/taskhive/taskhive-backend/internal/http/api/front/handlers"
	"github.com/taskhive/taskhive-backend/internal/identity"
	"github.com/taskhive/taskhive-backend/internal/policy"
	"github.com/taskhive/taskhive-backend/internal/settings"
	"github.com/taskhive/taskhive-backend/internal/usage"
	"gorm.io/gorm"
)

const redisPingTimeout = 3 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.Config) error {
	conn, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer closeDatabase(conn)
	return db.Migrate(conn.WithContext(ctx))
}

// RunServer boots the server and blocks until ctx is cancelled or the
// listener fails. Queued usage events are flushed before it returns.
func RunServer(ctx context.Context, cfg config.Config) error {
	conn, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer closeDatabase(conn)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	redisClient, errRedis := openRedis(ctx, cfg.Redis)
	if errRedis != nil {
		return errRedis
	}
	var redisCmd redis.Cmdable
	if redisClient != nil {
		redisCmd = redisClient
		defer func() {
			if errClose := redisClient.Close(); errClose != nil {
				log.WithError(errClose).Warn("close redis")
			}
		}()
	}

	components, errBuild := buildComponents(cfg, conn, redisCmd, quartz.NewReal())
	if errBuild != nil {
		return errBuild
	}
	defer components.recorder.Close()

	retentionCtx, stopRetention := context.WithCancel(ctx)
	retentionDone := usage.NewRetentionCleaner(conn, cfg.Usage.RetentionDays, components.clock).Start(retentionCtx)
	defer func() {
		stopRetention()
		<-retentionDone
	}()

	engine, errRouter := components.router(cfg)
	if errRouter != nil {
		return errRouter
	}
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	log.Infof("taskhive ai backend listening on %s (admission mode=%s)", server.Addr, cfg.Admission.Mode)

	select {
	case errServe := <-serveErr:
		if errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", errServe)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	log.Info("shutting down")
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("app: shutdown: %w", errShutdown)
	}
	return nil
}

// components holds the wired services behind the HTTP routes.
type components struct {
	conn       *gorm.DB
	redis      redis.Cmdable
	clock      quartz.Clock
	ledger     *usage.GormLedger
	settings   *settings.CachedProvider
	access     *policy.AccessStore
	resolver   *policy.Resolver
	gate       *admission.Gate
	recorder   *usage.Recorder
	aggregator *analytics.Aggregator
	audit      audit.Recorder
}

func buildComponents(cfg config.Config, conn *gorm.DB, redisClient redis.Cmdable, clock quartz.Clock) (*components, error) {
	c := &components{conn: conn, redis: redisClient, clock: clock}

	c.ledger = usage.NewGormLedger(conn,
		usage.WithDirectory(identity.NewGormDirectory(conn)),
		usage.WithLedgerClock(clock),
		usage.WithOperationTimeout(cfg.Usage.WriteTimeout),
	)
	c.settings = settings.NewCachedProvider(settings.NewStore(conn),
		settings.WithClock(clock),
		settings.WithTTL(cfg.Settings.CacheTTL),
	)
	c.audit = audit.Multi{audit.NewGormSink(conn), audit.LogSink{}}
	c.access = policy.NewAccessStore(conn, c.audit)
	c.resolver = policy.NewResolver(c.settings, c.access)

	var counter admission.Counter
	switch cfg.Admission.Mode {
	case config.AdmissionModeRedis:
		if redisClient == nil {
			return nil, errors.New("app: redis admission mode without a redis client")
		}
		counter = admission.NewRedisCounter(redisClient, cfg.Redis.KeyPrefix)
	default:
		counter = admission.NewLedgerCounter(c.ledger)
	}
	c.gate = admission.NewGate(c.resolver, counter, c.ledger,
		admission.WithClock(clock),
		admission.WithTimeout(cfg.Admission.Timeout),
	)

	c.recorder = usage.NewRecorder(c.ledger, usage.RecorderConfig{
		Workers:      cfg.Usage.Workers,
		QueueSize:    cfg.Usage.QueueSize,
		WriteTimeout: cfg.Usage.WriteTimeout,
	})
	c.aggregator = analytics.NewAggregator(c.ledger, c.settings, analytics.WithClock(clock))
	return c, nil
}

func (c *components) router(cfg config.Config) (*gin.Engine, error) {
	engine := gin.New()
	engine.Use(gin.Recovery(), relayhttp.RequestLogMiddleware())
	if errProxies := engine.SetTrustedProxies(cfg.Server.TrustedProxies); errProxies != nil {
		return nil, fmt.Errorf("app: trusted proxies: %w", errProxies)
	}

	aiHandler, errHandler := fronthandlers.NewAIHandler(cfg.AI.UpstreamURL, cfg.AI.UpstreamTimeout, c.settings, c.gate)
	if errHandler != nil {
		return nil, errHandler
	}
	front.RegisterFrontRoutes(engine, cfg.JWT, c.gate, c.recorder, aiHandler,
		fronthandlers.NewUsageHandler(c.ledger, c.resolver, c.clock))

	admin.RegisterAdminRoutes(engine, cfg.JWT,
		adminhandlers.NewSettingsHandler(c.settings, c.audit),
		adminhandlers.NewUsageHandler(c.aggregator, c.ledger, c.access),
		adminhandlers.NewAccessHandler(c.access),
	)
	admin.RegisterHealthRoutes(engine, adminhandlers.NewHealthHandler(c.conn, c.redis, c.settings))

	engine.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return engine, nil
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	return db.OpenWithPool(cfg.DSN, db.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
}

func closeDatabase(conn *gorm.DB) {
	sqlDB, err := conn.DB()
	if err != nil {
		return
	}
	if errClose := sqlDB.Close(); errClose != nil {
		log.WithError(errClose).Warn("close database")
	}
}

// openRedis connects when a URL is configured. An unreachable server is
// logged, not fatal; the strict counter then denies until it recovers.
func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	opts, errParse := redis.ParseURL(cfg.URL)
	if errParse != nil {
		return nil, fmt.Errorf("app: parse redis url: %w", errParse)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		log.WithError(errPing).Warn("redis unreachable at startup")
	}
	return client, nil
}
