// Command server runs the TaskHive AI admission and usage accounting backend.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/app"
	"github.com/taskhive/taskhive-backend/internal/config"
	"github.com/taskhive/taskhive-backend/internal/logging"
)

func main() {
	var (
		configPath  string
		migrateOnly bool
	)
	flag.StringVar(&configPath, "config", os.Getenv("TASKHIVE_CONFIG"), "path to the YAML config file")
	flag.BoolVar(&migrateOnly, "migrate", false, "run database migrations and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	closeLog, err := logging.Setup(cfg.Log)
	if err != nil {
		log.WithError(err).Fatal("configure logging")
	}
	defer func() { _ = closeLog() }()
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if migrateOnly {
		if errMigrate := app.Migrate(ctx, cfg); errMigrate != nil {
			log.WithError(errMigrate).Error("migrate")
			os.Exit(1)
		}
		log.Info("migrations applied")
		return
	}

	if errRun := app.RunServer(ctx, cfg); errRun != nil {
		log.WithError(errRun).Error("server stopped")
		os.Exit(1)
	}
}
