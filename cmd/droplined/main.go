package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dropline/server/internal/config"
	"github.com/dropline/server/internal/logger"
	"github.com/dropline/server/pkg/dropline"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (environment variables override it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "droplined: load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "droplined",
		Environment: cfg.Logging.Environment,
	})

	app, err := dropline.NewApp(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("droplined.boot_failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("droplined.run_failed")
	}
	log.Info().Msg("droplined.stopped")
}
