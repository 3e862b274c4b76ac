package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackboxhq/blackbox/internal/config"
	"github.com/blackboxhq/blackbox/internal/db"
	"github.com/blackboxhq/blackbox/internal/logging"
	"github.com/blackboxhq/blackbox/internal/middleware"
	"github.com/blackboxhq/blackbox/internal/router"
	"github.com/blackboxhq/blackbox/internal/service"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, nil)

	switch cmd {
	case "serve":
		serve(cfg, log)
	case "prune":
		prune(cfg, log, args)
	default:
		fmt.Fprintf(os.Stderr, "usage: blackbox [serve|prune] [flags]\n")
		os.Exit(2)
	}
}

func serve(cfg *config.Config, log zerolog.Logger) {
	database, err := db.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	defer database.Close()

	if err := db.Migrate(database, cfg.DBDriver); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	log.Info().Msg("database migrations applied")

	alloc, err := service.NewAllocator(cfg, database)
	if err != nil {
		log.Fatal().Err(err).Msg("id allocator")
	}

	var fallback *service.FallbackWriter
	if cfg.FallbackLogEnabled {
		fallback, err = service.NewFallbackWriter(cfg.FallbackLogPath)
		if err != nil {
			log.Fatal().Err(err).Msg("fallback log")
		}
		defer fallback.Close()
	}

	engine := service.NewEngine(database, cfg, alloc, fallback, log)
	captureSvc := service.NewCaptureService(cfg, engine, log)

	// User resolution strategy: embedding applications replace this at
	// wiring time. The standalone server reads the header set by its edge.
	resolveUser := middleware.UserResolver(func(r *http.Request) string {
		return r.Header.Get("X-User-ID")
	})

	h := router.New(cfg, database, captureSvc, resolveUser, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Str("driver", cfg.DBDriver).Msg("blackbox listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-done
	log.Info().Msg("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("stopped")
}

func prune(cfg *config.Config, log zerolog.Logger, args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	olderThan := fs.Int("older-than", cfg.RetentionDays, "delete incidents older than this many days")
	dryRun := fs.Bool("dry-run", false, "report what would be deleted without deleting")
	_ = fs.Parse(args)

	database, err := db.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	defer database.Close()

	if err := db.Migrate(database, cfg.DBDriver); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	var archiver service.Archiver
	if cfg.ArchiveEnabled {
		s3, err := service.NewS3Archiver(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("archiver")
		}
		archiver = s3
	}

	pruner := service.NewPruner(database, cfg.DBDriver, archiver, log)
	count, err := pruner.Prune(context.Background(), *olderThan, *dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("prune")
	}

	if *dryRun {
		fmt.Printf("[dry run] would delete %d incidents older than %d days\n", count, *olderThan)
		return
	}
	fmt.Printf("deleted %d incidents older than %d days\n", count, *olderThan)
}
