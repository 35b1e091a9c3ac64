package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/tonimelisma/mail-sub002/internal/adapter"
	"github.com/tonimelisma/mail-sub002/internal/config"
	"github.com/tonimelisma/mail-sub002/internal/engine"
	"github.com/tonimelisma/mail-sub002/internal/health"
	"github.com/tonimelisma/mail-sub002/internal/store"
	"github.com/tonimelisma/mail-sub002/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailsyncd version %s\n", version)
		os.Exit(0)
	}

	// Optional .env for local development
	_ = godotenv.Load()

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mail sync engine")

	// Open durable state
	db, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open sync database")
	}
	defer db.Close()

	st := store.NewStore(db, logger)

	// Seed configured accounts and collect credentials
	secrets := make(map[string]string)
	for i := range cfg.Accounts {
		acc := &types.Account{
			Name:     cfg.Accounts[i].Name,
			Provider: types.ProviderIMAP,
			AuthOK:   true,
		}
		if err := st.UpsertAccount(acc); err != nil {
			logger.WithError(err).WithField("account", acc.Name).Fatal("Failed to store account")
		}
		secrets[acc.ID] = cfg.Accounts[i].IMAPPassword
	}

	creds := adapter.NewStaticCredentials(secrets)
	api := adapter.NewIMAPAdapter(cfg, creds, logger)
	defer api.Close()

	tracker := health.NewTracker(logger)
	eng := engine.New(cfg, st, api, tracker, logger)

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- eng.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			logger.WithError(err).Error("Engine error")
		}
		cancel()
	}

	logger.Info("Shutting down mail sync engine")
}
