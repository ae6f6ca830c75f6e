package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/privchat/internal/logger"
	"github.com/Tyrowin/privchat/internal/mailbox"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

var (
	envFile string
	addr    string
)

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVarP(&envFile, "env-file", "e", ".env", "Optional dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "", "Address to listen on, overriding the environment")
}

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of privchat-mailbox",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("privchat-mailbox version %s\n", version)
		},
	}

	rootCmd = &cobra.Command{
		Use:          "privchat-mailbox",
		Short:        "Durable offline message store",
		Long:         `privchat-mailbox keeps messages for offline chat users on disk and hands them back, oldest first, when asked to drain.`,
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run()
		},
	}
)

func run() error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	logCfg, err := logger.LoadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := mailbox.LoadConfig()
	if err != nil {
		log.Error("Invalid configuration", zap.Error(err))
		return err
	}

	store, err := mailbox.OpenBadgerStore(cfg.DataDir, cfg.DedupTTL, log.Named("badger"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Error closing store", zap.Error(err))
		}
	}()

	if addr != "" {
		cfg.ListenAddr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mailbox.NewServer(cfg, store, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, shutting down gracefully")
	case err := <-errCh:
		if !errors.Is(err, mailbox.ErrServerClosed) {
			log.Error("Mailbox server error", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Shutdown did not complete cleanly", zap.Error(err))
		return err
	}
	log.Info("Mailbox stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
