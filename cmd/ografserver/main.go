package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"ografserver/internal/app"
	"ografserver/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("OGraf server failed")
	}
}

// run loads configuration, starts the server and blocks until SIGINT/SIGTERM
func run(args []string) error {
	// STEP 1: Load configuration with precedence (defaults < file < env)
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	// STEP 2: Create application with configuration
	server, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// STEP 4: Start serving
	if err := server.Start(ctx); err != nil {
		_ = server.Stop(context.Background())
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 5: Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("Received signal, shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// loadConfig reads .env, then the file named by -config or OGRAF_CONFIG_FILE
func loadConfig(args []string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	flags := flag.NewFlagSet("ografserver", flag.ContinueOnError)
	configPath := flags.String("config", os.Getenv(config.EnvPrefix+"_CONFIG_FILE"), "YAML or JSON config file")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	return config.LoadConfigWithPrecedence(*configPath)
}
