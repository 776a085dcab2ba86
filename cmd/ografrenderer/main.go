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
		log.Fatal().Err(err).Msg("Renderer failed")
	}
}

// run connects a headless renderer to the server and keeps it connected until
// SIGINT/SIGTERM or until reconnecting gives up
func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	rendererApp, err := app.NewRendererApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create renderer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rendererApp.Start(ctx); err != nil {
		return fmt.Errorf("renderer error: %w", err)
	}

	select {
	case <-rendererApp.Done():
		log.Error().Err(rendererApp.Err()).Msg("Connection loop stopped")
	case <-ctx.Done():
		log.Info().Msg("Received signal, shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rendererApp.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// loadConfig reads .env, then the file named by -config or OGRAF_CONFIG_FILE.
// -server and -namespace override the renderer section.
func loadConfig(args []string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	flags := flag.NewFlagSet("ografrenderer", flag.ContinueOnError)
	configPath := flags.String("config", os.Getenv(config.EnvPrefix+"_CONFIG_FILE"), "YAML or JSON config file")
	serverURL := flags.String("server", "", "server URL, e.g. http://localhost:8080")
	namespace := flags.String("namespace", "", "namespace id to join")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfigWithPrecedence(*configPath)
	if err != nil {
		return nil, err
	}
	if *serverURL != "" {
		cfg.Renderer.ServerURL = *serverURL
	}
	if *namespace != "" {
		cfg.Renderer.Namespace = *namespace
	}
	if err := cfg.Renderer.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
