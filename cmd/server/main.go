package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Tyrowin/presence-relay/internal/server"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := newLogger(cfg.LogLevel, stdout)
	slog.SetDefault(logger)

	logger.Info("starting presence relay",
		"port", cfg.Port,
		"max_payload_length", cfg.MaxPayloadLength,
		"max_backpressure", cfg.MaxBackpressure,
		"idle_timeout", cfg.IdleTimeout,
		"relay", cfg.Relay,
	)

	srv := server.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; err != nil {
		return err
	}

	if err := srv.Wait(cfg.ShutdownGrace); err != nil {
		logger.Warn("exiting with connections still open", "error", err)
	}
	return nil
}

// loadConfig applies defaults, then the optional YAML file, then the
// environment, then flags.
func loadConfig(args []string) (server.Config, error) {
	var (
		configPath string
		port       int
		logLevel   string
	)

	flagSet := pflag.NewFlagSet("presence-relay", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flagSet.IntVarP(&port, "port", "p", 0, "listen port (overrides PORT)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	if err := flagSet.Parse(args); err != nil {
		return server.Config{}, err
	}

	cfg := server.DefaultConfig()
	if configPath != "" {
		loaded, err := server.LoadConfig(configPath)
		if err != nil {
			return server.Config{}, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(); err != nil {
		return server.Config{}, err
	}

	if flagSet.Changed("port") {
		cfg.Port = port
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return server.Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func newLogger(level string, w io.Writer) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
