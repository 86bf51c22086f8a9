package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PixelProbe/server/pkg/pixelprobe"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("PIXELPROBE_CONFIG"), "path to YAML configuration file")
	flag.Parse()

	cfg, err := pixelprobe.LoadConfig(configPath)
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	app, err := pixelprobe.NewApp(cfg)
	if err != nil {
		os.Stderr.WriteString("init app: " + err.Error() + "\n")
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
		Handler:      app.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info().
			Str("address", cfg.Server.Address).
			Str("storage", cfg.Storage.Backend).
			Str("archive", cfg.Archive.Backend).
			Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		app.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error().Err(err).Msg("http shutdown")
	}
	if err := app.Close(); err != nil {
		app.Logger.Error().Err(err).Msg("resource shutdown")
	}
}
