// Package main is the entry point for the modelgrid gateway server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelgrid/modelgrid"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	gw, err := modelgrid.New(
		modelgrid.WithConfigFile(*configPath),
		modelgrid.WithLogger(logger),
	)
	if err != nil {
		logger.Error("gateway startup failed", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	srv := modelgrid.NewServer(gw)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "version", modelgrid.Version)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}
}
