// Package main runs the rundown server: the sqlite store behind the HTTP
// API and the websocket push hub sessions subscribe to.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/rundown/internal/api"
	"github.com/kimhsiao/rundown/internal/channel/ws"
	"github.com/kimhsiao/rundown/internal/config"
	"github.com/kimhsiao/rundown/internal/db"
	"github.com/kimhsiao/rundown/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

// app is everything the server owns.
type app struct {
	cfg    *config.Config
	db     *db.DB
	hub    *ws.Hub
	server *api.Server
	logger *logging.Logger
}

func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return nil, err
	}

	hub := ws.NewHub(cfg.AllowedOrigins, logger)
	server := api.NewServer(api.Options{
		Store:  db.NewStore(database, nil),
		Push:   hub,
		Sync:   cfg.Sync,
		Logger: logger,
		Debug:  cfg.DebugMode,
	})
	return &app{cfg: cfg, db: database, hub: hub, server: server, logger: logger}, nil
}

func (a *app) Close() error {
	a.hub.Close()
	return a.db.Close()
}

// serve runs the HTTP server until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Rundown server listening", map[string]interface{}{
			"addr":    a.cfg.HTTPAddr,
			"version": Version,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("Failed to load config", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logger := logging.Get()

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("Failed to start", err, map[string]interface{}{"data_dir": cfg.DataDir})
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.serve(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error("Server stopped", err)
		os.Exit(1)
	}
	logger.Info("Rundown server stopped")
}
