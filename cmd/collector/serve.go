package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"
	"go.uber.org/zap"

	"worldrates/internal/config"
	"worldrates/internal/httpapi"
	"worldrates/internal/ingest"
	"worldrates/internal/queue"
)

const shutdownTimeout = 15 * time.Second

type serveCmd struct {
	configPath string
	addr       string
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "serve the read API and run scheduled ingestion" }
func (*serveCmd) Usage() string {
	return `collector serve [-config <path>] [-addr <host:port>]

  Starts the HTTP read API, registers the exchange and full-cycle schedules
  and, when the store lacks data, starts an initial cycle in the background.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", config.DefaultPath, "path to the YAML config")
	f.StringVar(&c.addr, "addr", "", "listen address (overrides http.addr)")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "collector serve failed:", err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	if err := serve(ctx, a, c.addr); err != nil {
		a.log.Error("serve failed", zap.Error(err))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func serve(ctx context.Context, a *app, addr string) error {
	if addr == "" {
		addr = a.cfg.HTTP.Addr
	}

	scheduler := ingest.NewCronScheduler()
	err := ingest.Schedule(ctx, scheduler, a.runner, ingest.Schedules{
		Exchange: a.cfg.Ingest.ExchangeSchedule,
		Full:     a.cfg.Ingest.FullSchedule,
	}, a.log.Named("scheduler"))
	if err != nil {
		return err
	}
	scheduler.Start()

	var initial <-chan struct{}
	if a.cfg.Ingest.StartupCheck {
		initial = a.runner.EnsureData(ctx, a.store)
	}

	api := httpapi.New(httpapi.Config{
		ClientRatePerSec: a.cfg.HTTP.ClientRatePerSec,
		ClientBurst:      a.cfg.HTTP.ClientBurst,
	}, a.store, a.projector, a.runner, queue.New("api", a.cfg.Queue.MaxConcurrent), a.sources, a.log.Named("http"))

	server := &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info("http server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			<-scheduler.Stop().Done()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := api.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("api ingestion still running at shutdown", zap.Error(err))
	}

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		a.log.Warn("scheduled jobs still running at shutdown")
	}
	if initial != nil {
		select {
		case <-initial:
		case <-shutdownCtx.Done():
			a.log.Warn("initial ingestion still running at shutdown")
		}
	}
	return nil
}
