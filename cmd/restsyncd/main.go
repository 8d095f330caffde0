// Command restsyncd is the standalone replay daemon. It binds to the
// same queue database the in-process mediator writes, drains it
// whenever the network is reachable, and serves a small admin API with
// a websocket event stream for inspection.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/restsync/restsync/internal/events"
	"github.com/restsync/restsync/internal/logging"
	"github.com/restsync/restsync/internal/netmon"
	"github.com/restsync/restsync/internal/queue"
	"github.com/restsync/restsync/internal/scheduler"
	"github.com/restsync/restsync/internal/store"
	enginepkg "github.com/restsync/restsync/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "directory containing restsyncd.yaml")
	flag.Parse()

	cfg, err := LoadSettings(*configPath)
	if err != nil {
		logging.Error("invalid configuration", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logging.Error("daemon failed", err)
		os.Exit(1)
	}
}

func run(cfg *Settings) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DataDir, cfg.DBName)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus()
	monitor := netmon.NewMonitor(netmon.Options{
		ProbeURL: cfg.ProbeURL,
		Interval: cfg.ProbeInterval,
	})

	mgr, err := queue.NewManager(ctx, st, bus)
	if err != nil {
		return err
	}

	engine := enginepkg.NewEngine(mgr, monitor, bus, enginepkg.Config{
		MaxRetries: cfg.MaxRetries,
		Client:     &http.Client{Timeout: cfg.RequestTimeout},
	})
	defer engine.Close()

	sched := scheduler.NewScheduler(engine, monitor, scheduler.Config{Interval: cfg.DrainInterval})

	monitor.Start(ctx)
	defer monitor.Stop()
	monitor.CheckNow(ctx)

	sched.Start(ctx)
	defer sched.Stop()
	sched.Register(scheduler.DefaultTag)

	hub := NewWSHub()
	hub.AttachBus(bus)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: newRouter(mgr, engine, monitor, hub),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("admin server listening", map[string]any{"addr": cfg.Listen})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logging.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
