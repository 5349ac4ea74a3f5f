package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baptistecolle/cmdclaw-sub005/internal/logging"
	"github.com/baptistecolle/cmdclaw-sub005/internal/queue"
	"github.com/baptistecolle/cmdclaw-sub005/internal/scheduler"
	httpserver "github.com/baptistecolle/cmdclaw-sub005/internal/transport/http"
	"github.com/baptistecolle/cmdclaw-sub005/internal/transport/rpc"
	"github.com/baptistecolle/cmdclaw-sub005/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane servers and background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg, log := a.cfg, a.log
	log.Info("starting control plane",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("internal_port", cfg.InternalPort),
		zap.String("rpc_addr", cfg.RPCAddr),
		zap.String("sandbox_provider", cfg.SandboxProvider),
		zap.String("kv_backend", cfg.KVBackend),
	)
	if cfg.CallbackSecret == "" {
		log.Warn("CMDCLAW_CALLBACK_SECRET is empty; gate callbacks will be rejected")
	}

	jobs := queue.New(a.kv, queue.Options{
		Workers:     cfg.QueueWorkers,
		MaxAttempts: cfg.QueueMaxAttempts,
		BaseBackoff: cfg.QueueBaseBackoff,
		DedupeTTL:   cfg.QueueDedupeTTL,
	}, log)
	sched := scheduler.New(jobs, a.svc.TriggerScheduled, log)
	hub := ws.NewHub(logging.Component(log, "ws-hub"))

	a.svc.SetQueue(jobs)
	a.svc.SetScheduler(sched)
	a.svc.SetBroadcaster(hub)

	workflows, err := a.svc.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}
	sched.Load(workflows)

	var daemons ws.DaemonServer
	if a.daemons != nil {
		daemons = a.daemons
	}
	feed := ws.NewServer(hub, a.svc, daemons, ws.Options{
		ReadTimeout:    cfg.WSReadTimeout,
		WriteTimeout:   cfg.WSWriteTimeout,
		PingInterval:   cfg.WSPingInterval,
		MaxMessageSize: cfg.WSMaxMessageSize,
		DaemonToken:    cfg.DaemonToken,
	}, logging.Component(log, "ws"))

	external := httpserver.NewExternalServer(a.svc, feed, logging.Component(log, "http"))
	internal := httpserver.NewInternalServer(a.broker, cfg.CallbackSecret, logging.Component(log, "internal-http"))

	var admin *rpc.Server
	if cfg.RPCAddr != "" {
		admin, err = rpc.NewServer(a.svc, log)
		if err != nil {
			return err
		}
		if err := admin.Listen(cfg.RPCAddr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.RPCAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	jobs.Start(gctx)
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { sched.Run(gctx); return nil })
	g.Go(func() error { a.svc.RunReconciler(gctx, cfg.ReconcileInterval); return nil })
	g.Go(func() error { a.broker.RunStateSweeper(gctx, time.Minute); return nil })

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := external.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("external server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internal.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("internal server: %w", err)
		}
		return nil
	})
	if admin != nil {
		g.Go(admin.Serve)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down control plane")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := external.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to shutdown external server gracefully", zap.Error(err))
		}
		if err := internal.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to shutdown internal server gracefully", zap.Error(err))
		}
		if admin != nil {
			if err := admin.Shutdown(shutdownCtx); err != nil {
				log.Warn("failed to shutdown rpc server gracefully", zap.Error(err))
			}
		}
		jobs.Close()
		if err := a.svc.Shutdown(shutdownCtx); err != nil {
			log.Warn("generation runners still active at shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("control plane stopped")
	return err
}
