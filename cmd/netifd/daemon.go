package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nicksinger/wicked/internal/config"
	"github.com/nicksinger/wicked/internal/daemon"
	"github.com/nicksinger/wicked/internal/event"
	"github.com/nicksinger/wicked/internal/inventory"
	"github.com/nicksinger/wicked/internal/kernel"
	"github.com/nicksinger/wicked/internal/leasestore"
	"github.com/nicksinger/wicked/internal/policy"
	"github.com/nicksinger/wicked/internal/reconciler"
	"github.com/nicksinger/wicked/internal/recovery"
	"github.com/nicksinger/wicked/internal/rpc"
	"github.com/nicksinger/wicked/internal/secretgw"
	"github.com/nicksinger/wicked/internal/statedb"
)

// eventQueueCapacity bounds the unified event stream. It is generous
// relative to the handful of devices a host typically carries: the queue
// only needs to absorb a burst between reconciler ticks, not buffer
// indefinitely.
const eventQueueCapacity = 256

// promptSweepInterval is how often expired, unanswered secret prompts are
// dropped and their devices rechecked.
const promptSweepInterval = time.Minute

// run assembles every daemon component from the configuration at
// configPath and blocks until ctx is cancelled, at which point it shuts
// each component down. It mirrors, at daemon scale, the same
// assemble-then-run shape internal/next/cmd.Main uses to wire a config
// manager, web service, and DNS service together.
func run(ctx context.Context, baseLogger *slog.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("netifd: loading config %s: %w", configPath, err)
	}

	logger := configureLogging(baseLogger, cfg)
	logger.InfoContext(ctx, "loaded configuration", "root_dir", cfg.RootDir, "listen_address", cfg.ListenAddress)

	if err := os.MkdirAll(cfg.RootDir, 0o750); err != nil {
		return fmt.Errorf("netifd: creating root dir %s: %w", cfg.RootDir, err)
	}

	queue := event.NewQueue(eventQueueCapacity)

	leases, err := leasestore.New(filepath.Join(cfg.RootDir, "leases"))
	if err != nil {
		return fmt.Errorf("netifd: opening lease store: %w", err)
	}

	state, err := statedb.Open(filepath.Join(cfg.RootDir, "state.db"))
	if err != nil {
		return fmt.Errorf("netifd: opening state database: %w", err)
	}
	defer func() {
		if err := state.Close(); err != nil {
			logger.WarnContext(ctx, "closing state database", slogutil.KeyError, err)
		}
	}()

	policies := policy.New()
	policyDir := filepath.Join(cfg.RootDir, "policies")
	if err := config.LoadPolicies(policyDir, policies); err != nil {
		return fmt.Errorf("netifd: loading persisted policies: %w", err)
	}

	watcher, err := config.WatchPolicies(logger.With(slogutil.KeyPrefix, "policywatch"), policyDir, queue)
	if err != nil {
		return fmt.Errorf("netifd: watching policy directory: %w", err)
	}
	defer watcher.Close()

	inv := inventory.New()
	if err := daemon.Discover(inv); err != nil {
		return fmt.Errorf("netifd: discovering network interfaces: %w", err)
	}

	adapter := kernel.New()

	secrets := secretgw.New(queue)

	drv := &daemon.Driver{
		Logger:   logger.With(slogutil.KeyPrefix, "daemon"),
		Kernel:   adapter,
		Policies: policies,
		Leases:   leases,
		Secrets:  secrets,
		Queue:    queue,
	}

	rec := reconciler.New(logger.With(slogutil.KeyPrefix, "reconciler"), queue, inv, policies, drv)
	rec.SetLeaseStore(leases)
	rec.SetStateStore(state)
	rec.Bootstrap()

	registry := daemon.Registry{Kernel: adapter}
	recoveryLogger := logger.With(slogutil.KeyPrefix, "recovery")
	rec2 := recovery.New(recoveryLogger, leases, registry, queue)
	rec2.Run(ctx, deviceIndexByName(inv))

	watcherAdapter := kernel.NewWatcher(queue, deviceIndexByName(inv))

	// runCtx is cancelled either by the caller or by the kernel watcher
	// exiting unexpectedly, so that every component shuts down together
	// regardless of which one triggered it.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	watcherErrCh := make(chan error, 1)
	go func() {
		watcherErrCh <- watcherAdapter.Run(runCtx)
	}()

	rpcSvc := rpc.New(logger.With(slogutil.KeyPrefix, "rpc"), rec, queue, cfg.ListenAddress, secrets)
	if err := rpcSvc.Start(runCtx); err != nil {
		return fmt.Errorf("netifd: starting rpc server: %w", err)
	}

	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		rec.Run(runCtx)
	}()

	go sweepExpiredPrompts(runCtx, logger.With(slogutil.KeyPrefix, "secretgw"), secrets, rec)

	select {
	case <-ctx.Done():
	case err := <-watcherErrCh:
		if err != nil {
			logger.ErrorContext(ctx, "kernel watcher exited", slogutil.KeyError, err)
		}
	}
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rpcSvc.Shutdown(shutdownCtx); err != nil {
		logger.WarnContext(ctx, "shutting down rpc server", slogutil.KeyError, err)
	}

	<-reconcilerDone

	return nil
}

// deviceIndexByName resolves a device name to its kernel ifindex — the same
// identity value the reconciler, recovery, and event packages key every
// per-device record by — against the live inventory snapshot.
func deviceIndexByName(inv *inventory.Inventory) func(name string) (int, bool) {
	return func(name string) (int, bool) {
		d, _, ok := inv.LookupByName(name)
		if !ok {
			return 0, false
		}
		return d.Index, true
	}
}

// sweepExpiredPrompts periodically drops unanswered secret prompts older
// than the gateway's pending TTL and rechecks the devices that had been
// parked waiting on them. A rechecked device whose secret is still not
// cached gets a fresh prompt with a new token and parks again.
func sweepExpiredPrompts(ctx context.Context, logger *slog.Logger, secrets *secretgw.Gateway, rec *reconciler.Reconciler) {
	ticker := time.NewTicker(promptSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired := secrets.SweepExpired(now)
			for _, deviceIndex := range expired {
				rec.Recheck(deviceIndex)
			}
			if len(expired) > 0 {
				logger.DebugContext(ctx, "swept expired secret prompts", "count", len(expired))
			}
		}
	}
}

// configureLogging builds the daemon's structured logger from the loaded
// configuration: when LogFile is set, output is rotated through lumberjack
// at level LogLevel; otherwise the base logger (normally stderr) is kept
// as-is and LogLevel is not applied.
func configureLogging(baseLogger *slog.Logger, cfg config.Config) *slog.Logger {
	if cfg.LogFile == "" {
		return baseLogger
	}

	var w io.Writer = &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.LogLevel})
	return slog.New(handler)
}
