package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kardianos/service"
)

// program adapts the daemon's context-driven lifecycle to the
// Start()/Stop() shape kardianos/service requires for platform service
// manager integration (systemd, launchd, Windows SCM).
type program struct {
	configPath string

	cancel context.CancelFunc
	done   chan struct{}
}

var _ service.Interface = (*program)(nil)

// Start implements service.Interface. It must return quickly, so the
// daemon's actual run loop is started on its own goroutine.
func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	logger := slog.Default()

	go func() {
		defer close(p.done)
		if err := run(ctx, logger, p.configPath); err != nil {
			logger.Error("daemon exited with error", "err", err)
		}
	}()

	return nil
}

// Stop implements service.Interface, cancelling the run loop and waiting
// briefly for an orderly shutdown before returning control to the service
// manager regardless.
func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		select {
		case <-p.done:
		case <-time.After(shutdownGrace):
		}
	}
	return nil
}

const shutdownGrace = 5 * time.Second
