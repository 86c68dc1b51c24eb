package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Timer periodically rejects negotiations past their deadline.
type Timer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new negotiation expiry timer.
func NewTimer(engine *Engine, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in negotiation timer", "panic", fmt.Sprint(r))
		}
	}()
	n, err := t.engine.ExpireOverdue(ctx, t.engine.now())
	if err != nil {
		t.logger.Warn("negotiation expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("rejected expired negotiations", "count", n)
	}
}
