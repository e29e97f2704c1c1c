// Package reconcile runs the periodic settlement audit sweep.
//
// The sweep is report-only. It counts unresolved refund_failed_critical
// events so operators can credit affected users by hand; it never
// mutates balances itself.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avelou/heartline/internal/audit"
	"github.com/avelou/heartline/internal/metrics"
)

// Report is the outcome of one sweep.
type Report struct {
	CriticalRefunds int       `json:"criticalRefunds"`
	RejectedTurns   int       `json:"rejectedTurns"`
	RefundedTurns   int       `json:"refundedTurns"`
	SettledTurns    int       `json:"settledTurns"`
	RanAt           time.Time `json:"ranAt"`
}

// Sweeper tallies audit events into a Report.
type Sweeper struct {
	store  audit.Store
	logger *slog.Logger
}

// NewSweeper creates a sweeper over the given audit store.
func NewSweeper(store audit.Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, logger: logger}
}

// Run performs one sweep and publishes the unresolved critical count.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	r := &Report{RanAt: time.Now()}

	counts := []struct {
		action string
		dst    *int
	}{
		{audit.ActionRefundFailedCritical, &r.CriticalRefunds},
		{audit.ActionAtomicUpdateFailed, &r.RejectedTurns},
		{audit.ActionRefundSuccess, &r.RefundedTurns},
		{audit.ActionChatTurn, &r.SettledTurns},
	}
	for _, c := range counts {
		n, err := s.store.CountByAction(ctx, c.action)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", c.action, err)
		}
		*c.dst = n
	}

	metrics.UnresolvedCriticalRefunds.Set(float64(r.CriticalRefunds))

	if r.CriticalRefunds > 0 {
		s.logger.Error("unresolved critical refunds need manual credit",
			"count", r.CriticalRefunds)
	} else {
		s.logger.Info("reconcile sweep clean",
			"settled", r.SettledTurns,
			"rejected", r.RejectedTurns,
			"refunded", r.RefundedTurns,
		)
	}
	return r, nil
}

// Timer runs the sweep on a fixed interval.
type Timer struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a sweep timer.
func NewTimer(sweeper *Sweeper, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
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

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconcile timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.sweeper.Run(ctx); err != nil {
		t.logger.Warn("reconcile sweep failed", "error", err)
	}
}
