package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs the retention sweep on a cron schedule. The consumer
// group's offset retention must exceed the ledger's retention window or a
// redelivered event could be re-processed without an idempotency guard
// (spec.md §4.1).
type Sweeper struct {
	ledger    Ledger
	retention time.Duration
	cron      *cron.Cron
}

// NewSweeper builds a Sweeper; call Start to begin its schedule.
func NewSweeper(ledger Ledger, retention time.Duration) *Sweeper {
	return &Sweeper{
		ledger:    ledger,
		retention: retention,
		cron:      cron.New(),
	}
}

// Start schedules the sweep at the given cron spec (e.g. "0 3 * * *" for
// daily at 03:00) and begins running it in the background.
func (s *Sweeper) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := s.ledger.Sweep(ctx, s.retention)
		if err != nil {
			slog.Error("idempotency ledger sweep failed", "error", err)
			return
		}
		slog.Info("idempotency ledger sweep complete", "rows_deleted", n, "retention", s.retention)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
