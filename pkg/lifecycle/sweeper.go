package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omninode-ai/omniintelligence/pkg/database"
	"github.com/omninode-ai/omniintelligence/pkg/models"
	"github.com/omninode-ai/omniintelligence/pkg/patternstore"
)

// Sweeper runs the autonomous promotion/demotion evaluation on a cron
// schedule: it discovers eligible patterns from the rolling window itself
// (spec.md §4.4's "Lifecycle Controller... evaluates eligibility from the
// rolling window") instead of waiting on an externally triggered
// evaluate_promotion/evaluate_demotion command, mirroring
// pkg/idempotency.Sweeper's schedule.
type Sweeper struct {
	store      patternstore.Store
	db         *database.Client
	controller *Controller
	cron       *cron.Cron
}

// NewSweeper builds a Sweeper; call Start to begin its schedule.
func NewSweeper(store patternstore.Store, db *database.Client, controller *Controller) *Sweeper {
	return &Sweeper{store: store, db: db, controller: controller, cron: cron.New()}
}

// Start schedules the sweep at the given cron spec (e.g. "*/15 * * * *" for
// every 15 minutes) and begins running it in the background.
func (s *Sweeper) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.runOnce)
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

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	promoted, err := s.sweep(ctx, s.store.ListEligibleForPromotion, s.controller.EvaluatePromotion)
	if err != nil {
		slog.Error("lifecycle promotion sweep failed", "error", err)
	} else {
		slog.Info("lifecycle promotion sweep complete", "candidates", promoted)
	}

	demoted, err := s.sweep(ctx, s.store.ListEligibleForDemotion, s.controller.EvaluateDemotion)
	if err != nil {
		slog.Error("lifecycle demotion sweep failed", "error", err)
	} else {
		slog.Info("lifecycle demotion sweep complete", "candidates", demoted)
	}
}

func (s *Sweeper) sweep(ctx context.Context, list func(context.Context, database.Tx) ([]models.Pattern, error), evaluate func(context.Context, string) error) (int, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin lifecycle sweep transaction: %w", err)
	}
	patterns, err := list(ctx, tx)
	_ = tx.Rollback()
	if err != nil {
		return 0, fmt.Errorf("list sweep candidates: %w", err)
	}

	for _, p := range patterns {
		if err := evaluate(ctx, p.PatternID); err != nil {
			slog.Warn("lifecycle sweep evaluation failed", "pattern_id", p.PatternID, "error", err)
		}
	}
	return len(patterns), nil
}
