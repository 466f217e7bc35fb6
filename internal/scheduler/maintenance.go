// Package scheduler implements the billing maintenance sweeps that run
// outside the request path: cap enforcement, the reset safety net, scheduled
// downgrades, and expiration of lapsed cancellations.
//
// Every unit of work is independently idempotent. The underlying repository
// operations are conditional UPDATEs, so overlapping sweep runs and reruns
// after partial failures degrade to no-ops rather than double-applying.
// All entry points accept a `now` parameter for deterministic testing and
// manual backfill.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"coinbank/internal/config"
	"coinbank/internal/types"
)

// planSweepLimit caps concurrent per-plan cap sweeps.
const planSweepLimit = 4

// MaintenanceDB is the repository surface the sweeps scan. Implemented by
// db.BalanceRepo and db.SubscriptionRepo together.
type MaintenanceDB interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ListOverCapOnPlan(ctx context.Context, plan types.PlanKey, cap int, now time.Time, limit int) ([]string, error)
	ListOverCapUnsubscribed(ctx context.Context, cap int, now time.Time, limit int) ([]string, error)
	ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]*types.Subscription, error)
	ApplyDowngrade(ctx context.Context, subID string, plan types.PlanKey, periodStart, periodEnd, now time.Time) (bool, error)
	ListExpiredCanceled(ctx context.Context, now time.Time, limit int) ([]*types.Subscription, error)
	Expire(ctx context.Context, subID string, now time.Time) (bool, error)
}

// CoinEconomy is the slice of the economy engine the sweeps drive.
type CoinEconomy interface {
	GetBalance(ctx context.Context, userID string) (*types.Balance, error)
	ClampToCap(ctx context.Context, userID string) (*types.Balance, error)
}

// PlanSource lists the plans whose caps get enforced.
type PlanSource interface {
	Get(key types.PlanKey) (types.Plan, bool)
	All() []types.Plan
}

// EventPublisher delivers fire-and-forget billing notifications.
type EventPublisher interface {
	Publish(ctx context.Context, event types.BillingEvent) error
}

// MetricsRecorder emits sweep counters and durations.
type MetricsRecorder interface {
	Count(ctx context.Context, name string, value float64, dims map[string]string)
	Duration(ctx context.Context, name string, d time.Duration, dims map[string]string)
}

// MaintenanceService runs the periodic billing sweeps.
type MaintenanceService struct {
	db      MaintenanceDB
	economy CoinEconomy
	plans   PlanSource
	events  EventPublisher
	metrics MetricsRecorder
	cfg     config.EconomyConfig
	logger  *slog.Logger
}

// NewMaintenanceService creates the sweep service. events and metrics may be
// nil.
func NewMaintenanceService(
	db MaintenanceDB,
	economy CoinEconomy,
	plans PlanSource,
	events EventPublisher,
	metrics MetricsRecorder,
	cfg config.EconomyConfig,
	logger *slog.Logger,
) *MaintenanceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaintenanceService{
		db:      db,
		economy: economy,
		plans:   plans,
		events:  events,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
	}
}

// CapSweep clamps over-cap balances for every finite-cap plan and for users
// without a live subscription (who fall under the free cap). Plans sweep in
// parallel; per-user clamp failures are logged and skipped so one bad row
// cannot stall the batch.
func (s *MaintenanceService) CapSweep(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer s.duration(ctx, "cap_sweep", start)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(planSweepLimit)

	for _, plan := range s.plans.All() {
		if plan.Unlimited() {
			continue
		}
		plan := plan
		g.Go(func() error {
			var users []string
			var err error
			if plan.Key == types.PlanFree {
				users, err = s.db.ListOverCapUnsubscribed(gctx, plan.CoinCap, now, s.cfg.SweepBatchSize)
			} else {
				users, err = s.db.ListOverCapOnPlan(gctx, plan.Key, plan.CoinCap, now, s.cfg.SweepBatchSize)
			}
			if err != nil {
				return err
			}
			s.clampAll(gctx, users, plan.Key)
			return nil
		})
	}

	// Subscribed free-plan users are listed by plan too. The free plan above
	// covered the unsubscribed; this covers rows that explicitly carry the
	// free key.
	g.Go(func() error {
		free, ok := s.plans.Get(types.PlanFree)
		if !ok || free.Unlimited() {
			return nil
		}
		users, err := s.db.ListOverCapOnPlan(gctx, free.Key, free.CoinCap, now, s.cfg.SweepBatchSize)
		if err != nil {
			return err
		}
		s.clampAll(gctx, users, free.Key)
		return nil
	})

	return g.Wait()
}

// clampAll clamps each user, logging and continuing on failure.
func (s *MaintenanceService) clampAll(ctx context.Context, users []string, plan types.PlanKey) {
	for _, userID := range users {
		if _, err := s.economy.ClampToCap(ctx, userID); err != nil {
			s.logger.ErrorContext(ctx, "cap clamp failed",
				slog.String("user_id", userID),
				slog.String("plan", string(plan)),
				slog.Any("error", err))
		}
	}
}

// ResetSweep applies the monthly reset to balances the lazy path has not
// touched. Correctness never depends on this sweep; it keeps dormant
// accounts fresh so their first request after a long absence is fast.
func (s *MaintenanceService) ResetSweep(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer s.duration(ctx, "reset_sweep", start)

	cutoff := now.Add(-s.cfg.ResetInterval)
	users, err := s.db.ListStale(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}

	reset := 0
	for _, userID := range users {
		// GetBalance runs the same lazy reset the request path uses.
		if _, err := s.economy.GetBalance(ctx, userID); err != nil {
			s.logger.ErrorContext(ctx, "reset sweep failed for user",
				slog.String("user_id", userID),
				slog.Any("error", err))
			continue
		}
		reset++
	}

	s.logger.InfoContext(ctx, "reset sweep finished",
		slog.Int("candidates", len(users)),
		slog.Int("reset", reset))
	return nil
}

// ApplyDueDowngrades executes scheduled downgrades whose period has ended:
// the plan switches, a fresh period starts, and the balance rolls to the new
// plan's allowance via the lazy reset, then gets clamped to the new cap.
func (s *MaintenanceService) ApplyDueDowngrades(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer s.duration(ctx, "apply_downgrades", start)

	subs, err := s.db.ListDueDowngrades(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if sub.PendingPlanKey == nil {
			continue
		}
		target := *sub.PendingPlanKey
		won, err := s.db.ApplyDowngrade(ctx, sub.ID, target,
			now, now.Add(s.cfg.ResetInterval), now)
		if err != nil {
			s.logger.ErrorContext(ctx, "downgrade apply failed",
				slog.String("subscription_id", sub.ID),
				slog.Any("error", err))
			continue
		}
		if !won {
			continue
		}

		if _, err := s.economy.GetBalance(ctx, sub.UserID); err != nil {
			s.logger.ErrorContext(ctx, "balance refresh after downgrade failed",
				slog.String("user_id", sub.UserID),
				slog.Any("error", err))
		}
		if _, err := s.economy.ClampToCap(ctx, sub.UserID); err != nil {
			s.logger.ErrorContext(ctx, "clamp after downgrade failed",
				slog.String("user_id", sub.UserID),
				slog.Any("error", err))
		}

		s.logger.InfoContext(ctx, "downgrade applied",
			slog.String("user_id", sub.UserID),
			slog.String("from", string(sub.PlanKey)),
			slog.String("to", string(target)))
	}
	return nil
}

// ApplyExpiredCancellations moves lapsed canceled subscriptions to expired,
// returning their users to the free plan, and clamps the freed balances to
// the free cap.
func (s *MaintenanceService) ApplyExpiredCancellations(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer s.duration(ctx, "expire_cancellations", start)

	subs, err := s.db.ListExpiredCanceled(ctx, now, s.cfg.SweepBatchSize)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		won, err := s.db.Expire(ctx, sub.ID, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "subscription expire failed",
				slog.String("subscription_id", sub.ID),
				slog.Any("error", err))
			continue
		}
		if !won {
			continue
		}

		if _, err := s.economy.ClampToCap(ctx, sub.UserID); err != nil {
			s.logger.ErrorContext(ctx, "clamp after expiration failed",
				slog.String("user_id", sub.UserID),
				slog.Any("error", err))
		}
		if s.events != nil {
			if err := s.events.Publish(ctx, types.BillingEvent{
				Type:    types.EventSubscriptionEnded,
				UserID:  sub.UserID,
				PlanKey: sub.PlanKey,
			}); err != nil {
				s.logger.ErrorContext(ctx, "failed to publish expiration event",
					slog.String("user_id", sub.UserID),
					slog.Any("error", err))
			}
		}

		s.logger.InfoContext(ctx, "subscription expired",
			slog.String("user_id", sub.UserID),
			slog.String("plan", string(sub.PlanKey)))
	}
	return nil
}

// duration emits a sweep timing metric when a recorder is wired.
func (s *MaintenanceService) duration(ctx context.Context, task string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.Duration(ctx, types.MetricSweepDuration, time.Since(start),
		map[string]string{types.DimTask: task})
}
