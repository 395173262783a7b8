// Package scheduler decides which tier is due and serializes their
// execution, generalizing the teacher's scheduler/scheduler.go (one
// cron/ticker schedule around a single site-scrape orchestrator) to
// spec.md §4.J's four independently-due tiers behind one mutex.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/orchestrate"
	"github.com/syncengine/listingsync/storage"
)

var tierOrder = []models.TierLevel{
	models.TierHotListings,
	models.TierDailySync,
	models.TierWeeklyDeep,
	models.TierMonthlyRefresh,
}

// Scheduler owns SyncRun scheduling decisions (spec §3). A sync.Mutex
// single-flights tier execution the way the teacher's Scheduler serializes
// RunAll behind its own cron/ticker callback, generalized here to run
// across four tiers instead of one site-scrape job.
type Scheduler struct {
	cfg          *config.Config
	orchestrator *orchestrate.TierOrchestrator
	runs         storage.RunStore

	mu      sync.Mutex
	running bool
}

func New(cfg *config.Config, orchestrator *orchestrate.TierOrchestrator, runs storage.RunStore) *Scheduler {
	return &Scheduler{cfg: cfg, orchestrator: orchestrator, runs: runs}
}

// ShouldRun reports whether a tier is due: no prior successful run, or
// the frequency window has elapsed since the last one started.
func (s *Scheduler) ShouldRun(ctx context.Context, level models.TierLevel) (bool, error) {
	last, err := s.runs.LastSuccessfulRun(ctx, level)
	if errors.Is(err, storage.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("scheduler: checking last run for tier %d: %w", level, err)
	}
	if last == nil {
		return true, nil
	}
	freq := time.Duration(s.cfg.Tiers[level].FrequencyHours) * time.Hour
	return time.Since(last.StartedAt) >= freq, nil
}

// RunScheduled runs every due tier in order [1,2,3,4], serialized behind
// the scheduler's single-flight mutex. A tier failure is logged and does
// not stop the remaining tiers from being checked.
func (s *Scheduler) RunScheduled(ctx context.Context) ([]models.TierResult, error) {
	if !s.mu.TryLock() {
		return nil, fmt.Errorf("scheduler: a tier is already running")
	}
	defer s.mu.Unlock()

	s.running = true
	defer func() { s.running = false }()

	var results []models.TierResult
	for _, level := range tierOrder {
		due, err := s.ShouldRun(ctx, level)
		if err != nil {
			log.Printf("scheduler: %v", err)
			continue
		}
		if !due {
			continue
		}
		result, err := s.orchestrator.RunTier(ctx, level)
		if err != nil {
			log.Printf("scheduler: tier %d failed: %v", level, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// RunSingle runs one tier regardless of schedule. Unless force is set, it
// fails fast if another tier is already running rather than blocking.
// force bypasses the single-flight guard entirely, running concurrently
// with whatever else is in flight, rather than waiting its turn.
func (s *Scheduler) RunSingle(ctx context.Context, level models.TierLevel, force bool) (models.TierResult, error) {
	if force {
		return s.orchestrator.RunTier(ctx, level)
	}

	if !s.mu.TryLock() {
		return models.TierResult{}, fmt.Errorf("scheduler: a tier is already running, pass force to override")
	}
	defer s.mu.Unlock()

	s.running = true
	defer func() { s.running = false }()

	return s.orchestrator.RunTier(ctx, level)
}

// RunContinuous loops RunScheduled every interval until ctx is cancelled
// or maxIters iterations have run (maxIters <= 0 means unbounded).
func (s *Scheduler) RunContinuous(ctx context.Context, interval time.Duration, maxIters int) error {
	iter := 0
	for {
		if _, err := s.RunScheduled(ctx); err != nil {
			log.Printf("scheduler: run-scheduled error: %v", err)
		}
		iter++
		if maxIters > 0 && iter >= maxIters {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Status reports each tier's last run, last success, projected next run,
// due-ness, and whether the scheduler is currently mid-run.
func (s *Scheduler) Status(ctx context.Context) (models.ScheduleStatus, error) {
	status := models.ScheduleStatus{}

	if s.mu.TryLock() {
		status.IsRunning = s.running
		s.mu.Unlock()
	} else {
		status.IsRunning = true
	}

	for _, level := range tierOrder {
		settings := s.cfg.Tiers[level]
		ts := models.TierStatus{TierLevel: level, TierName: settings.Name, IsRunning: status.IsRunning}

		last, err := s.runs.LastRun(ctx, level)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return status, fmt.Errorf("scheduler: loading last run for tier %d: %w", level, err)
		}
		if last != nil {
			ts.LastRun = &last.StartedAt
		}

		success, err := s.runs.LastSuccessfulRun(ctx, level)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return status, fmt.Errorf("scheduler: loading last success for tier %d: %w", level, err)
		}
		if success != nil {
			ts.LastSuccess = &success.StartedAt
			next := success.StartedAt.Add(time.Duration(settings.FrequencyHours) * time.Hour)
			ts.NextRun = &next
		}

		due, err := s.ShouldRun(ctx, level)
		if err != nil {
			return status, err
		}
		ts.IsDue = due

		status.Tiers = append(status.Tiers, ts)
	}

	return status, nil
}
