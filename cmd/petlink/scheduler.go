package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// checkpointSaver persists full state snapshots and trims old history.
type checkpointSaver interface {
	SaveCheckpoint(ctx context.Context, s FullStateReport) error
	Prune(ctx context.Context, r Retention) (int64, error)
}

// JobScheduler runs the daemon's periodic background jobs (state
// checkpoints, self-test) on a gocron scheduler.
type JobScheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
}

func NewJobScheduler(logger *slog.Logger) (*JobScheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &JobScheduler{scheduler: s, logger: logger}, nil
}

// ScheduleCheckpoints saves store.FullSnapshot() to db every interval, then
// prunes db down to keep.
func (s *JobScheduler) ScheduleCheckpoints(interval time.Duration, store *StateStore, db checkpointSaver, keep Retention) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.checkpoint, store, db, keep),
		gocron.WithName("state-checkpoint"),
	)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint job: %w", err)
	}
	return nil
}

func (s *JobScheduler) checkpoint(store *StateStore, db checkpointSaver, keep Retention) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.SaveCheckpoint(ctx, store.FullSnapshot()); err != nil {
		s.logger.Warn("state checkpoint failed", "error", err)
		return
	}
	removed, err := db.Prune(ctx, keep)
	if err != nil {
		s.logger.Warn("history prune failed", "error", err)
		return
	}
	s.logger.Debug("state checkpoint saved", "pruned", removed)
}

// ScheduleSelfTest runs one self-test round every interval.
func (s *JobScheduler) ScheduleSelfTest(interval time.Duration, st *SelfTest) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(st.Run),
		gocron.WithName("self-test"),
	)
	if err != nil {
		return fmt.Errorf("failed to create self-test job: %w", err)
	}
	return nil
}

// Run starts the scheduler and shuts it down when ctx ends.
func (s *JobScheduler) Run(ctx context.Context) error {
	s.logger.Info("job scheduler starting", "jobs", len(s.scheduler.Jobs()))
	s.scheduler.Start()
	<-ctx.Done()
	s.logger.Info("job scheduler stopping")
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	return nil
}
