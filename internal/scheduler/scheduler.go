// Package scheduler runs stored chains on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultInterval is how often due schedules are polled.
const DefaultInterval = 60 * time.Second

// Status recorded when a schedule could not produce a run.
const statusError = "error"

// Store is the persistence the scheduler needs. Satisfied by store.Store.
type Store interface {
	GetChain(ctx context.Context, id string) (*store.Chain, error)
	CreateSchedule(ctx context.Context, s *store.Schedule) error
	ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update store.ScheduleUpdate) error
}

// ChainExecutor runs a chain definition. Satisfied by *engine.Engine.
type ChainExecutor interface {
	ExecuteChain(ctx context.Context, chain *schema.ChainConfig, vars map[string]any, userID string) (*schema.ExecutionContext, error)
}

// Config configures a Scheduler.
type Config struct {
	Store    Store
	Executor ChainExecutor
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time
}

// Scheduler polls for due schedules and runs their chains.
type Scheduler struct {
	store    Store
	executor ChainExecutor
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		executor: cfg.Executor,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   cfg.Logger,
		interval: cfg.Interval,
		now:      cfg.Now,
		inflight: make(map[string]struct{}),
	}
}

// Add validates the cron expression, computes the first run time and stores
// the schedule. An empty ID is filled with a UUID.
func (s *Scheduler) Add(ctx context.Context, sch *store.Schedule) error {
	if _, err := s.store.GetChain(ctx, sch.ChainID); err != nil {
		return err
	}
	next, err := s.NextRun(sch.CronExpression, s.now().UTC())
	if err != nil {
		return err
	}
	if sch.ID == "" {
		sch.ID = uuid.New().String()
	}
	sch.NextRunAt = &next
	return s.store.CreateSchedule(ctx, sch)
}

// Start launches the polling loop. The first poll happens immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx, s.done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Stop cancels the loop and waits for the current poll to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled schedule whose next run time has passed and
// returns how many were started.
func (s *Scheduler) Tick(ctx context.Context) int {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list schedules", slog.String("error", err.Error()))
		return 0
	}

	now := s.now().UTC()
	ran := 0
	for _, sch := range schedules {
		if ctx.Err() != nil {
			break
		}
		if sch.NextRunAt != nil && sch.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sch.ID) {
			continue
		}
		if err := s.runSchedule(ctx, sch, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to run schedule",
				slog.String("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sch.ID)
		ran++
	}
	return ran
}

func (s *Scheduler) runSchedule(ctx context.Context, sch *store.Schedule, now time.Time) error {
	s.logger.InfoContext(ctx, "running scheduled chain",
		slog.String("schedule_id", sch.ID),
		slog.String("chain_id", sch.ChainID),
	)

	update := store.ScheduleUpdate{LastRunAt: &now, LastRunStatus: statusError}
	if next, err := s.NextRun(sch.CronExpression, now); err == nil {
		update.NextRunAt = &next
	} else {
		disabled := false
		update.Enabled = &disabled
		s.logger.WarnContext(ctx, "disabling schedule with invalid cron expression",
			slog.String("schedule_id", sch.ID),
			slog.String("error", err.Error()),
		)
	}

	runErr := s.execute(ctx, sch, &update)
	if err := s.store.UpdateSchedule(ctx, sch.ID, update); err != nil {
		return fmt.Errorf("update schedule %q: %w", sch.ID, err)
	}
	return runErr
}

func (s *Scheduler) execute(ctx context.Context, sch *store.Schedule, update *store.ScheduleUpdate) error {
	if update.Enabled != nil && !*update.Enabled {
		return nil
	}
	chain, err := s.store.GetChain(ctx, sch.ChainID)
	if err != nil {
		return err
	}
	def := chain.Definition
	if def.ID == "" {
		def.ID = chain.ID
	}
	if def.WorkspaceID == "" {
		def.WorkspaceID = chain.WorkspaceID
	}

	ec, err := s.executor.ExecuteChain(ctx, &def, sch.Variables, sch.UserID)
	if err != nil {
		return err
	}
	update.LastRunStatus = string(ec.Status)
	update.LastRunID = ec.RunID
	if ec.Status == schema.RunStatusFailed {
		s.logger.WarnContext(ctx, "scheduled run failed",
			slog.String("schedule_id", sch.ID),
			slog.String("run_id", ec.RunID),
			slog.String("error", ec.Error),
		)
	}
	return nil
}

// NextRun computes the first activation of cronExpr after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", cronExpr, err).WithCause(err)
	}
	return sched.Next(from), nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
