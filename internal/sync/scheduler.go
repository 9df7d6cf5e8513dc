package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron expressions for the built-in maintenance jobs.
const (
	cleanupSchedule    = "*/5 * * * *"
	statusPollSchedule = "*/5 * * * *"
	vacuumSchedule     = "0 3 * * *"
)

type job struct {
	id       string
	schedule cron.Schedule
	run      func(ctx context.Context)

	mu        sync.Mutex
	nextRunAt time.Time
}

// Scheduler runs registered jobs on their cron schedules with a 60s
// resolution ticker. A job still executing when its next slot arrives is
// skipped for that slot.
type Scheduler struct {
	parser cron.Parser
	logger *slog.Logger

	mu     sync.Mutex
	jobs   []*job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// AddJob registers a job under a cron expression. Must be called before
// Start.
func (s *Scheduler) AddJob(id, cronExpr string, run func(ctx context.Context)) error {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for job %q: %w", cronExpr, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		id:        id,
		schedule:  schedule,
		run:       run,
		nextRunAt: schedule.Next(time.Now().UTC()),
	})
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due job, skipping those still in flight.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]*job(nil), s.jobs...)
	s.mu.Unlock()

	now := time.Now().UTC()
	for _, j := range jobs {
		j.mu.Lock()
		due := !j.nextRunAt.After(now)
		if due {
			j.nextRunAt = j.schedule.Next(now)
		}
		j.mu.Unlock()
		if !due {
			continue
		}

		if !s.tryAcquire(j.id) {
			s.logger.Debug("job still running, skipping slot", slog.String("job_id", j.id))
			continue
		}
		s.logger.Debug("running scheduled job", slog.String("job_id", j.id))
		go func(j *job) {
			defer s.release(j.id)
			j.run(ctx)
		}(j)
	}
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

// Stop gracefully shuts down the scheduling loop.
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

// RegisterMaintenanceJobs binds the coordinator's periodic work: stale
// draft cleanup and the remote status poll every 5 minutes, plus a nightly
// store vacuum.
func RegisterMaintenanceJobs(s *Scheduler, c *Coordinator) error {
	if err := s.AddJob("stale-draft-cleanup", cleanupSchedule, c.CleanupStaleDrafts); err != nil {
		return err
	}
	if err := s.AddJob("status-poll", statusPollSchedule, c.PollRemoteStatus); err != nil {
		return err
	}
	return s.AddJob("store-vacuum", vacuumSchedule, c.VacuumStore)
}
