// Package scheduler fires agent tasks on cron schedules or once at a given
// time. Jobs are persisted through JobStorage and reloaded on start.
//
// A process-wide semaphore caps how many jobs run at once. Fires that find
// no free slot, or whose previous run of the same job is still going, are
// skipped and counted as missed rather than queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Run results passed to the RunObserver.
const (
	ResultOK             = "ok"
	ResultError          = "error"
	ResultSkippedRunning = "skipped_running"
	ResultSkippedFull    = "skipped_capacity"
)

// JobHandler runs a fired job. Returning a SkippedError records a missed run.
type JobHandler func(ctx context.Context, job *Job) error

// RunObserver is told the result of every fire.
type RunObserver func(job *Job, result string)

// JobStorage persists jobs.
type JobStorage interface {
	Save(job *Job) error
	Delete(id string) error
	LoadAll() ([]*Job, error)
}

// Config tunes the scheduler.
type Config struct {
	Location      *time.Location
	MaxConcurrent int
	JobTimeout    time.Duration
}

// DefaultConfig returns local time, 5 concurrent jobs and a 5 minute timeout.
func DefaultConfig() Config {
	return Config{
		Location:      time.Local,
		MaxConcurrent: 5,
		JobTimeout:    5 * time.Minute,
	}
}

// Scheduler owns the job table and the cron engine.
type Scheduler struct {
	jobs    map[string]*Job
	cron    *cron.Cron
	parser  cron.Parser
	cronIDs map[string]cron.EntryID
	timers  map[string]*time.Timer
	running map[string]bool
	sem     *semaphore.Weighted

	storage  JobStorage
	handler  JobHandler
	observer RunObserver
	cfg      Config
	started  bool

	logger *slog.Logger
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. storage may be nil for an in-memory scheduler.
func New(cfg Config, storage JobStorage, handler JobHandler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:    make(map[string]*Job),
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(cfg.Location)),
		parser:  parser,
		cronIDs: make(map[string]cron.EntryID),
		timers:  make(map[string]*time.Timer),
		running: make(map[string]bool),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		storage: storage,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetObserver installs a hook called after every fire.
func (s *Scheduler) SetObserver(o RunObserver) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// Location returns the scheduler's time zone.
func (s *Scheduler) Location() *time.Location { return s.cfg.Location }

// AddCron schedules a recurring job.
func (s *Scheduler) AddCron(botID, chatID, threadID, expr, prompt string) (*Job, error) {
	return s.Add(&Job{
		ID:       NewJobID(),
		BotID:    botID,
		ChatID:   chatID,
		ThreadID: threadID,
		Kind:     KindCron,
		Schedule: expr,
		Prompt:   prompt,
		Enabled:  true,
	})
}

// AddOnce schedules a job that fires once at runAt and is then removed.
func (s *Scheduler) AddOnce(botID, chatID, threadID string, runAt time.Time, prompt string) (*Job, error) {
	return s.Add(&Job{
		ID:       NewJobID(),
		BotID:    botID,
		ChatID:   chatID,
		ThreadID: threadID,
		Kind:     KindOnce,
		Schedule: runAt.Format(time.RFC3339),
		Prompt:   prompt,
		Enabled:  true,
	})
}

// Add validates and registers job, persisting it.
func (s *Scheduler) Add(job *Job) (*Job, error) {
	if job.ID == "" {
		return nil, errors.New("job id is required")
	}
	if job.BotID == "" || job.ChatID == "" {
		return nil, errors.New("job target bot and chat are required")
	}
	if job.Prompt == "" {
		return nil, errors.New("job prompt is required")
	}
	if err := s.validate(job); err != nil {
		return nil, err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return nil, fmt.Errorf("job %q already exists", job.ID)
	}
	if s.started && job.Enabled {
		if err := s.arm(job); err != nil {
			return nil, err
		}
	}
	s.jobs[job.ID] = job
	s.persist(job)

	s.logger.Info("job added", "id", job.ID, "kind", job.Kind, "schedule", job.Schedule,
		"bot", job.BotID, "chat", job.ChatID)
	return job.snapshot(), nil
}

func (s *Scheduler) validate(job *Job) error {
	switch job.Kind {
	case KindCron:
		if _, err := s.parser.Parse(job.Schedule); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
		}
	case KindOnce:
		if _, err := time.Parse(time.RFC3339, job.Schedule); err != nil {
			return fmt.Errorf("invalid run time %q: %w", job.Schedule, err)
		}
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
	return nil
}

// Remove deletes a job and cancels its trigger.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Scheduler) removeLocked(id string) error {
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if entryID, ok := s.cronIDs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, id)
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.jobs, id)
	if s.storage != nil {
		if err := s.storage.Delete(id); err != nil {
			s.logger.Error("failed to remove job from storage", "id", id, "error", err)
		}
	}
	s.logger.Info("job removed", "id", id)
	return nil
}

// Get returns a copy of the job.
func (s *Scheduler) Get(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.snapshot(), true
}

// List returns copies of all jobs, oldest first.
func (s *Scheduler) List() []*Job {
	return s.filter(func(*Job) bool { return true })
}

// ListFor returns the jobs targeting one chat.
func (s *Scheduler) ListFor(botID, chatID string) []*Job {
	return s.filter(func(j *Job) bool { return j.BotID == botID && j.ChatID == chatID })
}

func (s *Scheduler) filter(keep func(*Job) bool) []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.snapshot())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Start loads persisted jobs, arms their triggers and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.storage != nil {
		jobs, err := s.storage.LoadAll()
		if err != nil {
			s.logger.Error("failed to load jobs", "error", err)
		}
		for _, job := range jobs {
			if _, exists := s.jobs[job.ID]; exists {
				continue
			}
			if err := s.validate(job); err != nil {
				s.logger.Warn("skipping stored job", "id", job.ID, "error", err)
				continue
			}
			s.jobs[job.ID] = job
		}
		s.logger.Info("jobs loaded from storage", "count", len(jobs))
	}

	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if err := s.arm(job); err != nil {
			s.logger.Warn("failed to arm job", "id", job.ID, "error", err)
		}
	}
	s.started = true
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", count, "max_concurrent", s.cfg.MaxConcurrent,
		"timezone", s.cfg.Location.String())
	return nil
}

// Stop halts triggers and waits briefly for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.started = false
	s.mu.Unlock()

	// Running jobs hold cron's waiter; cancel them before waiting on it.
	s.cancel()
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

// arm registers the job's trigger. Caller holds s.mu.
func (s *Scheduler) arm(job *Job) error {
	id := job.ID
	switch job.Kind {
	case KindCron:
		entryID, err := s.cron.AddFunc(job.Schedule, func() { s.fire(id) })
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
		}
		s.cronIDs[id] = entryID
	case KindOnce:
		runAt, err := time.Parse(time.RFC3339, job.Schedule)
		if err != nil {
			return err
		}
		delay := time.Until(runAt)
		if delay < 0 {
			s.logger.Warn("one-shot job is overdue, firing now", "id", id, "run_at", job.Schedule)
			delay = 0
		}
		s.timers[id] = time.AfterFunc(delay, func() { s.fireOnce(id) })
	}
	return nil
}

// track adds a run to the wait group Stop drains. It reports false once
// Stop has begun, so no Add races the final Wait.
func (s *Scheduler) track() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) fire(id string) {
	if !s.track() {
		return
	}
	defer s.wg.Done()
	if _, err := s.execute(id); err != nil {
		s.logger.Debug("fire ignored", "id", id, "error", err)
	}
}

// fireOnce runs a one-shot job and consumes it whatever the outcome, since
// running the task again may repeat side effects.
func (s *Scheduler) fireOnce(id string) {
	// A one-shot cut off by Stop stays stored and fires overdue on the next start.
	if !s.track() {
		return
	}
	defer s.wg.Done()

	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()

	if _, err := s.execute(id); err != nil {
		s.logger.Debug("fire ignored", "id", id, "error", err)
	}
	if err := s.Remove(id); err != nil && !errors.Is(err, ErrJobNotFound) {
		s.logger.Warn("failed to consume one-shot job", "id", id, "error", err)
	}
}

// Trigger fires a job immediately, as if its schedule came due, and returns
// the result. One-shot jobs are consumed.
func (s *Scheduler) Trigger(id string) (string, error) {
	if s.track() {
		defer s.wg.Done()
	}

	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	result, err := s.execute(id)
	if job.Kind == KindOnce {
		s.mu.Lock()
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
		_ = s.removeLocked(id)
		s.mu.Unlock()
	}
	return result, err
}

// execute runs one fire of a job with the overlap guard and the global cap.
func (s *Scheduler) execute(id string) (string, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if s.running[id] {
		job.MissedCount++
		snap := job.snapshot()
		s.mu.Unlock()
		s.logger.Warn("scheduled run skipped", "id", id, "reason", "previous run still active")
		s.finish(snap, ResultSkippedRunning)
		return ResultSkippedRunning, nil
	}
	if !s.sem.TryAcquire(1) {
		job.MissedCount++
		snap := job.snapshot()
		s.mu.Unlock()
		s.logger.Warn("scheduled run skipped", "id", id, "reason", "concurrency limit reached",
			"max_concurrent", s.cfg.MaxConcurrent)
		s.finish(snap, ResultSkippedFull)
		return ResultSkippedFull, nil
	}
	s.running[id] = true
	snap := job.snapshot()
	handler := s.handler
	s.mu.Unlock()

	defer s.sem.Release(1)
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := s.safeHandle(ctx, handler, snap)

	s.mu.Lock()
	now := time.Now()
	job.LastRunAt = &now
	result := ResultOK
	reason, skipped := IsSkipped(err)
	switch {
	case skipped:
		job.MissedCount++
		result = "skipped_" + reason
	case err != nil:
		job.RunCount++
		job.LastError = err.Error()
		result = ResultError
	default:
		job.RunCount++
		job.LastError = ""
	}
	snap = job.snapshot()
	s.mu.Unlock()

	switch {
	case skipped:
		s.logger.Warn("scheduled run skipped", "id", id, "reason", reason)
	case err != nil:
		s.logger.Error("scheduled job failed", "id", id, "error", err, "duration", time.Since(start))
	default:
		s.logger.Info("scheduled job completed", "id", id, "duration", time.Since(start))
	}
	s.finish(snap, result)
	return result, nil
}

func (s *Scheduler) safeHandle(ctx context.Context, handler JobHandler, job *Job) (err error) {
	if handler == nil {
		return errors.New("no handler configured")
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "id", job.ID, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (s *Scheduler) finish(snap *Job, result string) {
	s.mu.RLock()
	observer := s.observer
	_, stillExists := s.jobs[snap.ID]
	s.mu.RUnlock()

	if stillExists {
		s.persist(snap)
	}
	if observer != nil {
		observer(snap, result)
	}
}

func (s *Scheduler) persist(job *Job) {
	if s.storage == nil {
		return
	}
	if err := s.storage.Save(job); err != nil {
		s.logger.Error("failed to persist job", "id", job.ID, "error", err)
	}
}
