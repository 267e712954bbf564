// Package scheduler runs the daemon's periodic maintenance tasks: the
// session expiry sweep, reconciliation passes, audit log pruning and
// ledger backups.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/logging"
)

// TaskFunc is a function that performs a scheduled task. It receives a
// context that is cancelled when the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// Task represents a scheduled task.
type Task struct {
	ID         string
	Name       string
	Schedule   Schedule
	Func       TaskFunc
	RunOnStart bool // run immediately when the scheduler starts
	Timeout    time.Duration
}

// TaskStatus represents the current status of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
	SkipCount    int64         `json:"skip_count"`
}

// Scheduler manages and runs scheduled tasks.
type Scheduler struct {
	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	clock   clock.Clock
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type taskEntry struct {
	task    *Task
	status  TaskStatus
	nextRun time.Time
	active  bool // an execution is in flight
}

// New creates a new scheduler.
func New(clk clock.Clock, logger *logging.Logger) *Scheduler {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		tasks:  make(map[string]*taskEntry),
		clock:  clk,
		logger: logger.WithComponent("scheduler"),
	}
}

// AddTask adds a task to the scheduler.
func (s *Scheduler) AddTask(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("task schedule is required")
	}
	if task.Func == nil {
		return fmt.Errorf("task function is required")
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	entry := &taskEntry{
		task: task,
		status: TaskStatus{
			ID:   task.ID,
			Name: task.Name,
		},
		nextRun: task.Schedule.Next(s.clock.Now()),
	}
	entry.status.NextRun = entry.nextRun

	s.tasks[task.ID] = entry
	s.logger.Info("task added", "id", task.ID, "name", task.Name, "next_run", entry.nextRun)
	return nil
}

// RunTask runs a task immediately, regardless of schedule.
func (s *Scheduler) RunTask(id string) error {
	s.mu.Lock()
	entry, exists := s.tasks[id]
	if exists {
		s.tryStart(entry)
	}
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// GetStatus returns the status of all tasks, sorted by name.
func (s *Scheduler) GetStatus() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// GetTaskStatus returns the status of a specific task.
func (s *Scheduler) GetTaskStatus(id string) (TaskStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.tasks[id]
	if !exists {
		return TaskStatus{}, false
	}
	return entry.status, true
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	for _, entry := range s.tasks {
		if entry.task.RunOnStart {
			s.tryStart(entry)
		}
	}
	s.mu.Unlock()

	s.logger.Info("scheduler started")
	go s.run()
}

// Stop stops the scheduler and waits for running tasks to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// run is the main scheduler loop.
func (s *Scheduler) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunTasks(s.clock.Now())
		}
	}
}

// checkAndRunTasks starts every task that is due. A task whose previous
// execution is still in flight is skipped, never stacked.
func (s *Scheduler) checkAndRunTasks(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.tasks {
		if entry.nextRun.IsZero() || now.Before(entry.nextRun) {
			continue
		}
		if entry.active {
			entry.status.SkipCount++
			entry.nextRun = entry.task.Schedule.Next(now)
			entry.status.NextRun = entry.nextRun
			s.logger.Warn("task still running, skipping this tick", "id", entry.task.ID)
			continue
		}
		s.tryStart(entry)
	}
}

// tryStart launches a task execution unless one is already in flight.
// Caller holds s.mu.
func (s *Scheduler) tryStart(entry *taskEntry) {
	if entry.active {
		entry.status.SkipCount++
		return
	}
	entry.active = true
	// The next slot is claimed at launch so a long run cannot retrigger
	// on every tick.
	entry.nextRun = entry.task.Schedule.Next(s.clock.Now())
	entry.status.NextRun = entry.nextRun

	// Snapshot the context while s.mu is held: a RunTask issued before
	// Start would otherwise race Start's write of s.ctx.
	base := s.ctx
	if base == nil {
		base = context.Background()
	}

	s.wg.Add(1)
	go s.executeTask(entry, base)
}

// executeTask runs a single task.
func (s *Scheduler) executeTask(entry *taskEntry, base context.Context) {
	defer s.wg.Done()

	task := entry.task
	s.logger.Debug("executing task", "id", task.ID)
	var ctx context.Context
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(base, task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(base)
	}
	defer cancel()

	start := s.clock.Now()
	err := task.Func(ctx)
	duration := s.clock.Since(start)

	s.mu.Lock()
	entry.active = false
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
	} else {
		entry.status.LastError = ""
		s.logger.Debug("task completed", "id", task.ID, "duration", duration)
	}
	s.mu.Unlock()
}
