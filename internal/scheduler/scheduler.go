// Package scheduler drives the simulation heartbeat.
//
// Every registered task fires on its own interval. A firing does not wait for the
// previous run of the same task to finish: overlapping runs are possible and the
// handler decides what to do about them (directors skip).
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quantscafe/quantscafe/internal/logging"
)

// DefaultHeartbeat is the interval used when a task does not set one
const DefaultHeartbeat = 5 * time.Second

// DefaultTimeout bounds one run of a task
const DefaultTimeout = 2 * time.Minute

// Scheduler manages heartbeat tasks
type Scheduler struct {
	tasks   map[string]*Task
	running map[string]context.CancelFunc
	mu      sync.RWMutex
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	cfg     Config
	log     *logging.Logger
}

// Config configures the scheduler
type Config struct {
	Heartbeat time.Duration // default interval for tasks registered without one
	Timeout   time.Duration // default per-run timeout
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Heartbeat: DefaultHeartbeat,
		Timeout:   DefaultTimeout,
	}
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		tasks:   make(map[string]*Task),
		running: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
		log:     logging.Named("scheduler"),
		cfg:     cfg,
	}
}

// Task is one heartbeat task
type Task struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Timeout      time.Duration `json:"timeout"`
	Handler      TaskHandler   `json:"-"`
	Enabled      bool          `json:"enabled"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
	InFlight     int           `json:"in_flight"`
	LastError    string        `json:"last_error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// TaskHandler is the function executed for a task
type TaskHandler func(ctx context.Context) error

// Register adds a task to the scheduler
func (s *Scheduler) Register(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task handler is required")
	}
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task already registered: %s", task.ID)
	}

	if task.Interval <= 0 {
		task.Interval = s.cfg.Heartbeat
	}
	if task.Timeout <= 0 {
		task.Timeout = s.cfg.Timeout
	}
	if task.Name == "" {
		task.Name = task.ID
	}
	task.CreatedAt = time.Now()
	task.Enabled = true

	s.tasks[task.ID] = task

	if s.started {
		s.startTask(task)
	}
	return nil
}

// Unregister removes a task from the scheduler
func (s *Scheduler) Unregister(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.running[taskID]; ok {
		cancel()
		delete(s.running, taskID)
	}

	delete(s.tasks, taskID)
	return nil
}

// Enable enables a task
func (s *Scheduler) Enable(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if task.Enabled {
		return nil
	}

	task.Enabled = true
	if s.started {
		s.startTask(task)
	}
	return nil
}

// Disable disables a task. Runs already in flight finish.
func (s *Scheduler) Disable(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	task.Enabled = false
	if cancel, ok := s.running[taskID]; ok {
		cancel()
		delete(s.running, taskID)
	}
	return nil
}

// Start starts the heartbeat
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	for _, task := range s.tasks {
		if task.Enabled {
			s.startTask(task)
		}
	}
	s.log.WithField("tasks", len(s.tasks)).Info("heartbeat started")
	return nil
}

// Stop stops the heartbeat, cancels in-flight runs and waits for them to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}

	s.cancel()
	for _, cancel := range s.running {
		cancel()
	}
	s.running = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	// Runs take the lock to record their stats, so wait without holding it
	s.wg.Wait()

	s.mu.Lock()
	s.started = false
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.log.Info("heartbeat stopped")
	return nil
}

// startTask starts a single task's loop. Caller holds s.mu.
func (s *Scheduler) startTask(task *Task) {
	taskCtx, cancel := context.WithCancel(s.ctx)
	s.running[task.ID] = cancel

	s.wg.Add(1)
	go s.runTaskLoop(taskCtx, task, task.Interval)
}

// runTaskLoop fires the task on every tick without waiting for earlier runs
func (s *Scheduler) runTaskLoop(ctx context.Context, task *Task, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.executeTask(ctx, task)
			}()
		}
	}
}

// executeTask runs the handler once under the task timeout and records the result
func (s *Scheduler) executeTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	timeout := task.Timeout
	handler := task.Handler
	task.InFlight++
	s.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := runHandler(execCtx, handler)
	elapsed := time.Since(start)

	s.mu.Lock()
	task.InFlight--
	task.LastRun = &start
	task.LastDuration = elapsed
	task.RunCount++
	if err != nil {
		task.ErrorCount++
		task.LastError = err.Error()
	} else {
		task.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.WithFields(map[string]interface{}{
			"task":     task.ID,
			"duration": elapsed.Round(time.Millisecond),
		}).Warn("task failed: %v", err)
	}
	return err
}

// runHandler reports a panicking handler as an error
func runHandler(ctx context.Context, handler TaskHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(ctx)
}

// RunNow executes a task immediately and waits for it
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return s.executeTask(ctx, task)
}

// GetTask returns a copy of a task by ID
func (s *Scheduler) GetTask(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// ListTasks returns copies of all tasks ordered by ID
func (s *Scheduler) ListTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, *task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:      s.started,
		TotalTasks:   len(s.tasks),
		RunningTasks: len(s.running),
		Heartbeat:    s.cfg.Heartbeat,
	}

	for _, task := range s.tasks {
		if task.Enabled {
			stats.EnabledTasks++
		}
		stats.InFlight += task.InFlight
		stats.TotalRuns += task.RunCount
		stats.TotalErrors += task.ErrorCount
	}

	return stats
}

// Stats contains scheduler statistics
type Stats struct {
	Started      bool          `json:"started"`
	TotalTasks   int           `json:"total_tasks"`
	EnabledTasks int           `json:"enabled_tasks"`
	RunningTasks int           `json:"running_tasks"`
	InFlight     int           `json:"in_flight"`
	TotalRuns    int64         `json:"total_runs"`
	TotalErrors  int64         `json:"total_errors"`
	Heartbeat    time.Duration `json:"heartbeat"`
}

// IntervalTask creates a task that runs at a fixed interval
func IntervalTask(id string, interval time.Duration, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     id,
		Interval: interval,
		Handler:  handler,
	}
}

// TaskBuilder provides fluent API for building tasks
type TaskBuilder struct {
	task *Task
}

// NewTask creates a new task builder
func NewTask(id string) *TaskBuilder {
	return &TaskBuilder{task: &Task{ID: id}}
}

// Name sets the task name
func (b *TaskBuilder) Name(name string) *TaskBuilder {
	b.task.Name = name
	return b
}

// Every sets the interval
func (b *TaskBuilder) Every(interval time.Duration) *TaskBuilder {
	b.task.Interval = interval
	return b
}

// Timeout sets the per-run timeout
func (b *TaskBuilder) Timeout(timeout time.Duration) *TaskBuilder {
	b.task.Timeout = timeout
	return b
}

// Handler sets the task handler
func (b *TaskBuilder) Handler(handler TaskHandler) *TaskBuilder {
	b.task.Handler = handler
	return b
}

// Build returns the constructed task
func (b *TaskBuilder) Build() *Task {
	return b.task
}
