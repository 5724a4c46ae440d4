package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"noteops/internal/clock"
	"noteops/internal/observability"
)

const (
	maxSleep     = 60 * time.Second
	errorBackoff = 5 * time.Second
	stopDrain    = 30 * time.Second
	removeWait   = 2 * time.Second
)

// LogPurger removes a task's log files when the task is destroyed.
type LogPurger interface {
	RemoveTaskLogs(taskID string) error
}

// Options wires a Scheduler.
type Options struct {
	Store     *Store
	Clock     clock.Clock
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Factory   RunnerFactory
	LogPurger LogPurger
}

// Scheduler owns the task registry and the single loop that serialises all
// executions. Every run, loop-driven or manual, happens under one global
// execution mutex because all tasks share one sidecar and one cookie jar.
type Scheduler struct {
	store   *Store
	clk     clock.Clock
	logger  *observability.Logger
	metrics *observability.Metrics
	factory RunnerFactory
	purger  LogPurger

	mu           sync.Mutex
	tasks        map[string]*TaskInfo
	accountTasks map[string][]string
	running      *TaskInfo

	execMu sync.Mutex

	loopMu  sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	wakeCh  chan struct{}
}

// NewScheduler builds a scheduler and restores persisted state. Tasks come
// back pending (never running); stale due times are recomputed forward.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}

	s := &Scheduler{
		store:        opts.Store,
		clk:          opts.Clock,
		logger:       opts.Logger.With("module", "scheduler"),
		metrics:      opts.Metrics,
		factory:      opts.Factory,
		purger:       opts.LogPurger,
		tasks:        make(map[string]*TaskInfo),
		accountTasks: make(map[string][]string),
		wakeCh:       make(chan struct{}, 1),
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) loadState() error {
	tasks, index, err := s.store.Load()
	if err != nil {
		return err
	}

	now := s.clk.Now()
	for _, t := range tasks {
		runner, err := s.factory(t)
		if err != nil {
			s.logger.Warn("skipping task, runner construction failed", "task_id", t.TaskID, "error", err)
			continue
		}
		t.SetRunner(runner)

		switch t.Status {
		case StatusPending, StatusError:
			if t.NextExecutionTime == nil || !t.NextExecutionTime.After(now) {
				t.NextExecutionTime = computeNext(now, t)
				if t.NextExecutionTime == nil {
					t.Status = StatusCompleted
				}
			}
		case StatusPaused, StatusCompleted:
			t.NextExecutionTime = nil
		}
		s.tasks[t.TaskID] = t
	}
	s.accountTasks = index
	s.pruneIndexLocked()
	s.publishStatusCounts()
	s.logger.Info("dispatcher state loaded", "tasks", len(s.tasks))
	return nil
}

// AddTaskRequest carries the validated creation payload.
type AddTaskRequest struct {
	TaskType             string
	AccountID            string
	AccountName          string
	SysType              string
	IntervalSeconds      int
	Window               *clock.Window
	EndDate              *time.Time
	Mode                 Mode
	InteractionNoteCount int
	Kwargs               map[string]any
}

// AddTask registers a new task and computes its first due time. The loop is
// not auto-started; callers own Start.
func (s *Scheduler) AddTask(req AddTaskRequest) (string, error) {
	if req.TaskType != TaskTypeXHS {
		return "", fmt.Errorf("%w: unsupported task_type %q", ErrValidation, req.TaskType)
	}
	if req.AccountID == "" {
		return "", fmt.Errorf("%w: account_id is required", ErrValidation)
	}
	if req.Mode == "" {
		req.Mode = ModeStandard
	}
	if !ValidMode(req.Mode) {
		return "", fmt.Errorf("%w: unknown mode %q", ErrValidation, req.Mode)
	}
	if err := req.Window.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.accountTasks[req.AccountID] {
		if existing, ok := s.tasks[id]; ok && existing.TaskType == req.TaskType {
			return "", fmt.Errorf("%w: account %s already has task %s (status %s)",
				ErrConflict, req.AccountID, existing.TaskID, existing.Status)
		}
	}

	now := s.clk.Now()
	t := NewTaskInfo(req.AccountID, req.AccountName, req.SysType, now)
	t.Mode = req.Mode
	t.InteractionNoteCount = ClampNoteCount(req.InteractionNoteCount)
	if req.IntervalSeconds > 0 {
		t.IntervalSeconds = req.IntervalSeconds
	}
	t.Window = req.Window
	t.EndDate = req.EndDate
	if req.Kwargs != nil {
		t.Kwargs = req.Kwargs
	}

	runner, err := s.factory(t)
	if err != nil {
		return "", fmt.Errorf("construct runner: %w", err)
	}
	t.SetRunner(runner)

	t.NextExecutionTime = computeNext(now, t)
	if t.NextExecutionTime == nil {
		t.Status = StatusCompleted
	}

	s.tasks[t.TaskID] = t
	s.accountTasks[req.AccountID] = append(s.accountTasks[req.AccountID], t.TaskID)
	if err := s.persistLocked(); err != nil {
		delete(s.tasks, t.TaskID)
		s.removeFromIndexLocked(t)
		return "", err
	}

	s.logger.Info("task added", "task_id", t.TaskID, "account_id", t.AccountID,
		"next_execution_time", t.NextExecutionTime)
	s.wake()
	return t.TaskID, nil
}

// UpdateTaskRequest carries a partial edit; nil fields are untouched.
type UpdateTaskRequest struct {
	IntervalSeconds      *int
	Window               *clock.Window
	WindowSet            bool // distinguishes "clear window" from "untouched"
	EndDate              *time.Time
	EndDateSet           bool
	Mode                 *Mode
	InteractionNoteCount *int
	Content              map[string]any // user_query, topic, style, target_audience
}

// UpdateTask edits a task's properties. Running tasks may be edited; changes
// take effect at the next execution. A cadence change recomputes the due
// time, or completes the task when the end date has already passed.
func (s *Scheduler) UpdateTask(taskID string, req UpdateTaskRequest) error {
	if req.Window != nil {
		if err := req.Window.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if req.Mode != nil && !ValidMode(*req.Mode) {
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, *req.Mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	cadenceChanged := false
	if req.IntervalSeconds != nil && *req.IntervalSeconds != t.IntervalSeconds {
		t.IntervalSeconds = *req.IntervalSeconds
		cadenceChanged = true
	}
	if req.WindowSet {
		t.Window = req.Window
		cadenceChanged = true
	}
	if req.EndDateSet {
		t.EndDate = req.EndDate
		cadenceChanged = true
	}
	if req.Mode != nil {
		t.Mode = *req.Mode
	}
	if req.InteractionNoteCount != nil {
		t.InteractionNoteCount = ClampNoteCount(*req.InteractionNoteCount)
	}
	for k, v := range req.Content {
		t.Kwargs[k] = v
	}

	now := s.clk.Now()
	t.UpdatedAt = now
	if cadenceChanged && t.Status != StatusPaused && t.Status != StatusRunning {
		if t.PastEndDate(now) {
			t.Status = StatusCompleted
			t.NextExecutionTime = nil
		} else {
			t.NextExecutionTime = computeNext(now, t)
			if t.NextExecutionTime == nil {
				t.Status = StatusCompleted
			} else if t.Status == StatusCompleted {
				t.Status = StatusPending
			}
		}
	}

	if err := s.persistLocked(); err != nil {
		return err
	}
	s.wake()
	return nil
}

// PauseTask flips the runner's durable pause switch and parks the task.
func (s *Scheduler) PauseTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err := t.Runner().Pause(); err != nil {
		return fmt.Errorf("pause runner: %w", err)
	}
	if t.Status != StatusRunning {
		t.Status = StatusPaused
	}
	t.NextExecutionTime = nil
	t.UpdatedAt = s.clk.Now()
	return s.persistLocked()
}

// ResumeTask re-enables a paused task and recomputes its due time.
func (s *Scheduler) ResumeTask(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err := t.Runner().Resume(); err != nil {
		return fmt.Errorf("resume runner: %w", err)
	}

	now := s.clk.Now()
	t.NextExecutionTime = computeNext(now, t)
	if t.NextExecutionTime == nil {
		t.Status = StatusCompleted
	} else {
		t.Status = StatusPending
	}
	t.UpdatedAt = now
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.wake()
	return nil
}

// ReorderTask shifts a pending task's due time by offset seconds, snapping
// forward to the next window start when the shifted time falls outside the
// window. Running, paused and completed tasks refuse; so does a move past
// the end date.
func (s *Scheduler) ReorderTask(taskID string, offsetSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	switch t.Status {
	case StatusRunning, StatusPaused, StatusCompleted:
		return fmt.Errorf("%w: cannot reorder task in status %s", ErrConflict, t.Status)
	}
	if t.NextExecutionTime == nil {
		return fmt.Errorf("%w: task has no scheduled execution", ErrConflict)
	}

	adjusted := t.NextExecutionTime.Add(time.Duration(offsetSeconds) * time.Second)
	if !clock.InWindow(adjusted, t.Window) {
		adjusted = clock.NextWindowStart(adjusted, t.Window)
	}
	if t.EndDate != nil && !dateOf(adjusted).Before(dateOf(*t.EndDate)) {
		return fmt.Errorf("%w: adjusted time is past the task end date", ErrValidation)
	}

	t.NextExecutionTime = &adjusted
	t.UpdatedAt = s.clk.Now()
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.wake()
	return nil
}

// RemoveTask destroys a task. A running task is paused first and given a
// short grace period. The task's logs and runner artefacts go with it.
func (s *Scheduler) RemoveTask(taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if t.Status == StatusRunning {
		if err := t.Runner().Pause(); err != nil {
			s.logger.Warn("pause before removal failed", "task_id", taskID, "error", err)
		}
		s.mu.Unlock()
		// Best-effort wait for the in-flight run to notice the switch.
		time.Sleep(removeWait)
		s.mu.Lock()
	}

	delete(s.tasks, taskID)
	s.removeFromIndexLocked(t)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if cerr := t.Runner().Cleanup(); cerr != nil {
		s.logger.Warn("runner cleanup failed", "task_id", taskID, "error", cerr)
	}
	if s.purger != nil {
		if perr := s.purger.RemoveTaskLogs(taskID); perr != nil {
			s.logger.Warn("log purge failed", "task_id", taskID, "error", perr)
		}
	}
	s.logger.Info("task removed", "task_id", taskID)
	return nil
}

// ExecutionReport describes one manual execution.
type ExecutionReport struct {
	TaskID            string     `json:"task_id"`
	StartTime         time.Time  `json:"execution_start_time"`
	EndTime           time.Time  `json:"execution_end_time"`
	DurationSeconds   float64    `json:"duration_seconds"`
	ShouldContinue    bool       `json:"should_continue"`
	Success           bool       `json:"success"`
	Error             string     `json:"error,omitempty"`
	NextExecutionTime *time.Time `json:"next_execution_time,omitempty"`
}

// ExecuteImmediately runs a task now, bypassing the window check but not the
// execution mutex. It fails fast when the task is completed or another task
// is currently running; it never queues.
func (s *Scheduler) ExecuteImmediately(taskID string, updateNext bool) (*ExecutionReport, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if t.Status == StatusCompleted {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: task is completed", ErrConflict)
	}
	if s.running != nil {
		runningID := s.running.TaskID
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s is currently running", ErrConflict, runningID)
	}
	s.mu.Unlock()

	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	if s.running != nil {
		runningID := s.running.TaskID
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s is currently running", ErrConflict, runningID)
	}
	if t.Status == StatusCompleted {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: task is completed", ErrConflict)
	}
	t.Status = StatusRunning
	s.running = t
	s.mu.Unlock()
	s.publishStatusCounts()

	start := s.clk.Now()
	cont, runErr := t.Runner().RunOnce(true)
	end := s.clk.Now()

	s.mu.Lock()
	s.finishRunLocked(t, cont, runErr, updateNext)
	report := &ExecutionReport{
		TaskID:            t.TaskID,
		StartTime:         start,
		EndTime:           end,
		DurationSeconds:   end.Sub(start).Seconds(),
		ShouldContinue:    cont,
		Success:           runErr == nil,
		NextExecutionTime: t.NextExecutionTime,
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	err := s.persistLocked()
	s.mu.Unlock()

	s.observeRun(start, end, runErr)
	if err != nil {
		return report, err
	}
	return report, nil
}

// finishRunLocked applies the post-run state transition. Caller holds mu.
func (s *Scheduler) finishRunLocked(t *TaskInfo, cont bool, runErr error, updateNext bool) {
	now := s.clk.Now()
	t.LastExecutionTime = &now
	t.UpdatedAt = now
	s.running = nil

	switch {
	case t.Runner().Paused():
		t.Status = StatusPaused
		t.NextExecutionTime = nil
	case runErr != nil:
		t.Status = StatusError
		if !t.PastEndDate(now) {
			t.Status = StatusPending
			t.NextExecutionTime = computeNext(now, t)
			if t.NextExecutionTime == nil {
				t.Status = StatusCompleted
			}
		} else {
			t.Status = StatusCompleted
			t.NextExecutionTime = nil
		}
	case !cont:
		t.Status = StatusCompleted
		t.NextExecutionTime = nil
	default:
		if updateNext || t.NextExecutionTime == nil || !t.NextExecutionTime.After(now) {
			t.NextExecutionTime = computeNext(now, t)
		}
		if t.NextExecutionTime == nil {
			t.Status = StatusCompleted
		} else {
			t.Status = StatusPending
		}
	}
}

// Start launches the scheduler loop.
func (s *Scheduler) Start() error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.started {
		return fmt.Errorf("%w: scheduler already started", ErrConflict)
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.started = true
	go s.loop(s.stopCh, s.doneCh)
	s.logger.Info("scheduler started")
	return nil
}

// Stop signals the loop and waits up to 30s for the in-flight run to drain.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.loopMu.Lock()
	if !s.started {
		s.loopMu.Unlock()
		return nil
	}
	close(s.stopCh)
	done := s.doneCh
	s.started = false
	s.loopMu.Unlock()

	select {
	case <-done:
	case <-time.After(stopDrain):
		s.logger.Warn("scheduler stop timed out waiting for loop drain")
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	err := s.persistLocked()
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return err
}

// Started reports whether the loop is running.
func (s *Scheduler) Started() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.started
}

func (s *Scheduler) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		s.metrics.SchedulerTicks.Inc()
		if err := s.tick(stopCh); err != nil {
			s.logger.Error("scheduler tick failed", "error", err, "stack", string(debug.Stack()))
			s.metrics.SchedulerErrors.Inc()
			if !sleepOrStop(stopCh, nil, errorBackoff) {
				return
			}
			continue
		}

		if !sleepOrStop(stopCh, s.wakeCh, s.sleepInterval()) {
			return
		}
	}
}

func sleepOrStop(stopCh chan struct{}, wakeCh chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stopCh:
		return false
	case <-wakeCh:
		return true
	case <-timer.C:
		return true
	}
}

// tick runs every due task once, in (due time, created_at) order.
func (s *Scheduler) tick(stopCh chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler panic: %v", r)
		}
	}()

	now := s.clk.Now()
	s.mu.Lock()
	var ready []*TaskInfo
	for _, t := range s.tasks {
		if t.Status == StatusPending && t.NextExecutionTime != nil && !t.NextExecutionTime.After(now) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if !a.NextExecutionTime.Equal(*b.NextExecutionTime) {
			return a.NextExecutionTime.Before(*b.NextExecutionTime)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	s.mu.Unlock()

	for _, t := range ready {
		select {
		case <-stopCh:
			return nil
		default:
		}
		s.runScheduled(t.TaskID)
	}
	return nil
}

// runScheduled executes one loop-selected task under the execution mutex.
func (s *Scheduler) runScheduled(taskID string) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.execMu.Lock()
	defer s.execMu.Unlock()

	s.mu.Lock()
	t, ok = s.tasks[taskID]
	if !ok || t.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	t.Status = StatusRunning
	s.running = t
	s.mu.Unlock()
	s.publishStatusCounts()

	s.logger.Info("executing task", "task_id", t.TaskID, "account_id", t.AccountID)
	start := s.clk.Now()
	cont, runErr := t.Runner().RunOnce(false)
	end := s.clk.Now()
	if runErr != nil {
		s.logger.Error("task execution failed", "task_id", t.TaskID, "error", runErr)
	}

	s.mu.Lock()
	s.finishRunLocked(t, cont, runErr, false)
	if err := s.persistLocked(); err != nil {
		s.logger.Error("persist after run failed", "task_id", t.TaskID, "error", err)
	}
	s.mu.Unlock()

	s.observeRun(start, end, runErr)
}

func (s *Scheduler) observeRun(start, end time.Time, runErr error) {
	result := "success"
	if runErr != nil {
		result = "error"
	}
	s.metrics.TaskExecutions.WithLabelValues(result).Inc()
	s.metrics.ExecutionDuration.Observe(end.Sub(start).Seconds())
	s.publishStatusCounts()
}

// sleepInterval is the time until the earliest pending due time, capped.
func (s *Scheduler) sleepInterval() time.Duration {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	sleep := maxSleep
	for _, t := range s.tasks {
		if t.Status != StatusPending || t.NextExecutionTime == nil {
			continue
		}
		until := t.NextExecutionTime.Sub(now)
		if until < sleep {
			sleep = until
		}
	}
	if sleep < time.Second {
		sleep = time.Second
	}
	return sleep
}

// GetTask returns the task with the given id.
func (s *Scheduler) GetTask(taskID string) (*TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return t, nil
}

// ListTasks returns tasks, optionally filtered by account, sorted by due
// time (nil last) then creation time.
func (s *Scheduler) ListTasks(accountID string) []*TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		if accountID != "" && t.AccountID != accountID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.NextExecutionTime == nil && b.NextExecutionTime == nil:
		case a.NextExecutionTime == nil:
			return false
		case b.NextExecutionTime == nil:
			return true
		case !a.NextExecutionTime.Equal(*b.NextExecutionTime):
			return a.NextExecutionTime.Before(*b.NextExecutionTime)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return out
}

// TaskCount returns the number of registered tasks.
func (s *Scheduler) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// StatusCounts returns the per-status task tally.
func (s *Scheduler) StatusCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range s.tasks {
		counts[string(t.Status)]++
	}
	return counts
}

// RunningTask returns the task currently holding the execution mutex, if any.
func (s *Scheduler) RunningTask() *TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) publishStatusCounts() {
	s.metrics.SetStatusCounts(s.StatusCounts())
}

func (s *Scheduler) persistLocked() error {
	tasks := make([]*TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return s.store.Save(tasks, s.accountTasks)
}

func (s *Scheduler) removeFromIndexLocked(t *TaskInfo) {
	ids := s.accountTasks[t.AccountID]
	for i, id := range ids {
		if id == t.TaskID {
			s.accountTasks[t.AccountID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.accountTasks[t.AccountID]) == 0 {
		delete(s.accountTasks, t.AccountID)
	}
}

func (s *Scheduler) pruneIndexLocked() {
	for account, ids := range s.accountTasks {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := s.tasks[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.accountTasks, account)
		} else {
			s.accountTasks[account] = kept
		}
	}
}

// wake nudges the loop to re-evaluate its sleep after a registry change.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}
