package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"noteops/internal/clock"
	"noteops/internal/dispatcher"
	"noteops/internal/logcollect"
	"noteops/internal/observability"
	"noteops/internal/paths"
	"noteops/internal/sidecar"
	"noteops/internal/taskctx"
)

const runTimeout = 30 * time.Minute

// Agent performs the mode-selected automation phases against the sidecar.
// Agent failures are business failures: the run logs them and continues.
type Agent interface {
	Interact(ctx context.Context, task *dispatcher.TaskInfo, noteCount int) error
	Publish(ctx context.Context, task *dispatcher.TaskInfo) error
}

// SidecarProcess is the slice of the sidecar manager the runner needs.
type SidecarProcess interface {
	EnsureRunning(ctx context.Context, sysType string) error
	BinDir() string
}

// LoginChecker is the slice of the sidecar client the runner needs.
type LoginChecker interface {
	CheckLogin(ctx context.Context, accountID string, force bool) (sidecar.LoginStatus, error)
}

// Deps are the collaborators shared by all runners.
type Deps struct {
	Layout    paths.Layout
	Clock     clock.Clock
	Logger    *observability.Logger
	Collector *logcollect.Collector
	Process   SidecarProcess
	Login     LoginChecker
	Courier   *sidecar.Courier
	Agent     Agent
}

// Runner drives one task's execution cycle. It reads cadence and mode
// through its TaskInfo pointer at the top of every run so edits apply
// without reconstruction.
type Runner struct {
	task   *dispatcher.TaskInfo
	sw     *Switch
	ctxs   *taskctx.Store
	deps   Deps
	logger *observability.Logger
}

// NewFactory returns the RunnerFactory the scheduler uses to build runners
// on task creation and on state reload.
func NewFactory(deps Deps) dispatcher.RunnerFactory {
	return func(task *dispatcher.TaskInfo) (dispatcher.TaskRunner, error) {
		return New(task, deps)
	}
}

// New builds a runner for the task, creating its context document when
// absent.
func New(task *dispatcher.TaskInfo, deps Deps) (*Runner, error) {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}

	logger := deps.Logger.With("task_id", task.TaskID, "account_id", task.AccountID)
	if deps.Collector != nil {
		logger = deps.Logger.
			WithSink(deps.Collector.SinkFor(task.TaskID, logcollect.BindTask)).
			With("task_id", task.TaskID, "account_id", task.AccountID)
	}

	ctxs := taskctx.NewStore(deps.Layout.TaskMetaFile(task.TaskID), task.TaskID, deps.Logger)
	// Mode and note count are deliberately absent here: the context only
	// carries them when something overrides them, and reloadParams treats
	// their presence as an override.
	meta := map[string]any{
		"account_id":   task.AccountID,
		"account_name": task.AccountName,
	}
	for k, v := range task.Kwargs {
		meta[k] = v
	}
	if err := ctxs.CreateNew(meta); err != nil {
		return nil, fmt.Errorf("initialise task context: %w", err)
	}

	return &Runner{
		task:   task,
		sw:     NewSwitch(deps.Layout.TaskSwitchDir(task.TaskID)),
		ctxs:   ctxs,
		deps:   deps,
		logger: logger,
	}, nil
}

// Pause flips the durable pause switch on.
func (r *Runner) Pause() error { return r.sw.Pause() }

// Resume flips the durable pause switch off.
func (r *Runner) Resume() error { return r.sw.Resume() }

// Paused reads the durable pause switch.
func (r *Runner) Paused() bool { return r.sw.Paused() }

// Cleanup removes the runner's on-disk artefacts when its task is destroyed.
func (r *Runner) Cleanup() error {
	if err := r.sw.Remove(); err != nil {
		return err
	}
	return r.ctxs.Remove()
}

// Context exposes the task's context store for the API layer.
func (r *Runner) Context() *taskctx.Store { return r.ctxs }

// RunOnce performs one execution cycle. It returns false only when the task
// has reached its end date; action failures log at ERROR and still continue.
// Infrastructure failures (sidecar unavailable) propagate as the error.
func (r *Runner) RunOnce(skipWindowCheck bool) (bool, error) {
	now := r.deps.Clock.Now()
	if r.task.PastEndDate(now) {
		r.logger.Info("end date reached, task complete", "module", "runner", "function", "RunOnce")
		return false, nil
	}

	r.reloadParams()

	if r.sw.Paused() {
		r.logger.Info("task paused, skipping cycle", "module", "runner", "function", "RunOnce")
		return true, nil
	}
	if !skipWindowCheck && !clock.InWindow(now, r.task.Window) {
		r.logger.Info("outside execution window, skipping cycle",
			"module", "runner", "function", "RunOnce", "hour", now.Hour())
		return true, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if err := r.deps.Process.EnsureRunning(ctx, r.task.SysType); err != nil {
		return true, fmt.Errorf("ensure sidecar: %w", err)
	}

	sidecarDir := r.deps.Process.BinDir()
	defer r.deps.Courier.CloseTask(r.task.AccountID, sidecarDir)
	defer r.bumpRound()

	r.dispatchCookies(sidecarDir)

	loggedIn := r.checkLogin(ctx, now)
	if !loggedIn {
		r.logger.Warn("account not logged in, skipping work phases",
			"module", "runner", "function", "RunOnce")
		return true, nil
	}

	r.runPhases(ctx)
	return true, nil
}

// reloadParams hot-swaps mode and note count from the context document so
// edits made through the context apply at the next run.
func (r *Runner) reloadParams() {
	if v, ok := r.ctxs.Get("mode"); ok {
		if s, ok := v.(string); ok && dispatcher.ValidMode(dispatcher.Mode(s)) {
			r.task.Mode = dispatcher.Mode(s)
		}
	}
	if v, ok := r.ctxs.Get("interaction_note_count"); ok {
		switch n := v.(type) {
		case int:
			r.task.InteractionNoteCount = dispatcher.ClampNoteCount(n)
		case float64:
			r.task.InteractionNoteCount = dispatcher.ClampNoteCount(int(n))
		}
	}
}

// dispatchCookies swaps the account's jar into the sidecar. A missing or
// empty jar is not fatal: the sidecar copy is cleared and the run proceeds
// to the login flow.
func (r *Runner) dispatchCookies(sidecarDir string) {
	src, err := r.deps.Layout.AccountCookiesFile(r.task.AccountID)
	if err != nil {
		r.logger.Warn("account cookie dir unavailable", "module", "runner", "error", err.Error())
		return
	}
	if info, err := os.Stat(src); err != nil || info.Size() == 0 {
		r.logger.Warn("no account cookies, clearing sidecar jar",
			"module", "runner", "function", "dispatchCookies")
		if cerr := r.deps.Courier.Clear(sidecarDir); cerr != nil {
			r.logger.Warn("clearing sidecar jar failed", "module", "runner", "error", cerr.Error())
		}
		return
	}
	if err := r.deps.Courier.Dispatch(src, sidecarDir); err != nil {
		r.logger.Warn("cookie dispatch failed", "module", "runner", "error", err.Error())
	}
}

// checkLogin probes the session and caches the verdict on the task and in
// the context document.
func (r *Runner) checkLogin(ctx context.Context, now time.Time) bool {
	st, err := r.deps.Login.CheckLogin(ctx, r.task.AccountID, true)
	if err != nil {
		r.logger.Warn("login check failed", "module", "runner", "error", err.Error())
		return false
	}

	r.task.LoginStatus = &st.LoggedIn
	r.task.LoginStatusCheckedAt = &now
	if err := r.ctxs.UpdateMeta(map[string]any{
		"login_status":            st.LoggedIn,
		"login_status_checked_at": now.Format(time.RFC3339),
	}); err != nil {
		r.logger.Warn("caching login verdict failed", "module", "runner", "error", err.Error())
	}
	return st.LoggedIn
}

// runPhases performs the mode-selected work. Phase failures are transient:
// logged at ERROR, never propagated.
func (r *Runner) runPhases(ctx context.Context) {
	mode := r.task.Mode
	if mode == dispatcher.ModeStandard || mode == dispatcher.ModeInteraction {
		if err := r.deps.Agent.Interact(ctx, r.task, r.task.InteractionNoteCount); err != nil {
			r.logger.Error("interaction phase failed",
				"module", "runner", "function", "runPhases", "error", err.Error())
		}
	}
	if mode == dispatcher.ModeStandard || mode == dispatcher.ModePublish {
		if err := r.deps.Agent.Publish(ctx, r.task); err != nil {
			r.logger.Error("publish phase failed",
				"module", "runner", "function", "runPhases", "error", err.Error())
		}
	}
}

// bumpRound records the finished cycle in the context step log.
func (r *Runner) bumpRound() {
	if err := r.ctxs.Save(map[string]any{
		"completed_at": r.deps.Clock.Now().Format(time.RFC3339),
		"mode":         string(r.task.Mode),
	}, 0); err != nil {
		r.logger.Warn("recording run step failed", "module", "runner", "error", err.Error())
		return
	}
	if _, err := r.ctxs.NextStep(); err != nil {
		r.logger.Warn("advancing step counter failed", "module", "runner", "error", err.Error())
	}
}
