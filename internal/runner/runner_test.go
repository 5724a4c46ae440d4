package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noteops/internal/clock"
	"noteops/internal/dispatcher"
	"noteops/internal/logcollect"
	"noteops/internal/observability"
	"noteops/internal/paths"
	"noteops/internal/sidecar"
)

type fakeProcess struct {
	dir string
	err error
}

func (f *fakeProcess) EnsureRunning(ctx context.Context, sysType string) error { return f.err }
func (f *fakeProcess) BinDir() string                                          { return f.dir }

type fakeLogin struct {
	loggedIn bool
	err      error
	calls    int
}

func (f *fakeLogin) CheckLogin(ctx context.Context, accountID string, force bool) (sidecar.LoginStatus, error) {
	f.calls++
	if f.err != nil {
		return sidecar.LoginStatus{}, f.err
	}
	return sidecar.LoginStatus{LoggedIn: f.loggedIn, CheckedAt: time.Now()}, nil
}

type fakeAgent struct {
	mu         sync.Mutex
	interacts  int
	publishes  int
	interactEr error
	publishEr  error
}

func (f *fakeAgent) Interact(ctx context.Context, task *dispatcher.TaskInfo, noteCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interacts++
	return f.interactEr
}

func (f *fakeAgent) Publish(ctx context.Context, task *dispatcher.TaskInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishes++
	return f.publishEr
}

type fixture struct {
	runner  *Runner
	task    *dispatcher.TaskInfo
	layout  paths.Layout
	process *fakeProcess
	login   *fakeLogin
	agent   *fakeAgent
	clk     *clock.Fake
	logs    *logcollect.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	layout := paths.New(t.TempDir())
	clk := clock.NewFake(time.Date(2025, 3, 1, 10, 0, 0, 0, time.Local))
	logs := logcollect.New(layout.LogsDir(), observability.NopLogger())

	task := dispatcher.NewTaskInfo("acc-1", "Account One", sidecar.SysMacSilicon, clk.Now())
	task.Kwargs["topic"] = "coffee"

	f := &fixture{
		task:    task,
		layout:  layout,
		process: &fakeProcess{dir: t.TempDir()},
		login:   &fakeLogin{loggedIn: true},
		agent:   &fakeAgent{},
		clk:     clk,
		logs:    logs,
	}
	r, err := New(task, Deps{
		Layout:    layout,
		Clock:     clk,
		Logger:    observability.NopLogger(),
		Collector: logs,
		Process:   f.process,
		Login:     f.login,
		Courier:   sidecar.NewCourier(layout, observability.NopLogger()),
		Agent:     f.agent,
	})
	require.NoError(t, err)
	f.runner = r
	return f
}

func (f *fixture) writeAccountCookies(t *testing.T, content string) {
	t.Helper()
	path, err := f.layout.AccountCookiesFile("acc-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSwitchRoundTrip(t *testing.T) {
	sw := NewSwitch(filepath.Join(t.TempDir(), "t-1_task_switch"))

	assert.False(t, sw.Paused())
	require.NoError(t, sw.Pause())
	assert.True(t, sw.Paused())

	// A fresh switch on the same directory sees the persisted state.
	sw2 := NewSwitch(sw.dir)
	assert.True(t, sw2.Paused())

	require.NoError(t, sw.Resume())
	assert.False(t, sw.Paused())

	require.NoError(t, sw.Remove())
	assert.False(t, sw.Paused())
}

func TestRunOnceStandardMode(t *testing.T) {
	f := newFixture(t)
	f.writeAccountCookies(t, `{"session":"abc"}`)

	cont, err := f.runner.RunOnce(false)
	require.NoError(t, err)
	assert.True(t, cont)

	assert.Equal(t, 1, f.agent.interacts)
	assert.Equal(t, 1, f.agent.publishes)

	// Login verdict cached on the task and in the context.
	require.NotNil(t, f.task.LoginStatus)
	assert.True(t, *f.task.LoginStatus)
	v, ok := f.runner.Context().Get("login_status")
	require.True(t, ok)
	assert.Equal(t, true, v)

	// Cookies were dispatched and swapped back out.
	_, err = os.Stat(filepath.Join(f.process.dir, sidecar.CookieFileName))
	assert.True(t, os.IsNotExist(err))

	// The round was recorded and the step counter advanced.
	assert.Equal(t, 2, f.runner.Context().StepID())
	_, ok = f.runner.Context().Get("step.1.completed_at")
	assert.True(t, ok)
}

func TestRunOnceModeSelection(t *testing.T) {
	f := newFixture(t)
	f.writeAccountCookies(t, "x")

	f.task.Mode = dispatcher.ModeInteraction
	_, err := f.runner.RunOnce(false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.agent.interacts)
	assert.Zero(t, f.agent.publishes)

	f.task.Mode = dispatcher.ModePublish
	_, err = f.runner.RunOnce(false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.agent.interacts)
	assert.Equal(t, 1, f.agent.publishes)
}

func TestRunOnceEndDate(t *testing.T) {
	f := newFixture(t)
	end := f.clk.Now().AddDate(0, 0, -1)
	f.task.EndDate = &end

	cont, err := f.runner.RunOnce(false)
	require.NoError(t, err)
	assert.False(t, cont)
	assert.Zero(t, f.login.calls)
}

func TestRunOncePaused(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.runner.Pause())

	cont, err := f.runner.RunOnce(false)
	require.NoError(t, err)
	assert.True(t, cont)
	assert.Zero(t, f.agent.interacts)
	assert.Zero(t, f.login.calls)
}

func TestRunOnceWindowCheck(t *testing.T) {
	f := newFixture(t)
	f.writeAccountCookies(t, "x")
	f.task.Window = &clock.Window{Start: 12, End: 18}

	// 10:00 is outside [12,18].
	cont, err := f.runner.RunOnce(false)
	require.NoError(t, err)
	assert.True(t, cont)
	assert.Zero(t, f.agent.interacts)

	// Manual execution bypasses the window.
	cont, err = f.runner.RunOnce(true)
	require.NoError(t, err)
	assert.True(t, cont)
	assert.Equal(t, 1, f.agent.interacts)
}

func TestRunOnceSidecarUnavailable(t *testing.T) {
	f := newFixture(t)
	f.process.err = sidecar.ErrUnavailable

	cont, err := f.runner.RunOnce(false)
	assert.True(t, cont)
	assert.ErrorIs(t, err, sidecar.ErrUnavailable)
	assert.Zero(t, f.agent.interacts)
}

func TestRunOnceMissingCookiesClearsJar(t *testing.T) {
	f := newFixture(t)

	// A stale jar sits in the sidecar dir; no account cookies exist.
	stale := filepath.Join(f.process.dir, sidecar.CookieFileName)
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))

	cont, err := f.runner.RunOnce(false)
	require.NoError(t, err)
	assert.True(t, cont)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	// The login flow still ran.
	assert.Equal(t, 1, f.login.calls)
}

func TestRunOnceNotLoggedInSkipsPhases(t *testing.T) {
	f := newFixture(t)
	f.writeAccountCookies(t, "x")
	f.login.loggedIn = false

	cont, err := f.runner.RunOnce(false)
	require.NoError(t, err)
	assert.True(t, cont)
	assert.Zero(t, f.agent.interacts)
	assert.Zero(t, f.agent.publishes)

	require.NotNil(t, f.task.LoginStatus)
	assert.False(t, *f.task.LoginStatus)
}

func TestRunOnceAgentFailureContinues(t *testing.T) {
	f := newFixture(t)
	f.writeAccountCookies(t, "x")
	f.agent.interactEr = errors.New("llm timeout")
	f.agent.publishEr = errors.New("upload rejected")

	cont, err := f.runner.RunOnce(false)
	require.NoError(t, err)
	assert.True(t, cont)

	// Failures surfaced in the task log.
	entries, gerr := f.logs.Get(f.task.TaskID, logcollect.BindTask, nil, []string{"ERROR"}, 0)
	require.NoError(t, gerr)
	assert.Len(t, entries, 2)
}

func TestReloadParamsFromContext(t *testing.T) {
	f := newFixture(t)
	f.writeAccountCookies(t, "x")

	require.NoError(t, f.runner.Context().UpdateMeta(map[string]any{
		"mode":                   "publish",
		"interaction_note_count": float64(4),
	}))

	_, err := f.runner.RunOnce(false)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.ModePublish, f.task.Mode)
	assert.Equal(t, 4, f.task.InteractionNoteCount)
	assert.Zero(t, f.agent.interacts)
	assert.Equal(t, 1, f.agent.publishes)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.runner.Pause())

	require.NoError(t, f.runner.Cleanup())

	_, err := os.Stat(f.layout.TaskSwitchDir(f.task.TaskID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.layout.TaskMetaFile(f.task.TaskID))
	assert.True(t, os.IsNotExist(err))
}
