// Package dispatcher owns the task registry: the TaskInfo model, the durable
// store, and the scheduler loop that serialises executions.
package dispatcher

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"noteops/internal/clock"
)

var (
	ErrNotFound   = errors.New("task not found")
	ErrConflict   = errors.New("task conflict")
	ErrValidation = errors.New("invalid task parameters")
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Mode selects which run phases the runner performs.
type Mode string

const (
	ModeStandard    Mode = "standard"
	ModeInteraction Mode = "interaction"
	ModePublish     Mode = "publish"
)

// ValidMode reports whether m is a known mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeStandard, ModeInteraction, ModePublish:
		return true
	}
	return false
}

// TaskTypeXHS is the only supported task type.
const TaskTypeXHS = "xhs_type"

const (
	DefaultIntervalSeconds = 3600
	DefaultNoteCount       = 3
	MinNoteCount           = 1
	MaxNoteCount           = 5
)

// TaskRunner is the per-task execution collaborator the scheduler drives.
// RunOnce performs one cycle of work and reports whether the task should
// keep running. Pause and Resume flip the runner's durable pause switch.
type TaskRunner interface {
	RunOnce(skipWindowCheck bool) (bool, error)
	Pause() error
	Resume() error
	Paused() bool
	Cleanup() error
}

// RunnerFactory constructs a runner for a task. The runner reads cadence and
// mode through the TaskInfo pointer so edits take effect at the next run.
type RunnerFactory func(task *TaskInfo) (TaskRunner, error)

// TaskInfo is one scheduled automation task bound to an external account.
type TaskInfo struct {
	TaskID      string `json:"task_id"`
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	TaskType    string `json:"task_type"`
	Status      Status `json:"status"`

	IntervalSeconds      int           `json:"interval_seconds"`
	Window               *clock.Window `json:"valid_time_range,omitempty"`
	EndDate              *time.Time    `json:"task_end_time,omitempty"`
	Mode                 Mode          `json:"mode"`
	InteractionNoteCount int           `json:"interaction_note_count"`

	LastExecutionTime *time.Time `json:"last_execution_time,omitempty"`
	NextExecutionTime *time.Time `json:"next_execution_time,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	LoginStatus          *bool      `json:"login_status,omitempty"`
	LoginStatusCheckedAt *time.Time `json:"login_status_checked_at,omitempty"`

	Kwargs  map[string]any `json:"kwargs"`
	SysType string         `json:"sys_type"`

	runner TaskRunner
}

// NewTaskInfo builds a task with defaults applied and a fresh id.
func NewTaskInfo(accountID, accountName, sysType string, now time.Time) *TaskInfo {
	return &TaskInfo{
		TaskID:               uuid.NewString(),
		AccountID:            accountID,
		AccountName:          accountName,
		TaskType:             TaskTypeXHS,
		Status:               StatusPending,
		IntervalSeconds:      DefaultIntervalSeconds,
		Mode:                 ModeStandard,
		InteractionNoteCount: DefaultNoteCount,
		CreatedAt:            now,
		UpdatedAt:            now,
		Kwargs:               make(map[string]any),
		SysType:              sysType,
	}
}

// ClampNoteCount forces n into the allowed range, defaulting when unset.
func ClampNoteCount(n int) int {
	if n == 0 {
		return DefaultNoteCount
	}
	if n < MinNoteCount {
		return MinNoteCount
	}
	if n > MaxNoteCount {
		return MaxNoteCount
	}
	return n
}

// PastEndDate reports whether now's local date has reached the end date.
func (t *TaskInfo) PastEndDate(now time.Time) bool {
	if t.EndDate == nil {
		return false
	}
	return !dateOf(now).Before(dateOf(*t.EndDate))
}

// Runner returns the task's execution collaborator.
func (t *TaskInfo) Runner() TaskRunner { return t.runner }

// SetRunner binds the execution collaborator. Called on create and on load.
func (t *TaskInfo) SetRunner(r TaskRunner) { t.runner = r }

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
