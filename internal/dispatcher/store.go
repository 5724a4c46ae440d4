package dispatcher

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"noteops/internal/clock"
	"noteops/internal/infra/filestore"
	"noteops/internal/observability"
)

const (
	storeVersion = "1.0"
	dateLayout   = "2006-01-02"
)

// taskRecord is the wire form of a TaskInfo: plain fields only, timestamps as
// RFC3339 strings, the end date as a calendar date. The runtime runner is
// omitted and reconstructed from kwargs + sys_type on load.
type taskRecord struct {
	TaskID               string         `json:"task_id"`
	AccountID            string         `json:"account_id"`
	AccountName          string         `json:"account_name"`
	TaskType             string         `json:"task_type"`
	Status               string         `json:"status"`
	IntervalSeconds      int            `json:"interval_seconds"`
	ValidTimeRange       []int          `json:"valid_time_range,omitempty"`
	TaskEndTime          string         `json:"task_end_time,omitempty"`
	Mode                 string         `json:"mode"`
	InteractionNoteCount int            `json:"interaction_note_count"`
	LastExecutionTime    string         `json:"last_execution_time,omitempty"`
	NextExecutionTime    string         `json:"next_execution_time,omitempty"`
	CreatedAt            string         `json:"created_at"`
	UpdatedAt            string         `json:"updated_at"`
	LoginStatus          *bool          `json:"login_status,omitempty"`
	LoginStatusCheckedAt string         `json:"login_status_checked_at,omitempty"`
	Kwargs               map[string]any `json:"kwargs"`
	SysType              string         `json:"sys_type"`
}

type document struct {
	Version      string              `json:"version"`
	SavedAt      string              `json:"saved_at"`
	Tasks        []json.RawMessage   `json:"tasks"`
	AccountTasks map[string][]string `json:"account_tasks"`
}

// Store persists the whole task registry as one JSON document, single writer.
type Store struct {
	path   string
	logger *observability.Logger

	mu sync.Mutex
}

func NewStore(path string, logger *observability.Logger) *Store {
	return &Store{path: path, logger: logger.With("module", "dispatcher_store")}
}

// Save writes the registry atomically.
func (s *Store) Save(tasks []*TaskInfo, accountTasks map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := document{
		Version:      storeVersion,
		SavedAt:      time.Now().Format(time.RFC3339),
		Tasks:        make([]json.RawMessage, 0, len(tasks)),
		AccountTasks: accountTasks,
	}
	if doc.AccountTasks == nil {
		doc.AccountTasks = make(map[string][]string)
	}
	for _, t := range tasks {
		raw, err := json.Marshal(toRecord(t))
		if err != nil {
			return fmt.Errorf("serialise task %s: %w", t.TaskID, err)
		}
		doc.Tasks = append(doc.Tasks, raw)
	}

	data, err := filestore.MarshalJSONIndent(doc)
	if err != nil {
		return fmt.Errorf("marshal dispatcher state: %w", err)
	}
	if err := filestore.AtomicWrite(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write dispatcher state: %w", err)
	}
	return nil
}

// Load reads the registry. Tasks persisted as running come back pending (the
// owning process died mid-run); entries that fail to decode are logged and
// skipped so one corrupt record never takes down the rest.
func (s *Store) Load() ([]*TaskInfo, map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := filestore.ReadFileOrEmpty(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read dispatcher state: %w", err)
	}
	if len(data) == 0 {
		return nil, make(map[string][]string), nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse dispatcher state: %w", err)
	}

	tasks := make([]*TaskInfo, 0, len(doc.Tasks))
	for i, raw := range doc.Tasks {
		t, err := decodeRecord(raw)
		if err != nil {
			s.logger.Warn("skipping corrupt task record", "index", i, "error", err)
			continue
		}
		if t.Status == StatusRunning {
			t.Status = StatusPending
		}
		tasks = append(tasks, t)
	}

	index := doc.AccountTasks
	if index == nil {
		index = make(map[string][]string)
	}
	return tasks, index, nil
}

func toRecord(t *TaskInfo) taskRecord {
	rec := taskRecord{
		TaskID:               t.TaskID,
		AccountID:            t.AccountID,
		AccountName:          t.AccountName,
		TaskType:             t.TaskType,
		Status:               string(t.Status),
		IntervalSeconds:      t.IntervalSeconds,
		ValidTimeRange:       t.Window.Pair(),
		Mode:                 string(t.Mode),
		InteractionNoteCount: t.InteractionNoteCount,
		CreatedAt:            t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            t.UpdatedAt.Format(time.RFC3339),
		LoginStatus:          t.LoginStatus,
		Kwargs:               t.Kwargs,
		SysType:              t.SysType,
	}
	if t.EndDate != nil {
		rec.TaskEndTime = t.EndDate.Format(dateLayout)
	}
	if t.LastExecutionTime != nil {
		rec.LastExecutionTime = t.LastExecutionTime.Format(time.RFC3339)
	}
	if t.NextExecutionTime != nil {
		rec.NextExecutionTime = t.NextExecutionTime.Format(time.RFC3339)
	}
	if t.LoginStatusCheckedAt != nil {
		rec.LoginStatusCheckedAt = t.LoginStatusCheckedAt.Format(time.RFC3339)
	}
	return rec
}

func decodeRecord(raw json.RawMessage) (*TaskInfo, error) {
	var rec taskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.TaskID == "" {
		return nil, fmt.Errorf("missing task_id")
	}
	status := Status(rec.Status)
	switch status {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusError:
	default:
		return nil, fmt.Errorf("unknown status %q", rec.Status)
	}
	mode := Mode(rec.Mode)
	if !ValidMode(mode) {
		return nil, fmt.Errorf("unknown mode %q", rec.Mode)
	}
	window, err := clock.WindowFromPair(rec.ValidTimeRange)
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	t := &TaskInfo{
		TaskID:               rec.TaskID,
		AccountID:            rec.AccountID,
		AccountName:          rec.AccountName,
		TaskType:             rec.TaskType,
		Status:               status,
		IntervalSeconds:      rec.IntervalSeconds,
		Window:               window,
		Mode:                 mode,
		InteractionNoteCount: ClampNoteCount(rec.InteractionNoteCount),
		CreatedAt:            createdAt,
		UpdatedAt:            updatedAt,
		LoginStatus:          rec.LoginStatus,
		Kwargs:               rec.Kwargs,
		SysType:              rec.SysType,
	}
	if t.Kwargs == nil {
		t.Kwargs = make(map[string]any)
	}
	if rec.TaskEndTime != "" {
		end, err := time.ParseInLocation(dateLayout, rec.TaskEndTime, time.Local)
		if err != nil {
			return nil, fmt.Errorf("parse task_end_time: %w", err)
		}
		t.EndDate = &end
	}
	if rec.LastExecutionTime != "" {
		last, err := time.Parse(time.RFC3339, rec.LastExecutionTime)
		if err != nil {
			return nil, fmt.Errorf("parse last_execution_time: %w", err)
		}
		t.LastExecutionTime = &last
	}
	if rec.NextExecutionTime != "" {
		next, err := time.Parse(time.RFC3339, rec.NextExecutionTime)
		if err != nil {
			return nil, fmt.Errorf("parse next_execution_time: %w", err)
		}
		t.NextExecutionTime = &next
	}
	if rec.LoginStatusCheckedAt != "" {
		checked, err := time.Parse(time.RFC3339, rec.LoginStatusCheckedAt)
		if err == nil {
			t.LoginStatusCheckedAt = &checked
		}
	}
	return t, nil
}
