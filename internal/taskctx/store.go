// Package taskctx stores the per-task durable context document: free-form
// meta plus an ordered step log, written atomically on every mutation.
package taskctx

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"noteops/internal/infra/filestore"
	"noteops/internal/observability"
)

const stepKey = "step"

// document is the on-disk shape.
type document struct {
	TaskID      string         `json:"task_id"`
	StepID      int            `json:"step_id"`
	Meta        map[string]any `json:"meta"`
	LastUpdated string         `json:"last_updated"`
}

// Store owns one task's context document. All methods are safe for
// concurrent use; every mutation rewrites the whole file atomically.
type Store struct {
	path   string
	taskID string
	logger *observability.Logger

	mu  sync.Mutex
	doc document
}

// NewStore binds a store to the document file for taskID. The file is not
// touched until CreateNew or Load.
func NewStore(path, taskID string, logger *observability.Logger) *Store {
	return &Store{
		path:   path,
		taskID: taskID,
		logger: logger.With("task_id", taskID),
	}
}

// CreateNew initialises a fresh document with the given meta. If a document
// already exists on disk it refuses to overwrite: it logs and loads the
// existing one instead.
func (s *Store) CreateNew(meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err == nil {
		s.logger.Info("context document already exists, loading instead", "path", s.path)
		return s.loadLocked()
	}

	if meta == nil {
		meta = make(map[string]any)
	}
	if _, ok := meta[stepKey]; !ok {
		meta[stepKey] = []any{}
	}
	s.doc = document{
		TaskID: s.taskID,
		StepID: 1,
		Meta:   meta,
	}
	return s.persistLocked()
}

// Load reads the document from disk.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	data, err := filestore.ReadFileOrEmpty(s.path)
	if err != nil {
		return fmt.Errorf("read context document: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("context document not found: %s", s.path)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse context document: %w", err)
	}
	if doc.Meta == nil {
		doc.Meta = make(map[string]any)
	}
	if doc.StepID < 1 {
		doc.StepID = 1
	}
	s.doc = doc
	return nil
}

// Save records data under the step with the given id: an existing record is
// updated in place, otherwise a new one is appended. stepID 0 means the
// current step.
func (s *Store) Save(data map[string]any, stepID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stepID == 0 {
		stepID = s.doc.StepID
	}
	now := time.Now().Format(time.RFC3339)

	steps := s.stepsLocked()
	updated := false
	for _, rec := range steps {
		if stepIDOf(rec) != stepID {
			continue
		}
		for k, v := range data {
			rec[k] = v
		}
		rec["updated_at"] = now
		updated = true
		break
	}
	if !updated {
		rec := map[string]any{
			"step_id":    stepID,
			"created_at": now,
			"updated_at": now,
		}
		for k, v := range data {
			rec[k] = v
		}
		steps = append(steps, rec)
	}

	s.setStepsLocked(steps)
	return s.persistLocked()
}

// UpdateMeta merges fields into the document meta.
func (s *Store) UpdateMeta(fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range fields {
		s.doc.Meta[k] = v
	}
	return s.persistLocked()
}

// Get resolves a dot-separated path inside the document meta. A path of the
// form "step.<n>.rest" selects the step record with step_id n first.
func (s *Store) Get(path string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := strings.Split(path, ".")
	if len(parts) >= 2 && parts[0] == stepKey {
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, false
		}
		for _, rec := range s.stepsLocked() {
			if stepIDOf(rec) == n {
				if len(parts) == 2 {
					return rec, true
				}
				return walk(rec, parts[2:])
			}
		}
		return nil, false
	}
	return walk(s.doc.Meta, parts)
}

// NextStep advances and persists the step counter, returning the new value.
func (s *Store) NextStep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.StepID++
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return s.doc.StepID, nil
}

// StepID returns the current step counter.
func (s *Store) StepID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StepID
}

// Meta returns a shallow copy of the document meta.
func (s *Store) Meta() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.doc.Meta))
	for k, v := range s.doc.Meta {
		out[k] = v
	}
	return out
}

// Remove deletes the document file.
func (s *Store) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) stepsLocked() []map[string]any {
	raw, _ := s.doc.Meta[stepKey].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if rec, ok := item.(map[string]any); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Store) setStepsLocked(steps []map[string]any) {
	raw := make([]any, len(steps))
	for i, rec := range steps {
		raw[i] = rec
	}
	s.doc.Meta[stepKey] = raw
}

func (s *Store) persistLocked() error {
	s.doc.LastUpdated = time.Now().Format(time.RFC3339)
	data, err := filestore.MarshalJSONIndent(s.doc)
	if err != nil {
		return fmt.Errorf("marshal context document: %w", err)
	}
	if err := filestore.AtomicWrite(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write context document: %w", err)
	}
	return nil
}

func stepIDOf(rec map[string]any) int {
	switch v := rec["step_id"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return -1
	}
}

func walk(node any, parts []string) (any, bool) {
	cur := node
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
