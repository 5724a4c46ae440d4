// Package logcollect persists per-task log entries as jsonl files with a
// rolling retention cap and serves filtered reads plus a live subscriber feed.
package logcollect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"noteops/internal/infra/filestore"
	"noteops/internal/observability"
)

// Bind types group a task's log files by audience.
const (
	BindTask   = "task_log"
	BindSystem = "system_log"
	BindAccess = "access_log"
	BindError  = "error_log"
)

var bindTypes = []string{BindTask, BindSystem, BindAccess, BindError}

// DefaultMaxEntries is the rolling per-file retention cap.
const DefaultMaxEntries = 1000

// Entry is one log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Module    string    `json:"module"`
	Function  string    `json:"function"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id"`
	BindType  string    `json:"bindtype"`
}

// Collector owns the log tree at <base>/<bindtype>/<task_id>.jsonl.
type Collector struct {
	baseDir    string
	maxEntries int
	logger     *observability.Logger

	mu   sync.Mutex
	subs map[string][]chan Entry
}

// New returns a collector rooted at baseDir with the default retention cap.
func New(baseDir string, logger *observability.Logger) *Collector {
	return &Collector{
		baseDir:    baseDir,
		maxEntries: DefaultMaxEntries,
		logger:     logger,
		subs:       make(map[string][]chan Entry),
	}
}

// WithMaxEntries overrides the retention cap. Intended for tests.
func (c *Collector) WithMaxEntries(n int) *Collector {
	c.maxEntries = n
	return c
}

func (c *Collector) filePath(taskID, bindType string) string {
	return filepath.Join(c.baseDir, bindType, taskID+".jsonl")
}

// Add appends an entry to its (task_id, bindtype) file, trimming the file to
// the newest maxEntries lines, and fans it out to live subscribers.
func (c *Collector) Add(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.BindType == "" {
		e.BindType = BindTask
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.filePath(e.TaskID, e.BindType)
	lines, err := c.readLines(path)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	lines = append(lines, raw)
	if len(lines) > c.maxEntries {
		lines = lines[len(lines)-c.maxEntries:]
	}

	if err := filestore.AtomicWrite(path, joinLines(lines), 0o644); err != nil {
		return fmt.Errorf("write log file: %w", err)
	}

	c.publishLocked(e)
	return nil
}

// Get returns entries for (taskID, bindType) in chronological order. A non-nil
// since keeps entries at or after that instant; levels filters by level name;
// limit > 0 keeps only the newest limit entries after filtering.
func (c *Collector) Get(taskID, bindType string, since *time.Time, levels []string, limit int) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines, err := c.readLines(c.filePath(taskID, bindType))
	if err != nil {
		return nil, err
	}

	levelSet := make(map[string]bool, len(levels))
	for _, lv := range levels {
		levelSet[lv] = true
	}

	var out []Entry
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			c.logger.Warn("skipping corrupt log line", "task_id", taskID, "bindtype", bindType)
			continue
		}
		if since != nil && e.Timestamp.Before(*since) {
			continue
		}
		if len(levelSet) > 0 && !levelSet[e.Level] {
			continue
		}
		out = append(out, e)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Count returns the number of retained entries for (taskID, bindType).
func (c *Collector) Count(taskID, bindType string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines, err := c.readLines(c.filePath(taskID, bindType))
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

// Clear removes the file for (taskID, bindType).
func (c *Collector) Clear(taskID, bindType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := os.Remove(c.filePath(taskID, bindType))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveTaskLogs deletes every log file belonging to taskID.
func (c *Collector) RemoveTaskLogs(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, bt := range bindTypes {
		if err := os.Remove(c.filePath(taskID, bt)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s logs for task %s: %w", bt, taskID, err)
		}
	}
	return nil
}

func (c *Collector) readLines(path string) ([][]byte, error) {
	data, err := filestore.ReadFileOrEmpty(path)
	if err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func joinLines(lines [][]byte) []byte {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Subscribe registers a live feed for taskID. The returned cancel func must be
// called when the consumer goes away. Slow consumers drop entries.
func (c *Collector) Subscribe(taskID string) (<-chan Entry, func()) {
	ch := make(chan Entry, 64)

	c.mu.Lock()
	c.subs[taskID] = append(c.subs[taskID], ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		chans := c.subs[taskID]
		for i, sub := range chans {
			if sub == ch {
				c.subs[taskID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		if len(c.subs[taskID]) == 0 {
			delete(c.subs, taskID)
		}
	}
	return ch, cancel
}

func (c *Collector) publishLocked(e Entry) {
	for _, ch := range c.subs[e.TaskID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// SinkFor adapts the collector into a logger sink so task-scoped loggers tee
// their records here.
func (c *Collector) SinkFor(taskID, bindType string) observability.SinkFunc {
	return func(level slog.Level, msg string, attrs []slog.Attr) {
		e := Entry{
			Timestamp: time.Now(),
			Level:     levelName(level),
			Message:   msg,
			TaskID:    taskID,
			BindType:  bindType,
		}
		for _, a := range attrs {
			switch a.Key {
			case "module":
				e.Module = a.Value.String()
			case "function":
				e.Function = a.Value.String()
			}
		}
		if err := c.Add(e); err != nil {
			c.logger.Warn("log collector sink write failed", "task_id", taskID, "error", err)
		}
	}
}

func levelName(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "DEBUG"
	case level < slog.LevelWarn:
		return "INFO"
	case level < slog.LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}
