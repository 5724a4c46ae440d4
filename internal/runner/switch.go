// Package runner performs one execution cycle of a task against the sidecar
// and owns the task's disk-backed pause switch.
package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"noteops/internal/infra/filestore"
)

// Switch states persisted in the state file.
const (
	switchRunning = "RUNNING"
	switchPaused  = "PAUSE"
)

const switchFileName = "state.json"

type switchState struct {
	State     string `json:"state"`
	UpdatedAt string `json:"updated_at"`
}

// Switch is a task's pause flag, backed by a small file so a restart
// preserves "user pressed pause".
type Switch struct {
	dir string
	mu  sync.Mutex
}

// NewSwitch binds a switch to its directory. No file means not paused.
func NewSwitch(dir string) *Switch {
	return &Switch{dir: dir}
}

// Pause persists the paused state.
func (s *Switch) Pause() error {
	return s.write(switchPaused)
}

// Resume persists the running state.
func (s *Switch) Resume() error {
	return s.write(switchRunning)
}

// Paused reads the persisted state. A missing or unreadable file counts as
// not paused.
func (s *Switch) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := filestore.ReadFileOrEmpty(filepath.Join(s.dir, switchFileName))
	if err != nil || len(data) == 0 {
		return false
	}
	var st switchState
	if err := json.Unmarshal(data, &st); err != nil {
		return false
	}
	return st.State == switchPaused
}

// Remove deletes the switch directory.
func (s *Switch) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Switch) write(state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(switchState{
		State:     state,
		UpdatedAt: time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return filestore.AtomicWrite(filepath.Join(s.dir, switchFileName), data, 0o644)
}
