// Package license gates task creation and immediate execution on an
// encrypted local license blob activated against a remote verify endpoint.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"noteops/internal/clock"
	"noteops/internal/infra/filestore"
	"noteops/internal/observability"
)

var (
	ErrNotActivated       = errors.New("license not activated")
	ErrExpired            = errors.New("license expired")
	ErrTaskLimitReached   = errors.New("task limit reached")
	ErrInvalidLicense     = errors.New("invalid license code")
	ErrServiceUnavailable = errors.New("license service unavailable")
)

// Free-mode constraints applied without a valid license.
const (
	FreeMaxTasks        = 1
	FreeIntervalSeconds = 7200
)

const (
	defaultProductID = 1
	activateTimeout  = 10 * time.Second
)

// Config is the remote-issued entitlement set.
type Config struct {
	TaskNum       int    `json:"task_num"`
	EndTime       string `json:"end_time"`
	IntervalLimit *int   `json:"interval_limit,omitempty"`
}

// record is the encrypted on-disk document.
type record struct {
	ProductID   int    `json:"product_id"`
	LicenseCode string `json:"license_code"`
	ActivatedAt string `json:"activated_at"`
	Config      Config `json:"config"`
}

// Options configures a Manager.
type Options struct {
	ConfigPath string
	KeyPath    string
	VerifyURL  string
	ProductID  int
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *observability.Logger
}

// Manager answers licensing questions for the scheduler and the API.
type Manager struct {
	configPath string
	keyPath    string
	verifyURL  string
	productID  int
	client     *http.Client
	clk        clock.Clock
	logger     *observability.Logger

	mu  sync.RWMutex
	rec *record
}

// NewManager builds a manager and loads any existing license from disk.
// A corrupt or undecryptable blob downgrades to free mode with a warning.
func NewManager(opts Options) *Manager {
	if opts.ProductID == 0 {
		opts.ProductID = defaultProductID
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: activateTimeout}
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}

	m := &Manager{
		configPath: opts.ConfigPath,
		keyPath:    opts.KeyPath,
		verifyURL:  opts.VerifyURL,
		productID:  opts.ProductID,
		client:     opts.HTTPClient,
		clk:        opts.Clock,
		logger:     opts.Logger.With("module", "license"),
	}
	m.load()
	return m
}

func (m *Manager) load() {
	blob, err := filestore.ReadFileOrEmpty(m.configPath)
	if err != nil || len(blob) == 0 {
		return
	}
	key, err := loadOrCreateKey(m.keyPath)
	if err != nil {
		m.logger.Warn("license key unavailable, running in free mode", "error", err)
		return
	}
	plaintext, err := decrypt(key, blob)
	if err != nil {
		m.logger.Warn("license blob unreadable, running in free mode", "error", err)
		return
	}
	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		m.logger.Warn("license blob corrupt, running in free mode", "error", err)
		return
	}
	m.rec = &rec
}

type activateRequest struct {
	ProductID   int    `json:"product_id"`
	LicenseCode string `json:"license_code"`
}

type activateResponse struct {
	Success bool    `json:"success"`
	Config  *Config `json:"config"`
	Error   string  `json:"error"`
}

// Activate verifies code against the remote endpoint and, on success, stores
// the entitlement encrypted on disk. Returns the issued config.
func (m *Manager) Activate(ctx context.Context, code string) (*Config, error) {
	body, err := json.Marshal(activateRequest{ProductID: m.productID, LicenseCode: code})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, activateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.verifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: verify endpoint returned %d", ErrServiceUnavailable, resp.StatusCode)
	}

	var out activateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if !out.Success {
		if out.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidLicense, out.Error)
		}
		return nil, ErrInvalidLicense
	}
	if out.Config == nil {
		return nil, fmt.Errorf("%w: verify response missing config", ErrServiceUnavailable)
	}

	rec := &record{
		ProductID:   m.productID,
		LicenseCode: code,
		ActivatedAt: m.clk.Now().UTC().Format(time.RFC3339),
		Config:      *out.Config,
	}
	if err := m.save(rec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.rec = rec
	m.mu.Unlock()

	m.logger.Info("license activated", "task_num", out.Config.TaskNum, "end_time", out.Config.EndTime)
	return out.Config, nil
}

func (m *Manager) save(rec *record) error {
	key, err := loadOrCreateKey(m.keyPath)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	blob, err := encrypt(key, plaintext)
	if err != nil {
		return err
	}
	if err := filestore.AtomicWrite(m.configPath, blob, 0o600); err != nil {
		return fmt.Errorf("persist license: %w", err)
	}
	return nil
}

// IsActivated reports whether a license is installed.
func (m *Manager) IsActivated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec != nil
}

// IsExpired reports whether the installed license's end time has passed.
// Times without a zone are treated as UTC; an unparseable end time never
// expires the license.
func (m *Manager) IsExpired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec == nil {
		return false
	}
	end, ok := parseEndTime(m.rec.Config.EndTime)
	if !ok {
		return false
	}
	return !m.clk.Now().UTC().Before(end)
}

func parseEndTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Valid reports activated and not expired.
func (m *Manager) Valid() bool {
	return m.IsActivated() && !m.IsExpired()
}

// MaxTasks returns the licensed task ceiling, or the free-trial ceiling.
func (m *Manager) MaxTasks() int {
	if !m.Valid() {
		return FreeMaxTasks
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec.Config.TaskNum > 0 {
		return m.rec.Config.TaskNum
	}
	return FreeMaxTasks
}

// IntervalLimit returns the forced interval in seconds for free mode, or 0
// when the license imposes no limit.
func (m *Manager) IntervalLimit() int {
	if !m.Valid() {
		return FreeIntervalSeconds
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec.Config.IntervalLimit != nil {
		return *m.rec.Config.IntervalLimit
	}
	return 0
}

// CanExecuteImmediately reports whether manual execution is permitted.
func (m *Manager) CanExecuteImmediately() bool {
	return m.Valid()
}

// Status is the API-facing snapshot.
type Status struct {
	Activated   bool   `json:"activated"`
	Expired     bool   `json:"expired"`
	MaxTasks    int    `json:"max_tasks"`
	Interval    int    `json:"interval_limit,omitempty"`
	EndTime     string `json:"end_time,omitempty"`
	ActivatedAt string `json:"activated_at,omitempty"`
}

// Status returns the current licensing state for the API.
func (m *Manager) Status() Status {
	st := Status{
		Activated: m.IsActivated(),
		Expired:   m.IsExpired(),
		MaxTasks:  m.MaxTasks(),
		Interval:  m.IntervalLimit(),
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rec != nil {
		st.EndTime = m.rec.Config.EndTime
		st.ActivatedAt = m.rec.ActivatedAt
	}
	return st
}
