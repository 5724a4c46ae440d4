// Package sidecar manages the local browser-automation service: liveness
// probing, launching the platform binary, a thin HTTP client, and the cookie
// courier that swaps account cookie jars in and out of the service directory.
package sidecar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"noteops/internal/observability"
)

var (
	ErrUnavailable        = errors.New("sidecar unavailable")
	ErrUnsupportedSysType = errors.New("unsupported sys_type")
)

// System flavour tags carried by tasks; they pick the sidecar binary.
const (
	SysWin64      = "win64"
	SysMacIntel   = "mac_intel"
	SysMacSilicon = "mac_silicon"
	SysLinux      = "linux"
)

// DefaultServiceURL is where the sidecar serves its RPC endpoint.
const DefaultServiceURL = "http://localhost:18060/mcp"

const (
	dialTimeout    = 1 * time.Second
	probeTimeout   = 2 * time.Second
	readinessWait  = 3 * time.Second
	readinessPolls = 6
)

var binaryNames = map[string]string{
	SysWin64:      "xiaohongshu-mcp-windows-amd64.exe",
	SysMacIntel:   "xiaohongshu-mcp-darwin-amd64",
	SysMacSilicon: "xiaohongshu-mcp-darwin-arm64",
	SysLinux:      "xiaohongshu-mcp-linux-amd64",
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	BinDir     string
	Host       string
	Port       int
	ServiceURL string
	HTTPClient *http.Client
	Logger     *observability.Logger
}

// Manager probes and launches the sidecar process.
type Manager struct {
	binDir     string
	host       string
	port       int
	serviceURL string
	client     *http.Client
	logger     *observability.Logger
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Port == 0 {
		opts.Port = 18060
	}
	if opts.ServiceURL == "" {
		opts.ServiceURL = DefaultServiceURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: probeTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Manager{
		binDir:     opts.BinDir,
		host:       opts.Host,
		port:       opts.Port,
		serviceURL: opts.ServiceURL,
		client:     opts.HTTPClient,
		logger:     opts.Logger.With("module", "sidecar"),
	}
}

// BinaryName returns the sidecar binary for a sys_type tag.
func BinaryName(sysType string) (string, error) {
	name, ok := binaryNames[sysType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSysType, sysType)
	}
	return name, nil
}

// IsRunning reports whether the sidecar answers on its port and its RPC
// endpoint responds to an initialize probe.
func (m *Manager) IsRunning(ctx context.Context) bool {
	addr := net.JoinHostPort(m.host, fmt.Sprintf("%d", m.port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()

	probe := []byte(`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{}}`)
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serviceURL, bytes.NewReader(probe))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Start launches the sidecar binary for sysType detached, with the sidecar
// directory as working directory so it finds its sibling files, then waits
// briefly for readiness.
func (m *Manager) Start(ctx context.Context, sysType string, headless bool) error {
	name, err := BinaryName(sysType)
	if err != nil {
		return err
	}
	binPath := filepath.Join(m.binDir, name)
	if _, err := os.Stat(binPath); err != nil {
		return fmt.Errorf("sidecar binary not found at %s: %w", binPath, err)
	}
	if err := os.Chmod(binPath, 0o755); err != nil {
		return fmt.Errorf("mark sidecar binary executable: %w", err)
	}

	args := []string{}
	if headless {
		args = append(args, "-headless=true")
	} else {
		args = append(args, "-headless=false")
	}
	cmd := exec.Command(binPath, args...)
	cmd.Dir = m.binDir
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn sidecar: %w", err)
	}
	// Detach; the sidecar outlives individual runs.
	go func() { _ = cmd.Wait() }()

	m.logger.Info("sidecar started", "binary", name, "pid", cmd.Process.Pid)

	interval := readinessWait / readinessPolls
	for i := 0; i < readinessPolls; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if m.IsRunning(ctx) {
			return nil
		}
	}
	if m.IsRunning(ctx) {
		return nil
	}
	return fmt.Errorf("%w: started but not ready", ErrUnavailable)
}

// EnsureRunning probes the sidecar and starts it if absent.
func (m *Manager) EnsureRunning(ctx context.Context, sysType string) error {
	if m.IsRunning(ctx) {
		return nil
	}
	m.logger.Info("sidecar not running, starting", "sys_type", sysType)
	if err := m.Start(ctx, sysType, true); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// BinDir is the sidecar working directory, which also holds its cookie jar.
func (m *Manager) BinDir() string { return m.binDir }
