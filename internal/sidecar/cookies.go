package sidecar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"noteops/internal/observability"
	"noteops/internal/paths"
)

// CookieFileName is the jar the sidecar reads from its working directory.
const CookieFileName = "cookies.json"

// Courier swaps account cookie jars in and out of the sidecar directory.
// Exactly one account's jar occupies the sidecar at a time; the scheduler's
// execution mutex guarantees the bracketing.
type Courier struct {
	layout paths.Layout
	logger *observability.Logger
}

func NewCourier(layout paths.Layout, logger *observability.Logger) *Courier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Courier{layout: layout, logger: logger.With("module", "cookie_courier")}
}

// Dispatch copies sourceFile into destDir as cookies.json, preserving mode
// and times, and verifies the copy is non-empty.
func (c *Courier) Dispatch(sourceFile, destDir string) error {
	info, err := os.Stat(sourceFile)
	if err != nil {
		return fmt.Errorf("cookie source unavailable: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("cookie source is empty: %s", sourceFile)
	}

	destInfo, err := os.Stat(destDir)
	if err != nil {
		return fmt.Errorf("cookie destination unavailable: %w", err)
	}
	if !destInfo.IsDir() {
		return fmt.Errorf("cookie destination is not a directory: %s", destDir)
	}

	dest := filepath.Join(destDir, CookieFileName)
	if err := copyFile(sourceFile, dest, info); err != nil {
		return fmt.Errorf("dispatch cookies: %w", err)
	}

	copied, err := os.Stat(dest)
	if err != nil || copied.Size() == 0 {
		return fmt.Errorf("cookie copy verification failed: %s", dest)
	}
	return nil
}

// Clear removes destDir's cookies.json if present.
func (c *Courier) Clear(destDir string) error {
	err := os.Remove(filepath.Join(destDir, CookieFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CloseTask copies the sidecar's cookies.json back into the account's
// private cookie directory (created if absent) and removes the sidecar copy.
// Cleanup is best-effort: failures are logged, never returned.
func (c *Courier) CloseTask(accountID, destDir string) {
	src := filepath.Join(destDir, CookieFileName)
	info, err := os.Stat(src)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("sidecar cookie jar unreadable during teardown", "account_id", accountID, "error", err)
		}
		return
	}

	target, err := c.layout.AccountCookiesFile(accountID)
	if err != nil {
		c.logger.Warn("account cookie dir unavailable during teardown", "account_id", accountID, "error", err)
		return
	}
	if err := copyFile(src, target, info); err != nil {
		c.logger.Warn("cookie copy-back failed", "account_id", accountID, "error", err)
		return
	}
	if err := os.Remove(src); err != nil {
		c.logger.Warn("sidecar cookie jar removal failed", "account_id", accountID, "error", err)
	}
}

func copyFile(src, dest string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}
