// Package paths defines the on-disk layout under the application data
// directory. All stores and the runner derive their file locations from a
// single Layout value so the tree stays consistent.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	"noteops/internal/infra/filestore"
)

// Layout is the application data tree rooted at a single directory:
//
//	dispatcher/dispatch_config.json   task registry
//	manager_data/meta_<task_id>.json  per-task context documents
//	tasks/<task_id>_task_switch/      per-task pause switch
//	task_data/<account_id>/...        per-account user data
//	logs/<bindtype>/<task_id>.jsonl   log collector files
//	license_config.encrypted          license blob
//	license.key                       generated encryption key
type Layout struct {
	Root string
}

// DefaultRoot returns the data root used when none is configured.
func DefaultRoot() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "noteops")
	}
	return filepath.Join(".", "noteops-data")
}

// New resolves root (empty, ~ and $VAR forms accepted) into a Layout.
func New(root string) Layout {
	return Layout{Root: filestore.ResolvePath(root, DefaultRoot())}
}

func (l Layout) DispatcherConfigFile() string {
	return filepath.Join(l.Root, "dispatcher", "dispatch_config.json")
}

func (l Layout) TaskMetaFile(taskID string) string {
	return filepath.Join(l.Root, "manager_data", fmt.Sprintf("meta_%s.json", taskID))
}

func (l Layout) TaskSwitchDir(taskID string) string {
	return filepath.Join(l.Root, "tasks", taskID+"_task_switch")
}

func (l Layout) LogsDir() string {
	return filepath.Join(l.Root, "logs")
}

func (l Layout) LicenseFile() string {
	return filepath.Join(l.Root, "license_config.encrypted")
}

func (l Layout) LicenseKeyFile() string {
	return filepath.Join(l.Root, "license.key")
}

// AccountDir is the per-account data root. Subdirectories are created lazily
// on first access.
func (l Layout) AccountDir(accountID string) string {
	return filepath.Join(l.Root, "task_data", accountID)
}

func (l Layout) AccountCookiesDir(accountID string) (string, error) {
	return l.ensureAccountSubdir(accountID, "cookies")
}

func (l Layout) AccountImagesDir(accountID string) (string, error) {
	return l.ensureAccountSubdir(accountID, "images")
}

func (l Layout) AccountNotesDir(accountID string) (string, error) {
	return l.ensureAccountSubdir(accountID, "notes")
}

func (l Layout) AccountSourcesDir(accountID string) (string, error) {
	return l.ensureAccountSubdir(accountID, "sources")
}

// AccountCookiesFile is the account's private cookie jar.
func (l Layout) AccountCookiesFile(accountID string) (string, error) {
	dir, err := l.AccountCookiesDir(accountID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cookies.json"), nil
}

// AccountSourceFile is the account's editable source document.
func (l Layout) AccountSourceFile(accountID string) (string, error) {
	dir, err := l.AccountSourcesDir(accountID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "source.md"), nil
}

func (l Layout) ensureAccountSubdir(accountID, name string) (string, error) {
	dir := filepath.Join(l.AccountDir(accountID), name)
	if err := filestore.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("create %s dir for account %s: %w", name, accountID, err)
	}
	return dir, nil
}
