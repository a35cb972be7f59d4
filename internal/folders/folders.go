// Package folders tracks folder existence on the mail store and enforces the
// per-user folder lifecycle: a user's active folder and their ignore folder
// never coexist.
package folders

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tracyhatemice/mtfss/internal/mailbox"
	"github.com/tracyhatemice/mtfss/internal/metrics"
	"github.com/tracyhatemice/mtfss/internal/routing"
)

// Store is the subset of a mailbox session the manager needs.
type Store interface {
	List() ([]string, error)
	Create(folder string) error
	Delete(folder string) error
	MoveAll(from, to string) (int, error)
}

// UserState is the lifecycle state of one local part, derived on demand.
type UserState int

const (
	NoFolder UserState = iota
	ActiveFolder
	IgnoredFolder
)

func (s UserState) String() string {
	switch s {
	case ActiveFolder:
		return "active"
	case IgnoredFolder:
		return "ignored"
	default:
		return "none"
	}
}

// Manager answers existence queries with a cache that lives for one sweep.
// It is not safe for concurrent use.
type Manager struct {
	store  Store
	logger *slog.Logger

	cache  map[string]bool
	loaded bool
}

// NewManager returns a Manager for store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
		cache:  make(map[string]bool),
	}
}

// Reset drops everything cached. Call it at the start of each sweep so that
// operator changes between sweeps are seen.
func (m *Manager) Reset() {
	clear(m.cache)
	m.loaded = false
}

func (m *Manager) load() error {
	if m.loaded {
		return nil
	}
	names, err := m.store.List()
	if err != nil {
		return storeErr(fmt.Errorf("list folders: %w", err))
	}
	for _, name := range names {
		m.cache[name] = true
	}
	m.loaded = true
	return nil
}

// Exists reports whether folder exists on the store.
func (m *Manager) Exists(folder string) (bool, error) {
	if err := m.load(); err != nil {
		return false, err
	}
	return m.cache[folder], nil
}

// EnsureFolderExists creates folder if it does not exist yet.
func (m *Manager) EnsureFolderExists(folder string) error {
	exists, err := m.Exists(folder)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := m.store.Create(folder); err != nil {
		if errors.Is(err, mailbox.ErrStoreUnavailable) {
			return err
		}
		if !errors.Is(err, mailbox.ErrFolderCreateFailed) {
			err = fmt.Errorf("%w: %w", mailbox.ErrFolderCreateFailed, err)
		}
		return fmt.Errorf("create %s: %w", folder, err)
	}
	m.cache[folder] = true
	return nil
}

// EnsureUserFolderRemoved deletes the active folder of user. Messages still
// in it are moved into the user's ignore folder first. A missing folder is
// not an error.
func (m *Manager) EnsureUserFolderRemoved(user string) error {
	exists, err := m.Exists(user)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	ignore := routing.IgnoreFolder(user)
	if err := m.EnsureFolderExists(ignore); err != nil {
		return err
	}
	n, err := m.store.MoveAll(user, ignore)
	if err != nil {
		return fmt.Errorf("migrate %s to %s: %w", user, ignore, err)
	}
	if n > 0 {
		m.logger.Info("migrated messages to ignore folder", "from", user, "to", ignore, "count", n)
	}

	if err := m.store.Delete(user); err != nil {
		if errors.Is(err, mailbox.ErrStoreUnavailable) {
			return err
		}
		if !errors.Is(err, mailbox.ErrFolderDeleteFailed) {
			err = fmt.Errorf("%w: %w", mailbox.ErrFolderDeleteFailed, err)
		}
		return fmt.Errorf("delete %s: %w", user, err)
	}
	m.cache[user] = false
	metrics.IgnoredFoldersRemoved.Inc()
	m.logger.Info("removed active folder of ignored user", "folder", user)
	return nil
}

// State derives the lifecycle state of user from folder existence.
func (m *Manager) State(user string) (UserState, error) {
	ignored, err := m.Exists(routing.IgnoreFolder(user))
	if err != nil {
		return NoFolder, err
	}
	if ignored {
		return IgnoredFolder, nil
	}
	active, err := m.Exists(user)
	if err != nil {
		return NoFolder, err
	}
	if active {
		return ActiveFolder, nil
	}
	return NoFolder, nil
}

// EnsureLayout creates the folders every sweep may route to regardless of
// addressing.
func (m *Manager) EnsureLayout() error {
	return m.EnsureFolderExists(routing.UnmatchedFolder)
}

func storeErr(err error) error {
	if errors.Is(err, mailbox.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", mailbox.ErrStoreUnavailable, err)
}
