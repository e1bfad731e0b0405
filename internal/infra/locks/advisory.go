package locks

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	log "github.com/quentingllmt/hostsupervisor/pkg/log"
)

// lockFilenames are the two files that must both be created per service
// for full coverage; resin-updates.lock is kept for backward compatibility
// with older co-resident workloads and must be preserved (spec.md §9).
var lockFilenames = []string{"updates.lock", "resin-updates.lock"}

const (
	defaultRoot = "/tmp/balena-supervisor/services"
	legacyRoot  = "/tmp/resin-supervisor/services"
)

// Options mirrors the `{force: bool}` input to the lock() combinator.
type Options struct {
	Force bool
}

// Manager is C1's combined in-process + on-host advisory lock discipline.
// Nothing else in the process unlinks lock files; every acquisition and
// release goes through Lock, apart from ReleaseAll's exit-time cleanup.
type Manager struct {
	root string
	keys *KeyedLocker

	mu    sync.Mutex
	owned map[string]bool // absolute lock-file paths currently held by this process
}

// NewManager creates a Manager rooted at root. If root is empty, it
// resolves defaultRoot, falling back to legacyRoot when defaultRoot does
// not exist but legacyRoot does (spec.md §6's legacy-alias note).
func NewManager(root string) *Manager {
	if root == "" {
		root = resolveRoot()
	}
	return &Manager{
		root:  root,
		keys:  NewKeyedLocker(),
		owned: make(map[string]bool),
	}
}

func resolveRoot() string {
	if _, err := os.Stat(defaultRoot); err == nil {
		return defaultRoot
	}
	if _, err := os.Stat(legacyRoot); err == nil {
		log.Info("using legacy advisory lock directory", "path", legacyRoot)
		return legacyRoot
	}
	return defaultRoot
}

func (m *Manager) appDir(appID int64) string {
	return filepath.Join(m.root, strconv.FormatInt(appID, 10))
}

// servicesUnderApp enumerates the service directories that currently exist
// under the app's lock directory. A missing app directory yields no
// services and no error (nothing to coordinate with).
func (m *Manager) servicesUnderApp(appID int64) ([]string, error) {
	entries, err := os.ReadDir(m.appDir(appID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// acquireService takes both lock files for one service atomically. If
// force is set, any existing lock file is pre-unlinked before being
// (re)created. A missing parent directory is treated as "no lock to
// coordinate with" and ignored.
func (m *Manager) acquireService(appID int64, service string, force bool) ([]string, error) {
	dir := filepath.Join(m.appDir(appID), service)
	var acquired []string

	for _, name := range lockFilenames {
		path := filepath.Join(dir, name)

		if force {
			_ = os.Remove(path)
		}

		// Record the path as owned in the same critical section that creates
		// it, so ReleaseAll sees every file as soon as it exists on disk.
		m.mu.Lock()
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			m.owned[path] = true
		}
		m.mu.Unlock()
		if err != nil {
			if os.IsExist(err) {
				return acquired, fmt.Errorf("%w: %s", model.ErrUpdatesLocked, path)
			}
			if os.IsNotExist(err) {
				// Missing parent directory: no lock present, nothing to do.
				continue
			}
			return acquired, err
		}
		f.Close()
		acquired = append(acquired, path)
	}

	return acquired, nil
}

func (m *Manager) release(paths []string) {
	for i := len(paths) - 1; i >= 0; i-- {
		if err := os.Remove(paths[i]); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to release advisory lock file", "path", paths[i], "error", err)
		}
		m.mu.Lock()
		delete(m.owned, paths[i])
		m.mu.Unlock()
	}
}

// Lock runs thunk under the combined in-process + on-host advisory lock
// discipline described in spec.md §4.1. If appID is nil the thunk runs
// without advisory locking. On failure to acquire any per-service lock,
// everything already acquired is released in reverse order and
// model.ErrUpdatesLocked is returned.
func (m *Manager) Lock(appID *int64, opts Options, thunk func() error) error {
	if appID == nil {
		return thunk()
	}

	h := m.keys.WriteLock(strconv.FormatInt(*appID, 10))
	defer h.Release()

	services, err := m.servicesUnderApp(*appID)
	if err != nil {
		return err
	}

	var allAcquired []string
	for _, service := range services {
		acquired, err := m.acquireService(*appID, service, opts.Force)
		allAcquired = append(allAcquired, acquired...)
		if err != nil {
			m.release(allAcquired)
			if errors.Is(err, model.ErrUpdatesLocked) {
				return model.ErrUpdatesLocked
			}
			return err
		}
	}

	m.mu.Lock()
	for _, p := range allAcquired {
		m.owned[p] = true
	}
	m.mu.Unlock()

	defer m.release(allAcquired)

	return thunk()
}

// ReleaseAll unconditionally unlinks every lock file this process still
// holds. Installed as a process-exit handler (spec.md §4.1).
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	paths := make([]string, 0, len(m.owned))
	for p := range m.owned {
		paths = append(paths, p)
	}
	m.mu.Unlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to release advisory lock file on exit", "path", p, "error", err)
		}
	}
}

// Keys exposes the in-process keyed locker so other components (the Apply
// Loop's "pause" lock, the State Store's "target" lock) share the same lock
// table.
func (m *Manager) Keys() *KeyedLocker {
	return m.keys
}
