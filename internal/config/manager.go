package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"localrouter/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked after the manager swaps in a new snapshot.
// Callbacks run synchronously on the goroutine that applied the change (the
// watch goroutine for file reloads, the caller for Update) and must not block.
type ChangeCallback func(cfg Config)

// Manager owns the live configuration. Reads return a copy-on-read snapshot;
// mutations go through Reload or Update and fan out to registered
// change callbacks so dependent managers can resync.
type Manager struct {
	mu        sync.RWMutex
	cfg       Config
	path      string
	callbacks []ChangeCallback

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewManager loads the configuration from path and returns a manager
// holding it.
func NewManager(path string) (*Manager, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, path: path}, nil
}

// NewManagerWithConfig wraps an already-built configuration. Used by tests
// and by callers that assemble config programmatically.
func NewManagerWithConfig(cfg Config) *Manager {
	applyDefaults(&cfg)
	return &Manager{cfg: cfg}
}

// Snapshot returns the current configuration. The returned value is a copy;
// mutating it has no effect on the manager.
func (m *Manager) Snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// OnChange registers a callback invoked after each successful Reload or
// Update.
func (m *Manager) OnChange(cb ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Reload re-reads the config file and swaps the snapshot. A load or
// validation error leaves the previous snapshot in place.
func (m *Manager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("manager has no config path to reload from")
	}
	cfg, err := LoadConfig(m.path)
	if err != nil {
		return err
	}
	m.apply(cfg)
	return nil
}

// Update swaps in a programmatically-built configuration. It validates
// before applying.
func (m *Manager) Update(cfg Config) error {
	normalizeTransports(&cfg)
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return err
	}
	m.apply(cfg)
	return nil
}

func (m *Manager) apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Watch starts watching the config file for changes and reloads on write.
// It returns immediately; watching stops when ctx is cancelled or Stop is
// called.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return fmt.Errorf("manager has no config path to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", m.path, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.watcher = watcher
	m.cancel = cancel
	m.mu.Unlock()

	go m.watchLoop(watchCtx, watcher)
	logging.Info("Config", "Watching %s for changes", m.path)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logging.Debug("Config", "Config file changed (%s), reloading", event.Op)
			if err := m.Reload(); err != nil {
				logging.Error("Config", err, "Reload after file change failed, keeping previous config")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("Config", "Config watcher error: %v", err)
		}
	}
}

// Stop stops the file watcher if one is running.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
