// Package config loads the daemon's YAML configuration file and watches
// the policy directory for out-of-band edits, modeled directly on
// internal/next/configmgr's RWMutex-guarded current-config-plus-rewrite
// pattern.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/nicksinger/wicked/internal/event"
	"github.com/nicksinger/wicked/internal/policy"
)

// Config is the daemon's top-level YAML configuration.
type Config struct {
	// RootDir roots all persisted state (leases/, requests/, policies/,
	// state.db).
	RootDir string `yaml:"root_dir"`
	// ListenAddress is the RPC server's address: a filesystem path for a
	// Unix socket, or a host:port for TCP.
	ListenAddress string `yaml:"listen_address"`
	// LogLevel is parsed with log/slog's level text unmarshaler
	// ("debug", "info", "warn", "error").
	LogLevel slog.Level `yaml:"log_level"`
	// LogFile, if set, rotates daemon logs through lumberjack instead of
	// writing to stderr; leave unset when run under a supervisor that
	// already captures and rotates stdout/stderr.
	LogFile string `yaml:"log_file,omitempty"`
}

// DefaultRootDir is used when a Config omits root_dir.
const DefaultRootDir = "/var/lib/netifd"

// DefaultListenAddress is used when a Config omits listen_address.
const DefaultListenAddress = "/run/netifd.sock"

func defaults() Config {
	return Config{
		RootDir:       DefaultRootDir,
		ListenAddress: DefaultListenAddress,
		LogLevel:      slog.LevelInfo,
	}
}

// Load reads and validates the configuration file at path. A missing file
// is not an error: it falls back to defaults, matching the nanny daemon's
// original tolerance for running with no config file present at all.
func Load(path string) (Config, error) {
	c := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if c.RootDir == "" {
		return Config{}, errors.Error("config: root_dir must not be empty")
	}
	return c, nil
}

// Manager holds the current Config behind an RWMutex, the same shape as
// internal/next/configmgr.Manager. The policy directory watcher is not part
// of it; see WatchPolicies.
type Manager struct {
	logger *slog.Logger
	path   string

	mu      sync.RWMutex
	current Config
}

// New creates a Manager with an already-loaded Config.
func New(logger *slog.Logger, path string, initial Config) *Manager {
	return &Manager{logger: logger, path: path, current: initial}
}

// Current returns the active configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reload re-reads the configuration file, replacing the active Config if
// it parses successfully. A parse failure leaves the previous
// configuration in effect and returns the error for logging, rather than
// leaving the daemon running with a half-applied config.
func (m *Manager) Reload() error {
	c, err := Load(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = c
	m.mu.Unlock()
	return nil
}

// WatchPolicies starts an fsnotify watch on dir, pushing a KindPolicyChanged
// event onto queue for every fsnotify event in dir, whatever the file name
// or operation. The reconciler answers that event by rechecking every
// device; the files are not re-read into the policy store, so a hand edit
// reaches the store only through LoadPolicies at the next startup.
func WatchPolicies(logger *slog.Logger, dir string, queue *event.Queue) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating policy watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watching %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				logger.Debug("policy directory event", "name", ev.Name, "op", ev.Op.String())
				queue.Push(event.KindPolicyChanged, 0, ev.Name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("policy watcher error", "err", err)
			}
		}
	}()

	return w, nil
}

// LoadPolicies reads every *.json file in dir as a JSON-encoded
// policy.Policy — the same wire format the RPC server's PUT /policies/{id}
// endpoint accepts — and loads them into store. It is the one-shot
// counterpart to WatchPolicies: called once at startup, before the
// fsnotify watch begins picking up later out-of-band edits. A missing
// directory is not an error: a daemon with no persisted policies falls
// back entirely to internal/daemon's default for a device no policy
// matches (DHCP for every device).
func LoadPolicies(dir string, store *policy.Store) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading policy directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: reading policy file %s: %w", path, err)
		}

		var p policy.Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("config: parsing policy file %s: %w", path, err)
		}
		if p.ID == "" {
			p.ID = strings.TrimSuffix(entry.Name(), ".json")
		}
		store.Put(p)
	}

	return nil
}
