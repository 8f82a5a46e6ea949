// Package democonfig loads the demo program's own operational config: a
// named list of connection targets to open pgsession.Sessions against.
// This is not a DSN/connection-string parser — it is this program's YAML
// file, playing the same role a dbbouncer.yaml plays for a proxy.
package democonfig

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level demo configuration.
type Config struct {
	Listen  ListenConfig            `yaml:"listen"`
	Targets map[string]TargetConfig `yaml:"targets"`
}

// ListenConfig defines where the demo HTTP server (metrics + healthz) binds.
type ListenConfig struct {
	APIBind string `yaml:"api_bind"`
	APIPort int    `yaml:"api_port"`
}

// TargetConfig describes one named PostgreSQL session to open.
type TargetConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	Database             string        `yaml:"database"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	QueryTimeout         time.Duration `yaml:"query_timeout"`
	ApplicationName      string        `yaml:"application_name"`
	EnableChannelBinding bool          `yaml:"enable_channel_binding"`
}

// Redacted returns a copy of t with the password masked, safe to log.
func (t TargetConfig) Redacted() TargetConfig {
	c := t
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unmatched names untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with ${VAR} substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	for id, t := range cfg.Targets {
		if t.ConnectTimeout == 0 {
			t.ConnectTimeout = 10 * time.Second
		}
		if t.ApplicationName == "" {
			t.ApplicationName = "pgsession-demo"
		}
		cfg.Targets[id] = t
	}
}

func validate(cfg *Config) error {
	for id, t := range cfg.Targets {
		if t.Host == "" {
			return fmt.Errorf("target %q: host is required", id)
		}
		if t.Port == 0 {
			return fmt.Errorf("target %q: port is required", id)
		}
		if t.Database == "" {
			return fmt.Errorf("target %q: database is required", id)
		}
		if t.Username == "" {
			return fmt.Errorf("target %q: username is required", id)
		}
	}
	return nil
}

// Watcher watches the config file for changes and invokes callback with
// the newly loaded config, debounced so a burst of writes reloads once.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates and starts a config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
