package democonfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
listen:
  api_bind: 0.0.0.0
  api_port: 9090

targets:
  primary:
    host: db.internal
    port: 5432
    database: app
    username: appuser
    password: apppass
    connect_timeout: 5s
    query_timeout: 30s
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.APIBind != "0.0.0.0" {
		t.Errorf("expected api_bind 0.0.0.0, got %s", cfg.Listen.APIBind)
	}
	if cfg.Listen.APIPort != 9090 {
		t.Errorf("expected api_port 9090, got %d", cfg.Listen.APIPort)
	}

	target, ok := cfg.Targets["primary"]
	if !ok {
		t.Fatal("primary target not found")
	}
	if target.Host != "db.internal" {
		t.Errorf("expected host db.internal, got %s", target.Host)
	}
	if target.ConnectTimeout != 5*time.Second {
		t.Errorf("expected connect_timeout 5s, got %v", target.ConnectTimeout)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_PGSESSION_PASSWORD", "secret123")
	defer os.Unsetenv("TEST_PGSESSION_PASSWORD")

	yaml := `
targets:
  primary:
    host: localhost
    port: 5432
    database: app
    username: appuser
    password: ${TEST_PGSESSION_PASSWORD}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Targets["primary"].Password != "secret123" {
		t.Errorf("expected password secret123, got %s", cfg.Targets["primary"].Password)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing host",
			yaml: `
targets:
  t1:
    port: 5432
    database: db
    username: user
`,
		},
		{
			name: "missing port",
			yaml: `
targets:
  t1:
    host: localhost
    database: db
    username: user
`,
		},
		{
			name: "missing database",
			yaml: `
targets:
  t1:
    host: localhost
    port: 5432
    username: user
`,
		},
		{
			name: "missing username",
			yaml: `
targets:
  t1:
    host: localhost
    port: 5432
    database: db
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
targets:
  primary:
    host: localhost
    port: 5432
    database: db
    username: user
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.APIBind != "127.0.0.1" {
		t.Errorf("expected default api_bind 127.0.0.1, got %s", cfg.Listen.APIBind)
	}
	if cfg.Listen.APIPort != 8080 {
		t.Errorf("expected default api_port 8080, got %d", cfg.Listen.APIPort)
	}
	target := cfg.Targets["primary"]
	if target.ConnectTimeout != 10*time.Second {
		t.Errorf("expected default connect_timeout 10s, got %v", target.ConnectTimeout)
	}
	if target.ApplicationName != "pgsession-demo" {
		t.Errorf("expected default application_name pgsession-demo, got %s", target.ApplicationName)
	}
}

func TestRedactedMasksPassword(t *testing.T) {
	tc := TargetConfig{Host: "h", Password: "secret"}
	redacted := tc.Redacted()
	if redacted.Password == "secret" {
		t.Error("Redacted() did not mask the password")
	}
	if redacted.Host != "h" {
		t.Error("Redacted() should leave non-secret fields untouched")
	}
	if tc.Password != "secret" {
		t.Error("Redacted() should not mutate the receiver")
	}
}

func TestRedactedLeavesEmptyPasswordEmpty(t *testing.T) {
	tc := TargetConfig{Host: "h"}
	if tc.Redacted().Password != "" {
		t.Error("Redacted() should leave an empty password empty, not redact a non-secret")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	yaml := `
targets:
  primary:
    host: localhost
    port: 5432
    database: db
    username: user
`
	path := writeTemp(t, yaml)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	updated := `
targets:
  primary:
    host: localhost
    port: 5432
    database: otherdb
    username: user
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Targets["primary"].Database != "otherdb" {
			t.Errorf("expected reloaded database otherdb, got %s", cfg.Targets["primary"].Database)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not reload within timeout")
	}
}
