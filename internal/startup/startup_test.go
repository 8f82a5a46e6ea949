package startup

import (
	"testing"
	"time"
)

func TestBuildEmitsOnlySetKeys(t *testing.T) {
	out := Build(Params{User: "alice", Database: "app"})

	want := map[string]string{"user": "alice", "database": "app"}
	if len(out) != len(want) {
		t.Fatalf("Build() = %v, want %v", out, want)
	}
	for k, v := range want {
		if out[k] != v {
			t.Errorf("out[%q] = %q, want %q", k, out[k], v)
		}
	}
	for _, key := range []string{"application_name", "replication", "statement_timeout", "lock_timeout", "idle_in_transaction_session_timeout", "options"} {
		if _, ok := out[key]; ok {
			t.Errorf("unexpected key %q present for unset field", key)
		}
	}
}

func TestBuildFallsBackApplicationName(t *testing.T) {
	out := Build(Params{FallbackApplicationName: "fallback-app"})
	if out["application_name"] != "fallback-app" {
		t.Errorf("application_name = %q, want fallback-app", out["application_name"])
	}

	out = Build(Params{ApplicationName: "real-app", FallbackApplicationName: "fallback-app"})
	if out["application_name"] != "real-app" {
		t.Errorf("application_name = %q, want real-app (explicit overrides fallback)", out["application_name"])
	}
}

func TestBuildConvertsDurationsToMilliseconds(t *testing.T) {
	out := Build(Params{
		StatementTimeout:                2500 * time.Millisecond,
		LockTimeout:                     1 * time.Second,
		IdleInTransactionSessionTimeout: 30 * time.Second,
	})

	if out["statement_timeout"] != "2500" {
		t.Errorf("statement_timeout = %q, want 2500", out["statement_timeout"])
	}
	if out["lock_timeout"] != "1000" {
		t.Errorf("lock_timeout = %q, want 1000", out["lock_timeout"])
	}
	if out["idle_in_transaction_session_timeout"] != "30000" {
		t.Errorf("idle_in_transaction_session_timeout = %q, want 30000", out["idle_in_transaction_session_timeout"])
	}
}

func TestBuildOmitsZeroDurations(t *testing.T) {
	out := Build(Params{User: "bob"})
	if _, ok := out["statement_timeout"]; ok {
		t.Error("statement_timeout should be omitted when zero")
	}
}
