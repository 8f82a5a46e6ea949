// Package startup assembles the StartupMessage parameter map.
package startup

import (
	"strconv"
	"time"
)

// Params is the subset of connection options that feed the StartupMessage.
type Params struct {
	User                            string
	Database                        string
	ApplicationName                 string
	FallbackApplicationName         string
	Replication                     string
	StatementTimeout                time.Duration
	LockTimeout                     time.Duration
	IdleInTransactionSessionTimeout time.Duration
	Options                         string
}

// Build assembles the StartupMessage key/value map, emitting only the
// keys that are actually set.
func Build(p Params) map[string]string {
	out := make(map[string]string)

	if p.User != "" {
		out["user"] = p.User
	}
	if p.Database != "" {
		out["database"] = p.Database
	}

	appName := p.ApplicationName
	if appName == "" {
		appName = p.FallbackApplicationName
	}
	if appName != "" {
		out["application_name"] = appName
	}

	if p.Replication != "" {
		out["replication"] = p.Replication
	}

	if p.StatementTimeout > 0 {
		out["statement_timeout"] = strconv.FormatInt(p.StatementTimeout.Milliseconds(), 10)
	}
	if p.LockTimeout > 0 {
		out["lock_timeout"] = strconv.FormatInt(p.LockTimeout.Milliseconds(), 10)
	}
	if p.IdleInTransactionSessionTimeout > 0 {
		out["idle_in_transaction_session_timeout"] = strconv.FormatInt(p.IdleInTransactionSessionTimeout.Milliseconds(), 10)
	}

	if p.Options != "" {
		out["options"] = p.Options
	}

	return out
}
