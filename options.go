package pgsession

import (
	"bufio"
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"time"
)

// PasswordSource resolves a password at the moment of the auth challenge.
// Implementations may be asynchronous (network calls, secret-manager
// lookups); the resolved value is cached for the rest of the connection
// attempt.
type PasswordSource interface {
	Password(ctx context.Context) (string, error)
}

// StaticPassword is a PasswordSource backed by a literal string, held in a
// Secret so that printing an Options value (via %v, %+v, or a log line)
// never leaks the password.
type StaticPassword struct {
	secret Secret[string]
}

// NewStaticPassword wraps a literal password string as a PasswordSource.
func NewStaticPassword(password string) StaticPassword {
	return StaticPassword{secret: NewSecret(password)}
}

func (s StaticPassword) Password(ctx context.Context) (string, error) { return s.secret.Reveal(), nil }

func (s StaticPassword) String() string   { return s.secret.String() }
func (s StaticPassword) GoString() string { return s.secret.GoString() }

// PasswordFunc adapts a plain function to a PasswordSource.
type PasswordFunc func(ctx context.Context) (string, error)

func (f PasswordFunc) Password(ctx context.Context) (string, error) { return f(ctx) }

// PgpassLookup is a best-effort PasswordSource reading a libpq-style
// .pgpass file (host:port:database:user:password, "*" wildcards, "\\"
// escapes colons and backslashes). A missing or unreadable file is
// non-fatal here — it simply yields no password, and authentication fails
// downstream the same way it would for any other wrong/absent password.
func PgpassLookup(path, host string, port int, database, user string) PasswordSource {
	return PasswordFunc(func(ctx context.Context) (string, error) {
		f, err := os.Open(path)
		if err != nil {
			return "", nil
		}
		defer f.Close()

		portStr := strconv.Itoa(port)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			fields := splitPgpassLine(line)
			if len(fields) != 5 {
				continue
			}
			if pgpassMatch(fields[0], host) && pgpassMatch(fields[1], portStr) &&
				pgpassMatch(fields[2], database) && pgpassMatch(fields[3], user) {
				return fields[4], nil
			}
		}
		return "", nil
	})
}

func pgpassMatch(field, value string) bool { return field == "*" || field == value }

func splitPgpassLine(line string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// TypeParser decodes one raw column value given its type OID and whether
// the value is binary-format. Row-value decoding itself lives one layer
// up from the wire codec; this is the injection point for it.
type TypeParser func(oid uint32, raw []byte, binary bool) (any, error)

// Options configures a Session.
type Options struct {
	Host     string
	Port     int
	Database string
	User     string
	Password PasswordSource

	TLSConfig            *tls.Config
	EnableChannelBinding bool

	KeepAlive             time.Duration
	KeepAliveInitialDelay time.Duration
	ConnectTimeout        time.Duration

	// QueryTimeout is the default per-query read timeout, used when a
	// query is submitted without an explicit override.
	QueryTimeout time.Duration

	StatementTimeout                time.Duration
	LockTimeout                     time.Duration
	IdleInTransactionSessionTimeout time.Duration
	ApplicationName                 string
	FallbackApplicationName         string
	RuntimeOptions                  string
	Replication                     string

	// Binary, if true, defaults ExtendedQuery's binary-result preference
	// to true unless the query already requested it explicitly. The
	// simple query protocol behind QueryText/NewSimpleQuery has no
	// binary-result mode, so it is unaffected.
	Binary bool

	// Types, when set, is attached to a query's result holder at enqueue
	// time unless the query already carries its own TypeParser.
	Types TypeParser
}
