package pgsession

import "errors"

var (
	ErrAlreadyConnected     = errors.New("pgsession: client already connected; cannot be reused")
	ErrClientClosed         = errors.New("pgsession: client was closed")
	ErrNotQueryable         = errors.New("pgsession: client is not queryable")
	ErrQueryTimeout         = errors.New("pgsession: query read timeout")
	ErrConnectionTerminated = errors.New("pgsession: connection terminated unexpectedly")
	ErrProtocolViolation    = errors.New("pgsession: protocol violation")
)

// ConnectError wraps any error observed before the first ReadyForQuery.
// Connect completes with this error type exactly once per session.
type ConnectError struct{ Err error }

func (e *ConnectError) Error() string { return "pgsession: connect failed: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// QueryError wraps a backend ErrorResponse routed to the single query that
// owns it. A query's own read timeout is not wrapped: its handle completes
// with ErrQueryTimeout itself.
type QueryError struct{ Err error }

func (e *QueryError) Error() string { return "pgsession: query failed: " + e.Err.Error() }
func (e *QueryError) Unwrap() error { return e.Err }

// SessionError is emitted on a Session's Events().Error channel for faults that
// compromise the whole connection (an unexpected socket close, or a
// protocol violation) rather than a single query.
type SessionError struct{ Err error }

func (e *SessionError) Error() string { return "pgsession: session error: " + e.Err.Error() }
func (e *SessionError) Unwrap() error { return e.Err }
