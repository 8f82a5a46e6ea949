// Package pgsession implements a single-connection, client-side
// PostgreSQL session: dial, optional TLS, authenticate (cleartext, MD5,
// or SCRAM-SHA-256/-PLUS), then run a FIFO queue of queries over one
// backend connection for the lifetime of the process that owns it. It is
// not a pool and not a reconnecting client — each Session dials exactly
// one backend connection, once.
package pgsession

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/dbbouncer/pgsession/internal/auth"
	"github.com/dbbouncer/pgsession/internal/pgtransport"
)

// QueryHandle represents one enqueued query. Wait blocks until the query
// completes (successfully or not); it is safe to call from multiple
// goroutines and multiple times.
type QueryHandle struct {
	query Query
	done  chan struct{}
	err   error
	once  sync.Once
}

func newQueryHandle(q Query) *QueryHandle {
	return &QueryHandle{query: q, done: make(chan struct{})}
}

func (h *QueryHandle) complete(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Wait blocks until the query completes or ctx is done, and returns the
// accumulated Result alongside any error.
func (h *QueryHandle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		if h.err != nil {
			return nil, h.err
		}
		return h.query.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed once the query completes.
func (h *QueryHandle) Done() <-chan struct{} { return h.done }

// queueItem pairs a Query with its caller-facing handle and its
// independent read-timeout timer (armed from the moment it is enqueued,
// not from the moment it becomes active).
type queueItem struct {
	query       Query
	handle      *QueryHandle
	readTimeout time.Duration
	timer       *time.Timer
	timedOut    bool
}

func (item *queueItem) stopTimer() {
	if item.timer != nil {
		item.timer.Stop()
		item.timer = nil
	}
}

// Events exposes a Session's observable lifecycle as channels. Connect
// and End fire at most once each. Error, Notice, and Notification are
// bounded (capacity 16) and drop the oldest buffered value on overflow, so
// a slow consumer never stalls the session's run loop.
type Events struct {
	Connect      <-chan struct{}
	End          <-chan struct{}
	Error        <-chan error
	Notice       <-chan *pgproto3.NoticeResponse
	Notification <-chan *pgproto3.NotificationResponse
	Drain        <-chan struct{}
}

// Session owns exactly one backend connection for its entire lifetime.
// All of its state lives on a single goroutine (runLoop); every exported
// method communicates with that goroutine over channels rather than
// touching shared memory directly.
type Session struct {
	opts Options

	cmdCh       chan sessionCmd
	backendCh   chan backendEvent
	runLoopDone chan struct{}

	connectCh      chan struct{}
	endCh          chan struct{}
	errorCh        chan error
	noticeCh       chan *pgproto3.NoticeResponse
	notificationCh chan *pgproto3.NotificationResponse
	drainCh        chan struct{}

	// --- fields below this line are owned exclusively by runLoop ---

	connectCalled          bool
	connecting             bool
	connected              bool
	ending                 bool
	ended                  bool
	queryable              bool
	readyForQuery          bool
	hasExecuted            bool
	fatalHandled           bool
	connectionErrorLatched bool

	connectResultCh chan error
	endWaiters      []chan struct{}

	transport *pgtransport.Transport
	frontend  *pgproto3.Frontend

	authDispatcher *auth.Dispatcher

	connectDeadlineTimer *time.Timer

	queue      []*queueItem
	activeItem *queueItem

	preparedStatements map[string]string

	processID    uint32
	secretKey    uint32
	processIDSet bool

	debugQueueWarnOnce  sync.Once
	debugActiveWarnOnce sync.Once
}

// NewSession constructs a Session and starts its run loop. Call Connect
// to actually dial.
func NewSession(opts Options) *Session {
	s := &Session{
		opts:               opts,
		cmdCh:              make(chan sessionCmd),
		backendCh:          make(chan backendEvent),
		runLoopDone:        make(chan struct{}),
		connectCh:          make(chan struct{}, 1),
		endCh:              make(chan struct{}, 1),
		errorCh:            make(chan error, 16),
		noticeCh:           make(chan *pgproto3.NoticeResponse, 16),
		notificationCh:     make(chan *pgproto3.NotificationResponse, 16),
		drainCh:            make(chan struct{}, 1),
		preparedStatements: make(map[string]string),
	}
	go s.runLoop()
	return s
}

// Events returns the Session's event channels. Safe to call at any time.
func (s *Session) Events() Events {
	return Events{
		Connect:      s.connectCh,
		End:          s.endCh,
		Error:        s.errorCh,
		Notice:       s.noticeCh,
		Notification: s.notificationCh,
		Drain:        s.drainCh,
	}
}

func (s *Session) sendCmd(cmd sessionCmd) {
	select {
	case s.cmdCh <- cmd:
	case <-s.runLoopDone:
	}
}

// Connect dials, negotiates TLS if configured, authenticates, and waits
// for the first ReadyForQuery. It may be called at most once per Session;
// subsequent calls return ErrAlreadyConnected.
func (s *Session) Connect(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case s.cmdCh <- cmdConnect{ctx: ctx, done: done}:
	case <-s.runLoopDone:
		return ErrClientClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query enqueues q and returns a handle that completes when the query
// completes or fails. It never blocks the caller: if the session is not
// queryable (not yet connected, broken, or ending), the handle completes
// with the corresponding error on the next scheduling tick instead of
// being enqueued.
//
// readTimeout, if non-zero, overrides Options.QueryTimeout for this one
// query.
func (s *Session) Query(q Query, readTimeout time.Duration) *QueryHandle {
	s.applyQueryDefaults(q)
	handle := newQueryHandle(q)
	item := &queueItem{query: q, handle: handle, readTimeout: readTimeout}
	select {
	case s.cmdCh <- cmdQuery{item: item}:
	case <-s.runLoopDone:
		handle.complete(ErrClientClosed)
	}
	return handle
}

// QueryText is sugar for Query(NewSimpleQuery(text), readTimeout).
func (s *Session) QueryText(text string, readTimeout time.Duration) *QueryHandle {
	return s.Query(NewSimpleQuery(text), readTimeout)
}

// applyQueryDefaults stamps the session's Binary/Types defaults onto q
// unless q already carries its own explicit value for that field.
// Options is immutable after NewSession, so reading s.opts here needs no
// synchronization with runLoop.
func (s *Session) applyQueryDefaults(q Query) {
	switch v := q.(type) {
	case *SimpleQuery:
		if v.types == nil {
			v.types = s.opts.Types
		}
	case *ExtendedQuery:
		if !v.binary {
			v.binary = s.opts.Binary
		}
		if v.types == nil {
			v.types = s.opts.Types
		}
	}
}

// End shuts the session down: if a query is active, the connection is
// destroyed immediately (the active query fails); otherwise a Terminate
// message is sent and the connection is closed gracefully. Every queued
// query fails with ErrClientClosed. End is idempotent and safe to call
// before Connect or Connect has not yet completed.
func (s *Session) End(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.cmdCh <- cmdEnd{done: done}:
	case <-s.runLoopDone:
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BackendKeyData returns the ProcessID/SecretKey the backend assigned
// this connection, for use with Cancel. Only meaningful once Connect has
// returned successfully; the happens-before edge through Connect's result
// channel makes reading these fields here safe without a lock.
func (s *Session) BackendKeyData() (processID, secretKey uint32, ok bool) {
	return s.processID, s.secretKey, s.processIDSet
}

// DebugQueue returns a snapshot of the currently queued (not yet active)
// queries. This is a deprecated observation window kept for diagnostics —
// do not build control flow on top of it.
func (s *Session) DebugQueue() []Query {
	s.debugQueueWarnOnce.Do(func() {
		slog.Warn("pgsession: DebugQueue is a deprecated diagnostic accessor; do not rely on its ordering")
	})
	result := make(chan []Query, 1)
	select {
	case s.cmdCh <- cmdDebugQueue{result: result}:
	case <-s.runLoopDone:
		return nil
	}
	return <-result
}

// DebugActiveQuery returns the currently active query, if any. Deprecated
// for the same reason as DebugQueue.
func (s *Session) DebugActiveQuery() (Query, bool) {
	s.debugActiveWarnOnce.Do(func() {
		slog.Warn("pgsession: DebugActiveQuery is a deprecated diagnostic accessor; do not rely on its ordering")
	})
	result := make(chan Query, 1)
	select {
	case s.cmdCh <- cmdDebugActive{result: result}:
	case <-s.runLoopDone:
		return nil, false
	}
	q := <-result
	return q, q != nil
}

func sendDropOldest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

func (s *Session) emitConnect() {
	select {
	case s.connectCh <- struct{}{}:
	default:
	}
}

func (s *Session) emitEnd() {
	select {
	case s.endCh <- struct{}{}:
	default:
	}
}

func (s *Session) emitDrain() {
	select {
	case s.drainCh <- struct{}{}:
	default:
	}
}

func (s *Session) emitError(err error) { sendDropOldest(s.errorCh, err) }

func (s *Session) emitNotice(msg *pgproto3.NoticeResponse) { sendDropOldest(s.noticeCh, msg) }

func (s *Session) emitNotification(msg *pgproto3.NotificationResponse) {
	sendDropOldest(s.notificationCh, msg)
}
