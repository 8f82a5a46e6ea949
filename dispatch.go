package pgsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/dbbouncer/pgsession/internal/auth"
	"github.com/dbbouncer/pgsession/internal/pgtransport"
	"github.com/dbbouncer/pgsession/internal/startup"
)

// protocolVersion3 is the frontend/backend protocol version number (major
// 3, minor 0), computed rather than imported so this package doesn't
// depend on a particular pgproto3 release exporting the same constant.
const protocolVersion3 uint32 = 3 << 16

// sessionCmd is the marker interface for everything sent on Session.cmdCh:
// both externally-triggered calls (Connect, Query, End, ...) and the
// run loop's own internally-scheduled follow-ups (timers, dial results).
type sessionCmd interface{ isSessionCmd() }

type cmdConnect struct {
	ctx  context.Context
	done chan error
}

type cmdTransportReady struct {
	transport *pgtransport.Transport
	frontend  *pgproto3.Frontend
	err       error
}

type cmdConnectTimeout struct{}

type cmdQuery struct{ item *queueItem }

type cmdQueryTimeout struct{ item *queueItem }

type cmdQuerySubmitFailed struct {
	item *queueItem
	err  error
}

type cmdEnd struct{ done chan struct{} }

type cmdCheckQueued struct {
	handle *QueryHandle
	result chan bool
}

type cmdCheckActive struct {
	handle *QueryHandle
	result chan bool
}

type cmdRemoveQueued struct{ handle *QueryHandle }

type cmdDebugQueue struct{ result chan []Query }
type cmdDebugActive struct{ result chan Query }

func (cmdConnect) isSessionCmd()           {}
func (cmdTransportReady) isSessionCmd()    {}
func (cmdConnectTimeout) isSessionCmd()    {}
func (cmdQuery) isSessionCmd()             {}
func (cmdQueryTimeout) isSessionCmd()      {}
func (cmdQuerySubmitFailed) isSessionCmd() {}
func (cmdEnd) isSessionCmd()               {}
func (cmdCheckQueued) isSessionCmd()       {}
func (cmdCheckActive) isSessionCmd()       {}
func (cmdRemoveQueued) isSessionCmd()      {}
func (cmdDebugQueue) isSessionCmd()        {}
func (cmdDebugActive) isSessionCmd()       {}

// backendEvent carries one decoded backend message, or a terminal error
// from the read pump.
type backendEvent struct {
	msg pgproto3.BackendMessage
	err error

	// handled is closed by the run loop once msg has been fully handled.
	handled chan struct{}
}

// runLoop is the single goroutine that owns all of a Session's mutable
// state. Every other goroutine (callers, the read pump, timers) only ever
// sends onto cmdCh/backendCh; nothing outside this function touches the
// fields below Session.runLoopDone directly.
func (s *Session) runLoop() {
	defer close(s.runLoopDone)
	for {
		select {
		case cmd := <-s.cmdCh:
			s.handleCmd(cmd)
		case ev := <-s.backendCh:
			s.handleBackendEvent(ev)
			close(ev.handled)
		}
		if s.ended {
			return
		}
	}
}

// readPump reads decoded backend messages and forwards them to the run
// loop one at a time, then waits on the event's handled channel. Receive
// is therefore never called again for message N+1 until the run loop has
// fully consumed message N — required because pgproto3 reuses
// its internal buffers across calls, so anything the run loop needs to
// keep past the next Receive must be copied out immediately (see
// queryBase.HandleDataRow).
func (s *Session) readPump(frontend *pgproto3.Frontend) {
	for {
		msg, err := frontend.Receive()
		ev := backendEvent{msg: msg, err: err, handled: make(chan struct{})}
		select {
		case s.backendCh <- ev:
		case <-s.runLoopDone:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-ev.handled:
		case <-s.runLoopDone:
			return
		}
	}
}

func (s *Session) handleCmd(cmd sessionCmd) {
	switch c := cmd.(type) {
	case cmdConnect:
		s.onConnect(c)
	case cmdTransportReady:
		s.onTransportReady(c)
	case cmdConnectTimeout:
		s.onConnectTimeout()
	case cmdQuery:
		s.onQuery(c.item)
	case cmdQueryTimeout:
		s.onQueryTimeout(c.item)
	case cmdQuerySubmitFailed:
		s.completeItem(c.item, c.err)
		s.pulse()
	case cmdEnd:
		s.onEnd(c)
	case cmdCheckQueued:
		found := false
		for _, item := range s.queue {
			if item.handle == c.handle {
				found = true
				break
			}
		}
		c.result <- found
	case cmdCheckActive:
		c.result <- (s.activeItem != nil && s.activeItem.handle == c.handle)
	case cmdRemoveQueued:
		for i, item := range s.queue {
			if item.handle == c.handle {
				item.stopTimer()
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.completeItem(item, fmt.Errorf("pgsession: query canceled"))
				break
			}
		}
	case cmdDebugQueue:
		out := make([]Query, len(s.queue))
		for i, item := range s.queue {
			out[i] = item.query
		}
		c.result <- out
	case cmdDebugActive:
		if s.activeItem != nil {
			c.result <- s.activeItem.query
		} else {
			c.result <- nil
		}
	}
}

func (s *Session) onConnect(c cmdConnect) {
	if s.connectCalled {
		c.done <- ErrAlreadyConnected
		return
	}
	s.connectCalled = true
	s.connecting = true
	s.connectResultCh = c.done

	if s.opts.ConnectTimeout > 0 {
		s.connectDeadlineTimer = time.AfterFunc(s.opts.ConnectTimeout, func() {
			s.sendCmd(cmdConnectTimeout{})
		})
	}

	go s.doConnect(c.ctx)
}

// doConnect runs on its own goroutine: dialing and TLS negotiation are
// blocking network I/O that must never stall the run loop.
func (s *Session) doConnect(ctx context.Context) {
	target := pgtransport.Target{Host: s.opts.Host, Port: s.opts.Port}
	dialOpts := pgtransport.DialOptions{
		DialTimeout:           s.opts.ConnectTimeout,
		KeepAlive:             s.opts.KeepAlive,
		KeepAliveInitialDelay: s.opts.KeepAliveInitialDelay,
	}

	transport, err := pgtransport.Dial(ctx, target, dialOpts)
	if err != nil {
		s.sendCmd(cmdTransportReady{err: err})
		return
	}

	if s.opts.TLSConfig != nil {
		if _, err := transport.UpgradeTLS(s.opts.TLSConfig); err != nil {
			transport.Close()
			s.sendCmd(cmdTransportReady{err: err})
			return
		}
	}

	frontend := pgproto3.NewFrontend(transport.Conn(), transport.Conn())
	s.sendCmd(cmdTransportReady{transport: transport, frontend: frontend})
}

func (s *Session) onTransportReady(c cmdTransportReady) {
	if c.err != nil {
		s.failConnect(c.err)
		s.finishEnded(c.err)
		return
	}

	s.transport = c.transport
	s.frontend = c.frontend
	s.authDispatcher = auth.NewDispatcher(s.opts.User, s.opts.Password, s.opts.EnableChannelBinding, s.transport)
	go s.readPump(s.frontend)

	params := startup.Build(startup.Params{
		User:                            s.opts.User,
		Database:                        s.opts.Database,
		ApplicationName:                 s.opts.ApplicationName,
		FallbackApplicationName:         s.opts.FallbackApplicationName,
		Replication:                     s.opts.Replication,
		StatementTimeout:                s.opts.StatementTimeout,
		LockTimeout:                     s.opts.LockTimeout,
		IdleInTransactionSessionTimeout: s.opts.IdleInTransactionSessionTimeout,
		Options:                         s.opts.RuntimeOptions,
	})

	s.frontend.Send(&pgproto3.StartupMessage{ProtocolVersion: protocolVersion3, Parameters: params})
	if err := s.frontend.Flush(); err != nil {
		wrapped := fmt.Errorf("pgsession: sending startup message: %w", err)
		s.failConnect(wrapped)
		s.finishEnded(wrapped)
		return
	}
}

func (s *Session) onConnectTimeout() {
	if !s.connecting {
		return
	}
	err := fmt.Errorf("pgsession: connect timeout expired")
	s.failConnect(err)
	s.finishEnded(err)
}

func (s *Session) onQuery(item *queueItem) {
	if s.ending {
		item.handle.complete(ErrClientClosed)
		return
	}
	if !s.queryable {
		item.handle.complete(ErrNotQueryable)
		return
	}

	s.queue = append(s.queue, item)

	timeout := item.readTimeout
	if timeout <= 0 {
		timeout = s.opts.QueryTimeout
	}
	if timeout > 0 {
		captured := item
		item.timer = time.AfterFunc(timeout, func() {
			s.sendCmd(cmdQueryTimeout{item: captured})
		})
	}

	s.pulse()
}

func (s *Session) onQueryTimeout(item *queueItem) {
	if item.timedOut {
		return
	}
	item.timedOut = true

	for i, qi := range s.queue {
		if qi == item {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}

	item.handle.complete(ErrQueryTimeout)
}

func (s *Session) onEnd(c cmdEnd) {
	if s.ended {
		close(c.done)
		return
	}

	s.endWaiters = append(s.endWaiters, c.done)
	if s.ending {
		return
	}
	s.ending = true
	s.queryable = false

	for _, item := range s.queue {
		item.stopTimer()
		s.completeItem(item, ErrClientClosed)
	}
	s.queue = nil

	if !s.connecting && !s.connected {
		s.finishEnded(nil)
		return
	}

	if s.connecting {
		s.failConnect(ErrClientClosed)
		if s.transport != nil {
			s.transport.Close()
		}
		s.finishEnded(nil)
		return
	}

	if s.activeItem != nil {
		item := s.activeItem
		s.activeItem = nil
		item.stopTimer()
		s.completeItem(item, ErrConnectionTerminated)
		if s.transport != nil {
			s.transport.Close()
		}
		s.finishEnded(nil)
		return
	}

	if s.frontend != nil {
		s.frontend.Send(&pgproto3.Terminate{})
		_ = s.frontend.Flush()
	}
	if s.transport != nil {
		s.transport.Close()
	}
	s.finishEnded(nil)
}

// pulse advances the queue: if the connection is ready and idle and the
// queue is non-empty, it submits the next query. Safe to call whenever
// readyForQuery or activeItem might have just changed.
func (s *Session) pulse() {
	if !s.readyForQuery || s.activeItem != nil {
		return
	}
	if len(s.queue) == 0 {
		if s.hasExecuted {
			s.emitDrain()
		}
		return
	}

	item := s.queue[0]
	s.queue = s.queue[1:]

	if item.timedOut {
		s.pulse()
		return
	}

	if name, text := item.query.PreparedText(); name != "" {
		if known, ok := s.preparedStatements[name]; ok && known == text {
			if eq, ok2 := item.query.(*ExtendedQuery); ok2 {
				eq.SkipParse = true
			}
		}
	}

	s.activeItem = item
	s.readyForQuery = false
	s.hasExecuted = true

	if err := item.query.Submit(s.frontend); err != nil {
		s.activeItem = nil
		s.readyForQuery = true
		item.stopTimer()
		captured := item
		capturedErr := fmt.Errorf("pgsession: submitting query: %w", err)
		go s.sendCmd(cmdQuerySubmitFailed{item: captured, err: capturedErr})
		s.pulse()
	}
}

func (s *Session) handleBackendEvent(ev backendEvent) {
	if ev.err != nil {
		s.handleTransportError(ev.err)
		return
	}

	switch msg := ev.msg.(type) {
	case *pgproto3.AuthenticationOk:
		// nothing to do; ReadyForQuery (or another auth step) follows.
	case *pgproto3.AuthenticationCleartextPassword:
		if err := s.authDispatcher.HandleCleartext(context.Background(), s.frontend); err != nil {
			s.handleAuthError(err)
		}
	case *pgproto3.AuthenticationMD5Password:
		if err := s.authDispatcher.HandleMD5(context.Background(), s.frontend, msg.Salt); err != nil {
			s.handleAuthError(err)
		}
	case *pgproto3.AuthenticationSASL:
		if err := s.authDispatcher.HandleSASL(context.Background(), s.frontend, msg.AuthMechanisms); err != nil {
			s.handleAuthError(err)
		}
	case *pgproto3.AuthenticationSASLContinue:
		if err := s.authDispatcher.HandleSASLContinue(s.frontend, msg.Data); err != nil {
			s.handleAuthError(err)
		}
	case *pgproto3.AuthenticationSASLFinal:
		if err := s.authDispatcher.HandleSASLFinal(msg.Data); err != nil {
			s.handleAuthError(err)
		}
	case *pgproto3.BackendKeyData:
		if !s.processIDSet {
			s.processID = msg.ProcessID
			s.secretKey = msg.SecretKey
			s.processIDSet = true
		}
	case *pgproto3.ParameterStatus:
		// ambient connection info; not modeled further.
	case *pgproto3.ReadyForQuery:
		s.handleReadyForQuery()
	case *pgproto3.RowDescription:
		s.routeToActive(func(q Query) { q.HandleRowDescription(msg) })
	case *pgproto3.DataRow:
		s.routeToActive(func(q Query) { q.HandleDataRow(msg) })
	case *pgproto3.PortalSuspended:
		s.routeToActive(func(q Query) { q.HandlePortalSuspended(msg) })
	case *pgproto3.EmptyQueryResponse:
		s.routeToActive(func(q Query) { q.HandleEmptyQueryResponse(msg) })
	case *pgproto3.CopyInResponse:
		s.routeToActive(func(q Query) { q.HandleCopyInResponse(msg) })
	case *pgproto3.CopyData:
		s.routeToActive(func(q Query) { q.HandleCopyData(msg) })
	case *pgproto3.CommandComplete:
		s.routeToActive(func(q Query) { q.HandleCommandComplete(msg) })
	case *pgproto3.ParseComplete:
		s.handleParseComplete()
	case *pgproto3.ErrorResponse:
		s.handleErrorResponse(msg)
	case *pgproto3.NoticeResponse:
		s.emitNotice(msg)
	case *pgproto3.NotificationResponse:
		s.emitNotification(msg)
	default:
		// Unrecognized/ignored message type; nothing in this protocol
		// subset needs it.
	}
}

func (s *Session) routeToActive(fn func(Query)) {
	if s.activeItem == nil {
		s.raiseSessionError(fmt.Errorf("%w: message with no active query", ErrProtocolViolation))
		return
	}
	fn(s.activeItem.query)
}

func (s *Session) handleParseComplete() {
	if s.activeItem == nil {
		s.raiseSessionError(fmt.Errorf("%w: ParseComplete with no active query", ErrProtocolViolation))
		return
	}
	if name, text := s.activeItem.query.PreparedText(); name != "" {
		s.preparedStatements[name] = text
	}
}

func (s *Session) handleErrorResponse(msg *pgproto3.ErrorResponse) {
	err := pgError(msg)

	if s.connecting {
		s.failConnect(err)
		return
	}

	if s.activeItem != nil {
		item := s.activeItem
		s.activeItem = nil
		item.stopTimer()
		s.completeItem(item, &QueryError{Err: err})
		return
	}

	s.raiseSessionError(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
}

func (s *Session) handleReadyForQuery() {
	if s.connecting {
		s.connecting = false
		s.connected = true
		s.queryable = true
		s.readyForQuery = true
		if s.connectDeadlineTimer != nil {
			s.connectDeadlineTimer.Stop()
			s.connectDeadlineTimer = nil
		}
		s.resolveConnect(nil)
		s.emitConnect()
		s.pulse()
		return
	}

	if s.activeItem != nil {
		item := s.activeItem
		s.activeItem = nil
		s.readyForQuery = true
		item.stopTimer()
		s.completeItem(item, nil)
	} else {
		s.readyForQuery = true
	}
	s.pulse()
}

func (s *Session) completeItem(item *queueItem, err error) {
	if item.timedOut {
		return
	}
	item.handle.complete(err)
}

func (s *Session) handleAuthError(err error) {
	wrapped := fmt.Errorf("pgsession: authentication: %w", err)
	s.failConnect(wrapped)
	s.finishEnded(wrapped)
}

// raiseSessionError fails the active and queued items, emits err once on
// Events().Error, and closes the transport. The resulting read failure
// drives finishEnded through the normal handleTransportError path, so
// there is exactly one place that actually tears the session down.
func (s *Session) raiseSessionError(err error) {
	if s.fatalHandled {
		return
	}
	s.fatalHandled = true
	s.queryable = false

	if s.activeItem != nil {
		item := s.activeItem
		s.activeItem = nil
		item.stopTimer()
		s.completeItem(item, err)
	}
	for _, item := range s.queue {
		item.stopTimer()
		s.completeItem(item, err)
	}
	s.queue = nil

	s.emitError(&SessionError{Err: err})

	if s.transport != nil {
		s.transport.Close()
	}
}

func (s *Session) handleTransportError(err error) {
	if s.ended {
		return
	}

	if s.connecting {
		s.failConnect(err)
		s.finishEnded(err)
		return
	}

	if s.ending {
		s.finishEnded(nil)
		return
	}

	if s.fatalHandled {
		s.finishEnded(err)
		return
	}

	s.fatalHandled = true
	s.queryable = false

	emitted := err
	if errors.Is(err, io.EOF) {
		emitted = ErrConnectionTerminated
	}

	if s.activeItem != nil {
		item := s.activeItem
		s.activeItem = nil
		item.stopTimer()
		s.completeItem(item, emitted)
	}
	for _, item := range s.queue {
		item.stopTimer()
		s.completeItem(item, emitted)
	}
	s.queue = nil

	s.emitError(&SessionError{Err: emitted})
	s.finishEnded(err)
}

// failConnect latches the first connect-phase error and delivers it to
// whoever is waiting on Connect. Subsequent connect-phase errors (e.g. a
// late ErrorResponse arriving after the socket already failed) are
// dropped, logged at Debug so they're findable without changing the
// caller-observable behavior of exactly one error per Connect call.
func (s *Session) failConnect(err error) {
	if s.connectionErrorLatched {
		slog.Debug("pgsession: dropping additional connect-phase error", "err", err)
		return
	}
	s.connectionErrorLatched = true

	if s.connectDeadlineTimer != nil {
		s.connectDeadlineTimer.Stop()
		s.connectDeadlineTimer = nil
	}

	s.connecting = false
	s.resolveConnect(&ConnectError{Err: err})
}

func (s *Session) resolveConnect(err error) {
	if s.connectResultCh == nil {
		return
	}
	ch := s.connectResultCh
	s.connectResultCh = nil
	ch <- err
}

func (s *Session) finishEnded(err error) {
	if s.ended {
		for _, w := range s.endWaiters {
			close(w)
		}
		s.endWaiters = nil
		return
	}
	s.ended = true
	s.connecting = false
	s.connected = false
	s.queryable = false

	if s.connectDeadlineTimer != nil {
		s.connectDeadlineTimer.Stop()
		s.connectDeadlineTimer = nil
	}
	if s.transport != nil {
		s.transport.Close()
	}

	s.emitEnd()

	for _, w := range s.endWaiters {
		close(w)
	}
	s.endWaiters = nil
}

func pgError(msg *pgproto3.ErrorResponse) error {
	return fmt.Errorf("backend error [%s] %s: %s", msg.Code, msg.Severity, msg.Message)
}
