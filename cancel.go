package pgsession

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/dbbouncer/pgsession/internal/pgtransport"
)

// Cancel requests cancellation of q on target. If q is still queued (not
// yet submitted), it is simply removed from target's queue and completes
// with an error locally — no wire traffic needed. If q is target's
// active query, Cancel opens a brand new, short-lived connection to the
// same address and sends a CancelRequest carrying target's
// ProcessID/SecretKey, exactly as libpq does; it never touches target's
// primary connection. If q has already completed, Cancel is a no-op.
//
// Per the protocol, the backend may silently ignore an invalid or
// mistimed CancelRequest, so success here only means the request was
// delivered, not that the query was actually interrupted.
func Cancel(ctx context.Context, target *Session, q *QueryHandle) error {
	select {
	case <-q.Done():
		return nil
	default:
	}

	if target.isQueued(q) {
		target.removeQueued(q)
		return nil
	}

	if !target.isActive(q) {
		return nil
	}

	processID, secretKey, ok := target.BackendKeyData()
	if !ok {
		return fmt.Errorf("pgsession: cancel: target has no BackendKeyData yet")
	}

	cancelTransport, err := pgtransport.Dial(ctx, pgtransport.Target{Host: target.opts.Host, Port: target.opts.Port}, pgtransport.DialOptions{
		DialTimeout: target.opts.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("pgsession: cancel: dialing: %w", err)
	}
	defer cancelTransport.Close()

	if target.opts.TLSConfig != nil {
		if _, err := cancelTransport.UpgradeTLS(target.opts.TLSConfig); err != nil {
			return fmt.Errorf("pgsession: cancel: TLS upgrade: %w", err)
		}
	}

	buf, err := (&pgproto3.CancelRequest{ProcessID: processID, SecretKey: secretKey}).Encode(nil)
	if err != nil {
		return fmt.Errorf("pgsession: cancel: encoding CancelRequest: %w", err)
	}
	if _, err := cancelTransport.Conn().Write(buf); err != nil {
		return fmt.Errorf("pgsession: cancel: writing CancelRequest: %w", err)
	}
	return nil
}

func (s *Session) isQueued(h *QueryHandle) bool {
	result := make(chan bool, 1)
	select {
	case s.cmdCh <- cmdCheckQueued{handle: h, result: result}:
	case <-s.runLoopDone:
		return false
	}
	return <-result
}

func (s *Session) isActive(h *QueryHandle) bool {
	result := make(chan bool, 1)
	select {
	case s.cmdCh <- cmdCheckActive{handle: h, result: result}:
	case <-s.runLoopDone:
		return false
	}
	return <-result
}

func (s *Session) removeQueued(h *QueryHandle) {
	select {
	case s.cmdCh <- cmdRemoveQueued{handle: h}:
	case <-s.runLoopDone:
	}
}
