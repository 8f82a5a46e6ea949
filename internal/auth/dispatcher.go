// Package auth drives one PostgreSQL authentication handshake on behalf
// of a session: it turns Authentication* backend messages into wire
// responses, delegating SASL exchanges to the scram package.
package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/dbbouncer/pgsession/internal/scram"
)

// PasswordSource resolves the password to use, invoked lazily at the
// moment of the first auth challenge and cached for the rest of the
// handshake.
type PasswordSource interface {
	Password(ctx context.Context) (string, error)
}

// Sender is the minimal wire-write surface the dispatcher needs;
// satisfied by *pgproto3.Frontend.
type Sender interface {
	Send(msg pgproto3.FrontendMessage)
	Flush() error
}

// Dispatcher holds the state needed across the (possibly multi-step) auth
// exchange for a single connection attempt. Discard it once authentication
// finishes or fails.
type Dispatcher struct {
	user                 string
	password             PasswordSource
	enableChannelBinding bool
	transport            scram.PeerCertSource

	resolvedPassword string
	havePassword     bool

	scramSession  *scram.Session
	scramPassword string
}

func NewDispatcher(user string, password PasswordSource, enableChannelBinding bool, transport scram.PeerCertSource) *Dispatcher {
	return &Dispatcher{
		user:                 user,
		password:             password,
		enableChannelBinding: enableChannelBinding,
		transport:            transport,
	}
}

func (d *Dispatcher) resolvePassword(ctx context.Context) (string, error) {
	if d.havePassword {
		return d.resolvedPassword, nil
	}
	if d.password == nil {
		d.havePassword = true
		return "", nil
	}
	pw, err := d.password.Password(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: resolving password: %w", err)
	}
	d.resolvedPassword = pw
	d.havePassword = true
	return pw, nil
}

// HandleCleartext responds to AuthenticationCleartextPassword.
func (d *Dispatcher) HandleCleartext(ctx context.Context, w Sender) error {
	pw, err := d.resolvePassword(ctx)
	if err != nil {
		return err
	}
	w.Send(&pgproto3.PasswordMessage{Password: pw})
	return w.Flush()
}

// HandleMD5 responds to AuthenticationMD5Password.
func (d *Dispatcher) HandleMD5(ctx context.Context, w Sender, salt [4]byte) error {
	pw, err := d.resolvePassword(ctx)
	if err != nil {
		return err
	}
	w.Send(&pgproto3.PasswordMessage{Password: computeMD5Password(d.user, pw, salt[:])})
	return w.Flush()
}

// HandleSASL responds to AuthenticationSASL by starting a SCRAM session
// and sending the client-first-message as a SASLInitialResponse.
func (d *Dispatcher) HandleSASL(ctx context.Context, w Sender, mechanisms []string) error {
	pw, err := d.resolvePassword(ctx)
	if err != nil {
		return err
	}
	s, clientFirst, err := scram.StartSession(mechanisms, d.enableChannelBinding, d.transport)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	d.scramSession = s
	d.scramPassword = pw
	w.Send(&pgproto3.SASLInitialResponse{AuthMechanism: s.Mechanism(), Data: []byte(clientFirst)})
	return w.Flush()
}

// HandleSASLContinue responds to AuthenticationSASLContinue.
func (d *Dispatcher) HandleSASLContinue(w Sender, data []byte) error {
	if d.scramSession == nil {
		return fmt.Errorf("auth: SASLContinue received without a SASL session")
	}
	resp, err := scram.ContinueSession(d.scramSession, d.scramPassword, string(data), d.transport)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	w.Send(&pgproto3.SASLResponse{Data: []byte(resp)})
	return w.Flush()
}

// HandleSASLFinal verifies AuthenticationSASLFinal and discards the SCRAM
// session regardless of outcome.
func (d *Dispatcher) HandleSASLFinal(data []byte) error {
	if d.scramSession == nil {
		return fmt.Errorf("auth: SASLFinal received without a SASL session")
	}
	err := scram.FinalizeSession(d.scramSession, string(data))
	d.scramSession = nil
	d.scramPassword = ""
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

// computeMD5Password computes "md5" + hex(md5(hex(md5(password+user)) + salt)).
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}
