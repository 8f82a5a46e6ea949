// Package pgtransport owns the single duplex byte stream backing one
// session's connection to a PostgreSQL backend: a raw TCP or Unix-domain
// socket, optionally upgraded to TLS by the SSLRequest handshake.
package pgtransport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Target identifies where to dial.
type Target struct {
	Host string
	Port int
}

// network follows the Unix-socket-vs-TCP rule: a host beginning with "/"
// dials a Unix socket at "<host>/.s.PGSQL.<port>"; anything else dials TCP.
func (t Target) network() (network, address string) {
	if strings.HasPrefix(t.Host, "/") {
		return "unix", fmt.Sprintf("%s/.s.PGSQL.%d", t.Host, t.Port)
	}
	return "tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// DialOptions configures the raw dial before any PostgreSQL-level bytes
// are exchanged.
type DialOptions struct {
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	KeepAliveInitialDelay time.Duration
}

// Transport is the live connection. It does not know about StartupMessage,
// authentication, or queries — those live a layer up.
type Transport struct {
	conn    net.Conn
	tlsConn *tls.Conn // non-nil once UpgradeTLS has succeeded
}

// Dial opens the raw transport. Callers drive SSLRequest/StartupMessage
// next over the returned Transport.
func Dial(ctx context.Context, target Target, opts DialOptions) (*Transport, error) {
	network, address := target.network()

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	if network == "tcp" && opts.KeepAlive > 0 {
		dialer.KeepAlive = opts.KeepAlive
	}

	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("pgtransport: dial %s %s: %w", network, address, err)
	}

	if network == "tcp" && opts.KeepAliveInitialDelay > 0 {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(opts.KeepAliveInitialDelay)
		}
	}

	return &Transport{conn: conn}, nil
}

// sslRequestBytes builds the fixed 8-byte SSLRequest packet. Using
// pgproto3's own encoder here keeps the magic request code in one place
// even though this particular exchange predates normal message framing.
func sslRequestBytes() ([]byte, error) {
	buf, err := (&pgproto3.SSLRequest{}).Encode(nil)
	if err != nil {
		return nil, fmt.Errorf("pgtransport: encoding SSLRequest: %w", err)
	}
	return buf, nil
}

// UpgradeTLS performs the SSLRequest handshake and, if the backend agrees,
// upgrades the connection to TLS. If the backend refuses (sends 'N'), ok
// is false and the connection is left exactly as it was so the caller can
// continue the unencrypted startup flow.
func (t *Transport) UpgradeTLS(cfg *tls.Config) (ok bool, err error) {
	req, err := sslRequestBytes()
	if err != nil {
		return false, err
	}
	if _, err := t.conn.Write(req); err != nil {
		return false, fmt.Errorf("pgtransport: writing SSLRequest: %w", err)
	}

	resp := make([]byte, 1)
	if _, err := io.ReadFull(t.conn, resp); err != nil {
		return false, fmt.Errorf("pgtransport: reading SSLRequest response: %w", err)
	}

	switch resp[0] {
	case 'N':
		return false, nil
	case 'S':
		tlsConn := tls.Client(t.conn, cfg)
		if err := tlsConn.HandshakeContext(context.Background()); err != nil {
			return false, fmt.Errorf("pgtransport: TLS handshake: %w", err)
		}
		t.tlsConn = tlsConn
		t.conn = tlsConn
		return true, nil
	default:
		return false, fmt.Errorf("pgtransport: unexpected SSLRequest response byte %q", resp[0])
	}
}

// IsTLS reports whether UpgradeTLS has completed successfully.
func (t *Transport) IsTLS() bool { return t.tlsConn != nil }

// PeerCertificate returns the backend's leaf certificate, for SCRAM
// channel binding. Only available once IsTLS is true.
func (t *Transport) PeerCertificate() (*x509.Certificate, bool) {
	if t.tlsConn == nil {
		return nil, false
	}
	state := t.tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, false
	}
	return state.PeerCertificates[0], true
}

// Conn returns the current underlying connection (raw or TLS).
func (t *Transport) Conn() net.Conn { return t.conn }

func (t *Transport) Close() error { return t.conn.Close() }
