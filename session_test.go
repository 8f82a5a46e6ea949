package pgsession

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

// startMockServer listens on a free local port, accepts one connection in a
// background goroutine and runs handler on it, mimicking a PostgreSQL backend
// closely enough to drive Session's dial/auth/query paths end to end.
func startMockServer(t *testing.T, handler func(*testing.T, net.Conn)) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handler(t, conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// acceptAndAuthenticate drives a trivial-trust backend handshake
// (no password challenge) through ReadyForQuery, then calls onMessage for
// every frontend message it receives until the connection closes.
func acceptAndAuthenticate(t *testing.T, conn net.Conn, onMessage func(pgproto3.FrontendMessage, *pgproto3.Backend)) {
	t.Helper()
	defer conn.Close()

	backend := pgproto3.NewBackend(conn, conn)
	if _, err := backend.ReceiveStartupMessage(); err != nil {
		t.Logf("ReceiveStartupMessage: %v", err)
		return
	}

	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.BackendKeyData{ProcessID: 4242, SecretKey: 24242})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := backend.Flush(); err != nil {
		t.Logf("flush after auth: %v", err)
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		onMessage(msg, backend)
	}
}

func TestConnectSucceedsAgainstTrivialTrustBackend(t *testing.T) {
	host, port := startMockServer(t, func(t *testing.T, conn net.Conn) {
		acceptAndAuthenticate(t, conn, func(msg pgproto3.FrontendMessage, backend *pgproto3.Backend) {})
	})

	sess := NewSession(Options{Host: host, Port: port, Database: "app", User: "tester", ConnectTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	pid, secret, ok := sess.BackendKeyData()
	if !ok || pid != 4242 || secret != 24242 {
		t.Errorf("BackendKeyData() = (%d, %d, %v), want (4242, 24242, true)", pid, secret, ok)
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer endCancel()
	if err := sess.End(endCtx); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestConnectCalledTwiceReturnsAlreadyConnected(t *testing.T) {
	host, port := startMockServer(t, func(t *testing.T, conn net.Conn) {
		acceptAndAuthenticate(t, conn, func(msg pgproto3.FrontendMessage, backend *pgproto3.Backend) {})
	})

	sess := NewSession(Options{Host: host, Port: port, User: "tester", ConnectTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := sess.Connect(ctx); err != ErrAlreadyConnected {
		t.Errorf("second Connect() = %v, want ErrAlreadyConnected", err)
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer endCancel()
	sess.End(endCtx)
}

func TestQueryRunsAgainstSimpleQueryProtocol(t *testing.T) {
	host, port := startMockServer(t, func(t *testing.T, conn net.Conn) {
		acceptAndAuthenticate(t, conn, func(msg pgproto3.FrontendMessage, backend *pgproto3.Backend) {
			if _, ok := msg.(*pgproto3.Query); !ok {
				return
			}
			backend.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
				{Name: []byte("one"), DataTypeOID: 23},
			}})
			backend.Send(&pgproto3.DataRow{Values: [][]byte{[]byte("1")}})
			backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			backend.Flush()
		})
	})

	sess := NewSession(Options{Host: host, Port: port, User: "tester", ConnectTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	handle := sess.QueryText("SELECT 1", time.Second)
	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("query Wait: %v", err)
	}
	if result.CommandTag != "SELECT 1" {
		t.Errorf("CommandTag = %q, want %q", result.CommandTag, "SELECT 1")
	}
	if len(result.Rows) != 1 || string(result.Rows[0].Raw[0]) != "1" {
		t.Errorf("Rows = %+v, want one row with value 1", result.Rows)
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer endCancel()
	sess.End(endCtx)
}

func TestQueriesCompleteInFIFOOrder(t *testing.T) {
	host, port := startMockServer(t, func(t *testing.T, conn net.Conn) {
		acceptAndAuthenticate(t, conn, func(msg pgproto3.FrontendMessage, backend *pgproto3.Backend) {
			if _, ok := msg.(*pgproto3.Query); !ok {
				return
			}
			backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			backend.Flush()
		})
	})

	sess := NewSession(Options{Host: host, Port: port, User: "tester", ConnectTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h1 := sess.QueryText("SELECT 1", time.Second)
	h2 := sess.QueryText("SELECT 2", time.Second)
	h3 := sess.QueryText("SELECT 3", time.Second)

	select {
	case <-h2.Done():
		t.Fatal("second query completed before the first")
	default:
	}

	if _, err := h1.Wait(ctx); err != nil {
		t.Fatalf("h1 Wait: %v", err)
	}
	if _, err := h2.Wait(ctx); err != nil {
		t.Fatalf("h2 Wait: %v", err)
	}
	if _, err := h3.Wait(ctx); err != nil {
		t.Fatalf("h3 Wait: %v", err)
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer endCancel()
	sess.End(endCtx)
}

func TestQueryTimesOutWhenBackendNeverResponds(t *testing.T) {
	host, port := startMockServer(t, func(t *testing.T, conn net.Conn) {
		acceptAndAuthenticate(t, conn, func(msg pgproto3.FrontendMessage, backend *pgproto3.Backend) {
			// Never responds to the query; the client-side timer must fire.
		})
	})

	sess := NewSession(Options{Host: host, Port: port, User: "tester", ConnectTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	handle := sess.QueryText("SELECT pg_sleep(60)", 200*time.Millisecond)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if _, err := handle.Wait(waitCtx); err != ErrQueryTimeout {
		t.Errorf("Wait() = %v, want ErrQueryTimeout", err)
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer endCancel()
	sess.End(endCtx)
}

func TestQueryBeforeConnectFailsNotQueryable(t *testing.T) {
	sess := NewSession(Options{Host: "127.0.0.1", Port: 1, User: "tester"})
	handle := sess.QueryText("SELECT 1", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); err != ErrNotQueryable {
		t.Errorf("Wait() = %v, want ErrNotQueryable", err)
	}
}

func TestEndBeforeConnectIsIdempotentNoOp(t *testing.T) {
	sess := NewSession(Options{Host: "127.0.0.1", Port: 1, User: "tester"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.End(ctx); err != nil {
		t.Fatalf("End before Connect: %v", err)
	}
	if err := sess.End(ctx); err != nil {
		t.Fatalf("second End: %v", err)
	}
}

func TestQueryAfterEndFailsWithClientClosed(t *testing.T) {
	host, port := startMockServer(t, func(t *testing.T, conn net.Conn) {
		acceptAndAuthenticate(t, conn, func(msg pgproto3.FrontendMessage, backend *pgproto3.Backend) {
			backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			backend.Flush()
		})
	})

	sess := NewSession(Options{Host: host, Port: port, User: "tester", ConnectTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer endCancel()
	sess.End(endCtx)

	handle := sess.QueryText("SELECT 1", time.Second)
	if _, err := handle.Wait(ctx); err != ErrClientClosed {
		t.Errorf("Wait() = %v, want ErrClientClosed", err)
	}
}

func TestEndDuringConnectResolvesThePendingConnectPromptly(t *testing.T) {
	host, port := startMockServer(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		backend := pgproto3.NewBackend(conn, conn)
		if _, err := backend.ReceiveStartupMessage(); err != nil {
			return
		}
		// Deliberately never sends AuthenticationOk/ReadyForQuery, so the
		// session stays in the "connecting" state until End is called.
		select {}
	})

	sess := NewSession(Options{Host: host, Port: port, User: "tester"})

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- sess.Connect(context.Background())
	}()

	// Give doConnect/onTransportReady time to reach "connecting" before
	// End races it.
	time.Sleep(50 * time.Millisecond)

	endCtx, endCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer endCancel()
	if err := sess.End(endCtx); err != nil {
		t.Fatalf("End: %v", err)
	}

	select {
	case err := <-connectDone:
		if err == nil {
			t.Error("expected Connect to fail once End tore down the connection mid-handshake")
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return promptly after End was called mid-connect")
	}
}
