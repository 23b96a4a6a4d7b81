package handlers

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/gluk-w/sshbridge/internal/bridge"
	"github.com/gluk-w/sshbridge/internal/metrics"
	"github.com/gluk-w/sshbridge/internal/sshtest"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// setupBridge installs a coordinator for srv and returns a dial counter.
func setupBridge(t *testing.T, srv *sshtest.Server) *atomic.Int32 {
	t.Helper()
	var dials atomic.Int32
	prevBridge, prevSessions, prevTerminal := Bridge, Sessions, Terminal
	t.Cleanup(func() {
		Bridge, Sessions, Terminal = prevBridge, prevSessions, prevTerminal
	})

	Sessions = bridge.NewTracker()
	Bridge = &bridge.Coordinator{
		Establisher: &bridge.Establisher{
			Credential: srv.Credential,
			Timeout:    5 * time.Second,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				dials.Add(1)
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
		Tracker: Sessions,
	}
	return &dials
}

func startTerminalServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(TerminalWS))
	t.Cleanup(ts.Close)
	return ts
}

func dialTerminal(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Read(ctx)
}

// readUntil collects output messages until their concatenation equals want.
func readUntil(t *testing.T, conn *websocket.Conn, want []byte) websocket.MessageType {
	t.Helper()
	var got []byte
	var typ websocket.MessageType
	for !bytes.Equal(got, want) {
		mt, data, err := readMessage(t, conn)
		if err != nil {
			t.Fatalf("read: %v (have %q, want %q)", err, got, want)
		}
		typ = mt
		got = append(got, data...)
		if len(got) > len(want) {
			t.Fatalf("output = %q, want %q", got, want)
		}
	}
	return typ
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_, data, err := readMessage(t, conn)
	if err == nil {
		t.Fatalf("expected close, got message %q", data)
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", status, err)
	}
}

func TestTerminalWS_MissingParameters(t *testing.T) {
	srv := sshtest.NewServer(t)
	dials := setupBridge(t, srv)
	ts := startTerminalServer(t)

	queries := []string{
		"username=bob",
		"host=" + srv.Host,
		"host=&username=bob",
		"",
	}
	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.ParameterErrors)
			conn := dialTerminal(t, ts, q)

			typ, data, err := readMessage(t, conn)
			if err != nil {
				t.Fatalf("read diagnostic: %v", err)
			}
			if typ != websocket.MessageText || string(data) != bridge.MissingParamsMessage {
				t.Errorf("got %v %q, want text %q", typ, data, bridge.MissingParamsMessage)
			}
			expectClosed(t, conn)

			if got := testutil.ToFloat64(metrics.ParameterErrors) - before; got != 1 {
				t.Errorf("parameter_errors delta = %v, want 1", got)
			}
		})
	}

	if dials.Load() != 0 || srv.Accepted() != 0 {
		t.Errorf("dials = %d, accepted = %d, want none", dials.Load(), srv.Accepted())
	}
	if Sessions.ActiveCount() != 0 || len(Sessions.List()) != 0 {
		t.Error("a session was created for a rejected connection")
	}
}

func TestTerminalWS_InvalidPort(t *testing.T) {
	srv := sshtest.NewServer(t)
	dials := setupBridge(t, srv)
	ts := startTerminalServer(t)

	conn := dialTerminal(t, ts, "host="+srv.Host+"&username=bob&port=abc")
	_, data, err := readMessage(t, conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `Error: Invalid port "abc"` {
		t.Errorf("diagnostic = %q", data)
	}
	expectClosed(t, conn)
	if dials.Load() != 0 {
		t.Errorf("dialed %d times", dials.Load())
	}
}

func TestTerminalWS_EchoSession(t *testing.T) {
	srv := sshtest.NewServer(t)
	setupBridge(t, srv)
	Terminal.TextFrames = false
	ts := startTerminalServer(t)

	conn := dialTerminal(t, ts, "host="+srv.Host+"&username=bob&port="+itoa(srv.Port))

	ctx := context.Background()
	payload := []byte("hello \x00\xff")
	if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if typ := readUntil(t, conn, payload); typ != websocket.MessageBinary {
		t.Errorf("output frame type = %v, want binary", typ)
	}

	// Text frames from the client are relayed the same way.
	if err := conn.Write(ctx, websocket.MessageText, []byte("ls\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, []byte("ls\r"))

	list := Sessions.List()
	if len(list) != 1 || list[0].State != bridge.StateStreaming {
		t.Fatalf("sessions = %+v, want one streaming", list)
	}
	if list[0].SourceIP != "127.0.0.1" {
		t.Errorf("SourceIP = %q", list[0].SourceIP)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitUntil(t, "outbound connection to close", func() bool { return srv.ActiveConns() == 0 })
	waitUntil(t, "session to close", func() bool { return Sessions.ActiveCount() == 0 })
}

func TestTerminalWS_TextOutputFrames(t *testing.T) {
	srv := sshtest.NewServer(t)
	setupBridge(t, srv)
	ts := startTerminalServer(t)

	conn := dialTerminal(t, ts, "host="+srv.Host+"&username=bob&port="+itoa(srv.Port))
	if err := conn.Write(context.Background(), websocket.MessageBinary, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if typ := readUntil(t, conn, []byte("hi")); typ != websocket.MessageText {
		t.Errorf("default output frame type = %v, want text", typ)
	}
}

func TestTerminalWS_TextFramesAreValidUTF8(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithShell(sshtest.Output(
		[]byte("total: "), []byte{0xe2, 0x82}, []byte{0xac}, []byte("42\r\n"),
	)))
	setupBridge(t, srv)
	ts := startTerminalServer(t)

	conn := dialTerminal(t, ts, "host="+srv.Host+"&username=bob&port="+itoa(srv.Port))
	var got []byte
	for {
		typ, data, err := readMessage(t, conn)
		if err != nil {
			break
		}
		if typ != websocket.MessageText || !utf8.Valid(data) {
			t.Errorf("frame %v % x is not valid text", typ, data)
		}
		got = append(got, data...)
	}
	if string(got) != "total: €42\r\n" {
		t.Errorf("output = %q", got)
	}
}

func TestTerminalWS_ShellExitClosesSocket(t *testing.T) {
	srv := sshtest.NewServer(t)
	setupBridge(t, srv)
	ts := startTerminalServer(t)

	conn := dialTerminal(t, ts, "host="+srv.Host+"&username=bob&port="+itoa(srv.Port))
	if err := conn.Write(context.Background(), websocket.MessageBinary, []byte{0x04}); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, conn)
}

func TestTerminalWS_AuthFailure(t *testing.T) {
	srv := sshtest.NewServer(t)
	setupBridge(t, srv)
	Bridge.Establisher.Credential = sshtest.NewCredential(t)
	ts := startTerminalServer(t)

	conn := dialTerminal(t, ts, "host="+srv.Host+"&username=bob&port="+itoa(srv.Port))
	typ, data, err := readMessage(t, conn)
	if err != nil {
		t.Fatalf("read diagnostic: %v", err)
	}
	msg := string(data)
	if typ != websocket.MessageText || !strings.HasPrefix(msg, "SSH connection error: ") || !strings.Contains(msg, "unable to authenticate") {
		t.Errorf("diagnostic = %v %q", typ, msg)
	}
	expectClosed(t, conn)
}

func TestTerminalWS_ClientLeavesDuringHandshake(t *testing.T) {
	srv := sshtest.NewServer(t)
	setupBridge(t, srv)
	Bridge.Establisher.Timeout = 30 * time.Second

	// A target that accepts TCP and never sends an SSH banner.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	released := make(chan time.Time, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				released <- time.Now()
				return
			}
		}
	}()

	ts := startTerminalServer(t)
	port := ln.Addr().(*net.TCPAddr).Port
	conn := dialTerminal(t, ts, "host=127.0.0.1&username=bob&port="+itoa(port))
	waitUntil(t, "handshake in progress", func() bool {
		list := Sessions.List()
		return len(list) == 1 && list[0].State == bridge.StateAuthenticating
	})

	left := time.Now()
	conn.CloseNow()

	select {
	case at := <-released:
		if d := at.Sub(left); d > 2*time.Second {
			t.Errorf("outbound connection held %s after the client left", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("outbound connection still open after the client left")
	}
	waitUntil(t, "session to close", func() bool { return Sessions.ActiveCount() == 0 })
}

func TestTerminalWS_MessageTooBig(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.WithShell(sshtest.Hold))
	setupBridge(t, srv)
	Terminal.MaxMessageSize = 16
	ts := startTerminalServer(t)

	conn := dialTerminal(t, ts, "host="+srv.Host+"&username=bob&port="+itoa(srv.Port))
	conn.Write(context.Background(), websocket.MessageBinary, bytes.Repeat([]byte("x"), 64))

	_, _, err := readMessage(t, conn)
	if err == nil {
		t.Fatal("expected the connection to close")
	}
	waitUntil(t, "outbound connection to close", func() bool { return srv.ActiveConns() == 0 })
}

func TestTerminalWS_NotInitialized(t *testing.T) {
	prev := Bridge
	Bridge = nil
	defer func() { Bridge = prev }()

	rec := httptest.NewRecorder()
	TerminalWS(rec, httptest.NewRequest(http.MethodGet, "/?host=h&username=u", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
