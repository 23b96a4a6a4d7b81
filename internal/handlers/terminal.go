package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gluk-w/sshbridge/internal/bridge"
	"github.com/gluk-w/sshbridge/internal/logutil"
	"github.com/gluk-w/sshbridge/internal/metrics"
	"github.com/gluk-w/sshbridge/internal/sshaudit"
)

// Bridge runs terminal sessions. Set from main.go during init.
var Bridge *bridge.Coordinator

// TerminalOptions controls the WebSocket side of terminal sessions.
type TerminalOptions struct {
	// TextFrames sends shell output as text frames, each ending on a UTF-8
	// character boundary. False sends binary frames.
	TextFrames bool
	// MaxMessageSize is the largest client message accepted.
	MaxMessageSize int64
	// OriginPatterns restricts browser origins. Empty accepts any origin.
	OriginPatterns []string
}

// Terminal is set from main.go during init.
var Terminal = TerminalOptions{TextFrames: true, MaxMessageSize: 1 << 20}

// rejectTimeout bounds the diagnostic write when refusing a connection.
const rejectTimeout = 5 * time.Second

// TerminalWS upgrades the request to a WebSocket and bridges it to an
// interactive SSH shell.
//
// Query parameters:
//   - host: (required) target host name or address
//   - username: (required) remote user
//   - port: (optional) target port, default 22
//
// Missing or invalid parameters are reported as a single text message
// before the connection is closed; no SSH connection is attempted.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	if Bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "Bridge not initialized")
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: Terminal.OriginPatterns}
	if len(Terminal.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("[terminal] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	if Terminal.MaxMessageSize > 0 {
		conn.SetReadLimit(Terminal.MaxMessageSize)
	}
	in := newWSInbound(conn, Terminal.TextFrames)
	sourceIP := clientIP(r)

	params, err := bridge.ParseParams(r.URL.Query())
	if err != nil {
		rejectTerminal(r, in, sourceIP, err)
		return
	}
	params.SourceIP = sourceIP

	// Session outcomes are logged and audited by the coordinator.
	Bridge.Serve(r.Context(), params, in)
}

func rejectTerminal(r *http.Request, in *wsInbound, sourceIP string, err error) {
	msg := err.Error()
	var pe *bridge.ParamError
	if errors.As(err, &pe) {
		msg = pe.Message
	}

	q := r.URL.Query()
	metrics.ParameterErrors.Inc()
	sshaudit.LogParameterError(q.Get("host"), q.Get("username"), sourceIP, msg)
	log.Printf("[terminal] rejected connection from %s: %s", sourceIP, logutil.SanitizeForLog(msg))

	ctx, cancel := context.WithTimeout(r.Context(), rejectTimeout)
	defer cancel()
	if err := in.Notify(ctx, msg); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("[terminal] send diagnostic to %s: %v", sourceIP, err)
	}
	if err := in.Close(); err != nil {
		log.Printf("[terminal] close connection from %s: %v", sourceIP, err)
	}
}

// wsInbound adapts a WebSocket connection to bridge.Inbound. Each client
// message becomes one read; each output chunk becomes one message.
type wsInbound struct {
	conn       *websocket.Conn
	outputType websocket.MessageType

	closeOnce sync.Once
	closeErr  error
}

func newWSInbound(conn *websocket.Conn, textFrames bool) *wsInbound {
	t := websocket.MessageBinary
	if textFrames {
		t = websocket.MessageText
	}
	return &wsInbound{conn: conn, outputType: t}
}

// Read returns the payload of the next text or binary message. A close
// frame from the client, or the connection ending, reads as io.EOF.
func (in *wsInbound) Read(ctx context.Context) ([]byte, error) {
	_, data, err := in.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (in *wsInbound) Write(ctx context.Context, p []byte) error {
	return in.conn.Write(ctx, in.outputType, p)
}

// TextOutput reports whether output goes out as text frames.
func (in *wsInbound) TextOutput() bool {
	return in.outputType == websocket.MessageText
}

func (in *wsInbound) Notify(ctx context.Context, msg string) error {
	return in.conn.Write(ctx, websocket.MessageText, []byte(msg))
}

// Close performs the closing handshake once. Later calls return the first
// result.
func (in *wsInbound) Close() error {
	in.closeOnce.Do(func() {
		err := in.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil && !errors.Is(err, net.ErrClosed) && websocket.CloseStatus(err) == -1 {
			in.closeErr = err
		}
	})
	return in.closeErr
}

// clientIP returns the request's remote address without the port. The chi
// RealIP middleware has already applied X-Forwarded-For / X-Real-IP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
