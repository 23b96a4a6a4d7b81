package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/gluk-w/sshbridge/internal/credential"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultConnectTimeout bounds dialing, authentication and the shell
	// request together.
	DefaultConnectTimeout = 30 * time.Second

	defaultTerm = "xterm-256color"
	defaultCols = 80
	defaultRows = 24
)

// EstablishError reports the step at which establishment failed.
type EstablishError struct {
	Stage State
	Err   error
}

func (e *EstablishError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *EstablishError) Unwrap() error { return e.Err }

// Diagnostic is the text sent to the client for this failure.
func (e *EstablishError) Diagnostic() string {
	if e.Stage == StateShellRequested {
		return "Error: " + e.Err.Error()
	}
	return "SSH connection error: " + e.Err.Error()
}

// Shell is an interactive shell channel with a PTY.
type Shell struct {
	session *ssh.Session

	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
}

// Close closes the channel. The remote shell receives a hangup.
func (sh *Shell) Close() error {
	return sh.session.Close()
}

// Establisher opens the outbound side of a session. One Establisher is
// shared by all sessions; it holds no per-session state.
type Establisher struct {
	Credential      *credential.Credential
	HostKeyCallback ssh.HostKeyCallback

	// Timeout bounds the whole establishment. Zero means DefaultConnectTimeout.
	Timeout time.Duration

	Term string
	Cols int
	Rows int

	// Restriction limits dial targets. Nil allows all.
	Restriction *TargetRestriction
	// Limiter throttles dials per target. Nil disables limiting.
	Limiter *RateLimiter

	// DialContext replaces the TCP dialer. Used in tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (e *Establisher) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return DefaultConnectTimeout
}

func (e *Establisher) dial(ctx context.Context, addr string) (net.Conn, error) {
	if e.DialContext != nil {
		return e.DialContext(ctx, "tcp", addr)
	}
	d := net.Dialer{Timeout: e.timeout()}
	return d.DialContext(ctx, "tcp", addr)
}

// Establish drives s from INIT to STREAMING: dial, authenticate, then
// request a PTY shell. It makes exactly one attempt. On failure it returns
// an *EstablishError and leaves s in the failing stage, holding whatever
// handles were opened so the caller's teardown releases them.
func (e *Establisher) Establish(ctx context.Context, s *Session) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	addr := s.Addr()

	// CONNECTING
	if !s.transition(StateConnecting, "dialing "+addr) {
		return &EstablishError{Stage: s.State(), Err: errors.New("session is not new")}
	}
	if err := e.Limiter.Allow(addr); err != nil {
		return &EstablishError{Stage: StateConnecting, Err: err}
	}
	dialAddr := addr
	if e.Restriction != nil {
		ip, err := e.Restriction.Resolve(ctx, s.Host)
		if err != nil {
			return &EstablishError{Stage: StateConnecting, Err: contextErr(ctx, err)}
		}
		dialAddr = net.JoinHostPort(ip.String(), strconv.Itoa(s.Port))
	}
	netConn, err := e.dial(ctx, dialAddr)
	if err != nil {
		e.recordFailure(ctx, addr)
		return &EstablishError{Stage: StateConnecting, Err: contextErr(ctx, fmt.Errorf("dial %s: %w", addr, err))}
	}

	// AUTHENTICATING
	s.transition(StateAuthenticating, "ssh handshake as "+s.Username)
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { netConn.Close() })

	cfg := &ssh.ClientConfig{
		User:            s.Username,
		Auth:            []ssh.AuthMethod{e.Credential.AuthMethod()},
		HostKeyCallback: e.HostKeyCallback,
		Timeout:         e.timeout(),
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() // #nosec G106 -- callers opt in by leaving it nil
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		stop()
		netConn.Close()
		e.recordFailure(ctx, addr)
		return &EstablishError{Stage: StateAuthenticating, Err: contextErr(ctx, err)}
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	if err := s.setClient(client); err != nil {
		stop()
		client.Close()
		return &EstablishError{Stage: StateAuthenticating, Err: err}
	}
	e.Limiter.RecordSuccess(addr)

	// SHELL_REQUESTED
	s.transition(StateShellRequested, "requesting pty shell")
	shell, err := e.openShell(client)
	if err != nil {
		stop()
		return &EstablishError{Stage: StateShellRequested, Err: contextErr(ctx, err)}
	}
	if err := s.setShell(shell); err != nil {
		stop()
		shell.Close()
		return &EstablishError{Stage: StateShellRequested, Err: err}
	}
	if !stop() {
		// The deadline fired and closed the connection after the shell
		// started.
		return &EstablishError{Stage: StateShellRequested, Err: contextErr(ctx, net.ErrClosed)}
	}
	netConn.SetDeadline(time.Time{})

	s.transition(StateStreaming, "shell ready")
	return nil
}

func (e *Establisher) openShell(client *ssh.Client) (*Shell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session channel: %w", err)
	}

	term, cols, rows := e.Term, e.Cols, e.Rows
	if term == "" {
		term = defaultTerm
	}
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(term, rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Shell{
		session: session,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
	}, nil
}

// contextErr prefers the context's error when it ended the attempt, so the
// diagnostic says "timed out" instead of "use of closed network connection".
// The cancellation cause stays in the chain.
func contextErr(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("timed out: %w", err)
	case errors.Is(cause, context.Canceled):
		return fmt.Errorf("cancelled: %w", err)
	default:
		return fmt.Errorf("cancelled (%w): %w", cause, err)
	}
}

// recordFailure counts a failed attempt against addr unless the attempt was
// abandoned by the caller rather than refused or timed out by the target.
func (e *Establisher) recordFailure(ctx context.Context, addr string) {
	if ctx.Err() != nil && !errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return
	}
	e.Limiter.RecordFailure(addr)
}
