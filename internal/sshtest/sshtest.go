// Package sshtest runs an in-process SSH server for tests. It accepts one
// authorized key, grants PTY and shell requests and hands each shell
// channel to a ShellFunc.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gluk-w/sshbridge/internal/credential"
	"golang.org/x/crypto/ssh"
)

// ShellFunc serves one shell channel. The channel is closed after it
// returns, preceded by an exit-status of 0.
type ShellFunc func(ch ssh.Channel)

// PtyRequest is a decoded "pty-req" payload.
type PtyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

// Server is a minimal SSH server listening on 127.0.0.1.
type Server struct {
	Addr string
	Host string
	Port int

	// Credential is the only client key the server accepts.
	Credential *credential.Credential
	HostKey    ssh.PublicKey

	listener    net.Listener
	config      *ssh.ServerConfig
	shell       ShellFunc
	rejectPty   bool
	rejectShell bool

	accepted atomic.Int32
	active   atomic.Int32

	mu   sync.Mutex
	ptys []PtyRequest
}

// Option configures a Server.
type Option func(*Server)

// WithShell sets the shell behavior. The default is Echo.
func WithShell(fn ShellFunc) Option {
	return func(s *Server) { s.shell = fn }
}

// WithCredential authorizes cred instead of a generated key.
func WithCredential(cred *credential.Credential) Option {
	return func(s *Server) { s.Credential = cred }
}

// WithPtyRejected makes the server refuse PTY requests.
func WithPtyRejected() Option {
	return func(s *Server) { s.rejectPty = true }
}

// WithShellRejected makes the server refuse shell requests.
func WithShellRejected() Option {
	return func(s *Server) { s.rejectShell = true }
}

// NewServer starts a server that is stopped when the test ends.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	s := &Server{
		HostKey: hostSigner.PublicKey(),
		shell:   Echo,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Credential == nil {
		s.Credential = NewCredential(t)
	}
	authorized := s.Credential.Signer().PublicKey().Marshal()

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %s", conn.User())
		},
	}
	s.config.AddHostKey(hostSigner)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.Addr = s.listener.Addr().String()
	host, port, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// NewCredential generates a fresh ed25519 client credential.
func NewCredential(t testing.TB) *credential.Credential {
	t.Helper()
	_, privPEM, err := credential.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	cred, err := credential.Parse(privPEM)
	if err != nil {
		t.Fatalf("parse client key: %v", err)
	}
	return cred
}

// Close stops accepting connections.
func (s *Server) Close() {
	s.listener.Close()
}

// Accepted is the number of TCP connections accepted so far.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// ActiveConns is the number of SSH connections still open.
func (s *Server) ActiveConns() int { return int(s.active.Load()) }

// LastPty returns the most recent PTY request.
func (s *Server) LastPty() (PtyRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ptys) == 0 {
		return PtyRequest{}, false
	}
	return s.ptys[len(s.ptys)-1], true
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.active.Add(1)
		go func() {
			defer s.active.Add(-1)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer netConn.Close()
	srvConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer srvConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var pty PtyRequest
			if err := ssh.Unmarshal(req.Payload, &pty); err == nil {
				s.mu.Lock()
				s.ptys = append(s.ptys, pty)
				s.mu.Unlock()
			}
			req.Reply(!s.rejectPty, nil)

		case "shell":
			if s.rejectShell {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go discard(reqs)
			s.shell(ch)
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func discard(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}

// Echo writes every byte it reads back to the client until stdin closes or
// an end-of-transmission byte (Ctrl-D) arrives. Bytes before the Ctrl-D in
// the same read are still echoed.
func Echo(ch ssh.Channel) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, 0x04); i >= 0 {
				ch.Write(chunk[:i])
				return
			}
			if _, werr := ch.Write(chunk); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Recorder is a ShellFunc that stores stdin and never writes output.
type Recorder struct {
	mu   sync.Mutex
	data []byte
	done chan struct{}
	once sync.Once
}

// NewRecorder creates a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{done: make(chan struct{})}
}

// Serve records stdin until it closes.
func (r *Recorder) Serve(ch ssh.Channel) {
	defer r.once.Do(func() { close(r.done) })
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			r.mu.Lock()
			r.data = append(r.data, buf[:n]...)
			r.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Bytes returns a copy of everything received so far.
func (r *Recorder) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data...)
}

// Done is closed when the channel's stdin ends.
func (r *Recorder) Done() <-chan struct{} { return r.done }

// Output is a ShellFunc that writes chunks in order and exits.
func Output(chunks ...[]byte) ShellFunc {
	return func(ch ssh.Channel) {
		for _, c := range chunks {
			if _, err := ch.Write(c); err != nil {
				return
			}
		}
	}
}

// Hold is a ShellFunc that keeps the channel open until stdin closes,
// discarding input.
func Hold(ch ssh.Channel) {
	io.Copy(io.Discard, ch)
}
