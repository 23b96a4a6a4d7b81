package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/sshbridge/internal/logutil"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// Inbound is the client side of a session: a message-oriented duplex
// transport. Write and Notify may be called concurrently with each other and
// with Read. Close must be idempotent.
type Inbound interface {
	// Read blocks until the next client message and returns its payload.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one chunk of shell output as a single message.
	Write(ctx context.Context, p []byte) error
	// Notify sends a human-readable text message.
	Notify(ctx context.Context, msg string) error
	// Close closes the transport.
	Close() error
}

// TextInbound is implemented by transports whose output messages must be
// valid UTF-8 text. The pump ends every such message on a character
// boundary, holding back a split multi-byte sequence until the rest of it
// arrives.
type TextInbound interface {
	Inbound
	TextOutput() bool
}

func textOutput(in Inbound) bool {
	t, ok := in.(TextInbound)
	return ok && t.TextOutput()
}

// notifyTimeout bounds diagnostic and notice writes during teardown.
const notifyTimeout = 5 * time.Second

// Counters holds the relayed byte totals of one session.
type Counters struct {
	in  atomic.Int64
	out atomic.Int64
}

// BytesIn is the number of bytes relayed from the client to the shell.
func (c *Counters) BytesIn() int64 { return c.in.Load() }

// BytesOut is the number of bytes relayed from the shell to the client.
func (c *Counters) BytesOut() int64 { return c.out.Load() }

// Session is one end-to-end interactive connection from a client to one
// remote shell. It is owned by the Coordinator run that created it.
type Session struct {
	ID        string
	Host      string
	Username  string
	Port      int
	SourceIP  string
	CreatedAt time.Time

	inbound  Inbound
	counters *Counters
	tracker  *Tracker
	// lastActivity is the UnixNano time of the last relayed chunk.
	lastActivity atomic.Int64

	mu        sync.Mutex
	state     State
	lastErr   string
	client    *ssh.Client
	shell     *Shell
	closeOnce sync.Once
}

func newSession(p Params, in Inbound, tracker *Tracker) *Session {
	now := time.Now()
	s := &Session{
		ID:        uuid.New().String(),
		Host:      p.Host,
		Username:  p.Username,
		Port:      p.Port,
		SourceIP:  p.SourceIP,
		CreatedAt: now,
		inbound:   in,
		counters:  &Counters{},
		tracker:   tracker,
		state:     StateInit,
	}
	s.lastActivity.Store(now.UnixNano())
	tracker.publish(s.status(), s.counters, StateTransition{
		From:      StateInit,
		To:        StateInit,
		Timestamp: now,
		Reason:    "accepted",
	})
	return s
}

// Addr is the host:port the session dials.
func (s *Session) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to state to. Invalid transitions are refused
// and reported false; they indicate a bug in the caller.
func (s *Session) transition(to State, reason string) bool {
	s.mu.Lock()
	from := s.state
	if !validTransition(from, to) {
		s.mu.Unlock()
		log.Printf("[bridge] session %s: refused transition %s -> %s (%s)", s.ID, from, to, reason)
		return false
	}
	s.state = to
	if to == StateError {
		s.lastErr = reason
	}
	st := s.statusLocked()
	s.mu.Unlock()

	log.Printf("[bridge] session %s %s@%s: %s -> %s (%s)",
		s.ID, logutil.SanitizeForLog(s.Username), logutil.SanitizeForLog(s.Addr()), from, to, logutil.SanitizeForLog(reason))
	s.tracker.publish(st, s.counters, StateTransition{
		From:      from,
		To:        to,
		Timestamp: st.UpdatedAt,
		Reason:    reason,
	})
	return true
}

func (s *Session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{
		ID:        s.ID,
		Host:      s.Host,
		Username:  s.Username,
		Port:      s.Port,
		SourceIP:  s.SourceIP,
		State:     s.state,
		CreatedAt: s.CreatedAt,
		UpdatedAt: time.Now(),
		BytesIn:   s.counters.BytesIn(),
		BytesOut:  s.counters.BytesOut(),
		LastError: s.lastErr,
	}
}

// streaming reports whether bytes may still be relayed.
func (s *Session) streaming() bool {
	return s.State() == StateStreaming
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// setClient records the outbound connection. A session holds at most one.
func (s *Session) setClient(c *ssh.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return errors.New("session already has an ssh connection")
	}
	s.client = c
	return nil
}

// setShell records the shell channel. A session holds at most one.
func (s *Session) setShell(sh *Shell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shell != nil {
		return errors.New("session already has a shell channel")
	}
	s.shell = sh
	return nil
}

func (s *Session) currentShell() *Shell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell
}

// teardown closes the shell channel, the outbound connection and the
// inbound transport, in that order. A non-empty notice is written to the
// client before its transport closes. Only the first call has any effect.
func (s *Session) teardown(notice string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		shell, client := s.shell, s.client
		s.mu.Unlock()

		if shell != nil {
			if err := shell.Close(); err != nil && !isClosedErr(err) {
				log.Printf("[bridge] session %s: close shell: %v", s.ID, err)
			}
		}
		if client != nil {
			if err := client.Close(); err != nil && !isClosedErr(err) {
				log.Printf("[bridge] session %s: close ssh connection: %v", s.ID, err)
			}
		}
		if notice != "" {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			if err := s.inbound.Notify(ctx, notice); err != nil && !isClosedErr(err) {
				log.Printf("[bridge] session %s: send notice: %v", s.ID, err)
			}
			cancel()
		}
		if err := s.inbound.Close(); err != nil && !isClosedErr(err) {
			log.Printf("[bridge] session %s: close client transport: %v", s.ID, err)
		}
	})
}

// feedBacklog is how many client messages are held while the session is
// still being established.
const feedBacklog = 64

// inboundFeed reads client messages for the whole life of a session, so a
// client that leaves while the session is still being established is seen
// at once. Messages sent before STREAMING are queued up to feedBacklog and
// delivered in order once the shell is ready; beyond that they are dropped.
type inboundFeed struct {
	msgs chan []byte
	done chan struct{}
	quit chan struct{}
	// err is the read error that ended the feed. Valid after done closes.
	err error
}

// startFeed starts reading s.inbound. The feed stops when a read fails, so
// the inbound transport must be closed before waiting on done.
func (s *Session) startFeed(ctx context.Context) *inboundFeed {
	f := &inboundFeed{
		msgs: make(chan []byte, feedBacklog),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
	go func() {
		defer close(f.done)
		dropped := 0
		for {
			data, err := s.inbound.Read(ctx)
			if err != nil {
				f.err = err
				if dropped > 0 {
					log.Printf("[bridge] session %s: dropped %d client messages sent before the shell was ready", s.ID, dropped)
				}
				return
			}
			if st := s.State(); st == StateInit || st.establishing() {
				select {
				case f.msgs <- data:
				default:
					dropped++
				}
				continue
			}
			select {
			case f.msgs <- data:
			case <-f.quit:
				// Nobody consumes any more; keep reading so the transport
				// close is still observed.
			}
		}
	}()
	return f
}

// stop releases a feed blocked handing over a message.
func (f *inboundFeed) stop() {
	select {
	case <-f.quit:
	default:
		close(f.quit)
	}
}

// isClosedErr matches the errors returned when closing a handle that the
// peer or another goroutine already closed.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s@%s)", s.ID, s.Username, s.Addr())
}
