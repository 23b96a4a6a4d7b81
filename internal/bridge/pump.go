package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/gluk-w/sshbridge/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Reasons a streaming session stops. Every pump run ends with exactly one.
var (
	ErrInboundClosed = errors.New("client closed the connection")
	ErrShellClosed   = errors.New("remote shell closed")
	ErrIdleTimeout   = errors.New("idle timeout")
)

// relayBufferSize is the largest chunk forwarded as a single message.
const relayBufferSize = 32 * 1024

// minIdleCheck is the shortest interval between idle checks.
const minIdleCheck = 10 * time.Millisecond

// Pump relays bytes between a streaming session's client and shell.
type Pump struct {
	// IdleTimeout closes the session after this long without traffic in
	// either direction. Zero disables it.
	IdleTimeout time.Duration
}

// Run relays until either side closes, an I/O error occurs, the idle
// timeout fires or ctx is cancelled. Client messages come from feed. onStop
// is called exactly once with the reason, and must close the session's
// handles so the relay goroutines return. Run returns the same reason after
// every goroutine has exited.
func (p *Pump) Run(ctx context.Context, s *Session, feed *inboundFeed, onStop func(cause error)) error {
	shell := s.currentShell()
	if shell == nil {
		onStop(errors.New("no shell channel"))
		return errors.New("no shell channel")
	}

	s.touch()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		onStop(context.Cause(gctx))
		return nil
	})

	// client -> shell
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-feed.done:
				if err := p.drain(s, shell, feed); err != nil {
					return err
				}
				if errors.Is(feed.err, io.EOF) {
					return ErrInboundClosed
				}
				if ctx.Err() != nil {
					return context.Cause(ctx)
				}
				return fmt.Errorf("read from client: %w", feed.err)
			case data := <-feed.msgs:
				if err := p.toShell(s, shell, data); err != nil {
					return err
				}
			}
		}
	})

	stderrDone := make(chan struct{})

	// shell stderr -> client
	g.Go(func() error {
		defer close(stderrDone)
		return p.forward(ctx, s, shell.Stderr)
	})

	// shell stdout -> client
	g.Go(func() error {
		if err := p.forward(ctx, s, shell.Stdout); err != nil {
			return err
		}
		// Drain stderr before reporting the close so no output is lost.
		select {
		case <-stderrDone:
		case <-gctx.Done():
		}
		return ErrShellClosed
	})

	if p.IdleTimeout > 0 {
		g.Go(func() error {
			interval := p.IdleTimeout / 4
			if interval < minIdleCheck {
				interval = minIdleCheck
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case now := <-ticker.C:
					if s.idleFor(now) >= p.IdleTimeout {
						return ErrIdleTimeout
					}
				}
			}
		})
	}

	g.Wait()
	return context.Cause(gctx)
}

// drain relays messages the client sent before it closed.
func (p *Pump) drain(s *Session, shell *Shell, feed *inboundFeed) error {
	for {
		select {
		case data := <-feed.msgs:
			if err := p.toShell(s, shell, data); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (p *Pump) toShell(s *Session, shell *Shell, data []byte) error {
	if len(data) == 0 || !s.streaming() {
		return nil
	}
	if _, err := shell.Stdin.Write(data); err != nil {
		if !s.streaming() {
			return nil
		}
		return fmt.Errorf("write to shell: %w", err)
	}
	s.counters.in.Add(int64(len(data)))
	metrics.RelayedBytes.WithLabelValues(metrics.DirectionInbound).Add(float64(len(data)))
	s.touch()
	return nil
}

// forward copies r to the client one chunk per message. It returns nil when
// r reaches EOF or the session stops streaming.
//
// A chunk read just before CLOSING begins may still be written while
// teardown runs. The write then either lands before the client transport
// closes or fails against the closed transport and is ignored.
func (p *Pump) forward(ctx context.Context, s *Session, r io.Reader) error {
	aligned := textOutput(s.inbound)
	buf := make([]byte, relayBufferSize)
	pending := 0
	for {
		n, err := r.Read(buf[pending:])
		n += pending
		pending = 0
		if n > 0 {
			if !s.streaming() {
				return nil
			}
			chunk := buf[:n]
			if aligned && err == nil {
				if cut := completeRunes(chunk); cut < n {
					pending = n - cut
					chunk = chunk[:cut]
				}
			}
			if len(chunk) > 0 {
				if werr := s.inbound.Write(ctx, chunk); werr != nil {
					if !s.streaming() {
						return nil
					}
					return fmt.Errorf("write to client: %w", werr)
				}
				s.counters.out.Add(int64(len(chunk)))
				metrics.RelayedBytes.WithLabelValues(metrics.DirectionOutbound).Add(float64(len(chunk)))
				s.touch()
			}
			if pending > 0 {
				copy(buf, buf[n-pending:n])
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if !s.streaming() {
				return nil
			}
			return fmt.Errorf("read from shell: %w", err)
		}
	}
}

// completeRunes returns the length of the longest prefix of p that does not
// end inside a multi-byte UTF-8 sequence. Invalid bytes count as complete.
func completeRunes(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
