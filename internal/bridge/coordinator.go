package bridge

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshbridge/internal/metrics"
)

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventStarted EventType = "session_start"
	EventEnded   EventType = "session_end"
	EventFailed  EventType = "session_failed"
)

// Session outcomes, reported in EventEnded and the sessions_total metric.
const (
	OutcomeClientClosed = "client_closed"
	OutcomeShellExit    = "shell_exit"
	OutcomeIdleTimeout  = "idle_timeout"
	OutcomeShutdown     = "shutdown"
	OutcomeIOError      = "io_error"
	OutcomeFailed       = "failed"
)

// Event describes a lifecycle milestone of one session. It never carries
// payload bytes.
type Event struct {
	Type      EventType
	Time      time.Time
	SessionID string
	Host      string
	Username  string
	Port      int
	SourceIP  string

	// Stage is the failing state of an EventFailed.
	Stage string
	// Outcome is set on EventEnded and EventFailed.
	Outcome string
	Detail  string

	BytesIn  int64
	BytesOut int64
	Duration time.Duration
}

// EventSink receives lifecycle events. Record is called synchronously from
// the session's goroutine and must not block for long.
type EventSink interface {
	Record(Event)
}

// Coordinator owns each session from accept to release.
type Coordinator struct {
	Establisher *Establisher
	Tracker     *Tracker
	Events      EventSink

	// IdleTimeout closes streaming sessions without traffic. Zero disables it.
	IdleTimeout time.Duration
	// ClosedNotice, when set, is written to the client before its transport
	// closes because the shell side ended. It is never sent when the client
	// itself disconnected.
	ClosedNotice string

	running sync.WaitGroup
}

// Serve runs one session to completion on the calling goroutine. It returns
// an *EstablishError when the session never reached STREAMING and nil on
// ordinary termination. Cancelling ctx ends the session.
func (c *Coordinator) Serve(ctx context.Context, p Params, in Inbound) error {
	c.running.Add(1)
	defer c.running.Done()

	s := newSession(p, in, c.Tracker)
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	feed := s.startFeed(ctx)
	defer func() {
		feed.stop()
		<-feed.done
	}()

	if err := c.establish(ctx, s, feed); err != nil {
		var estErr *EstablishError
		if !errors.As(err, &estErr) {
			estErr = &EstablishError{Stage: s.State(), Err: err}
		}
		c.fail(s, estErr)
		return estErr
	}

	c.emit(s, Event{Type: EventStarted})

	pump := Pump{IdleTimeout: c.IdleTimeout}
	cause := pump.Run(ctx, s, feed, func(cause error) {
		s.transition(StateClosing, closeReason(cause))
		notice := ""
		if c.ClosedNotice != "" && !errors.Is(cause, ErrInboundClosed) {
			notice = c.ClosedNotice
		}
		s.teardown(notice)
	})
	s.transition(StateClosed, "released")

	outcome := outcomeOf(cause)
	duration := time.Since(s.CreatedAt)
	metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	metrics.SessionDuration.Observe(duration.Seconds())
	c.emit(s, Event{
		Type:     EventEnded,
		Outcome:  outcome,
		Detail:   closeReason(cause),
		Duration: duration,
	})
	log.Printf("[bridge] %s ended after %s: %s (in=%d out=%d bytes)",
		s, duration.Round(time.Millisecond), outcome, s.counters.BytesIn(), s.counters.BytesOut())
	return nil
}

// establish runs the Establisher while watching the client. A client that
// leaves cancels the attempt with ErrInboundClosed as the cause.
func (c *Coordinator) establish(ctx context.Context, s *Session, feed *inboundFeed) error {
	estCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-feed.done:
			// A feed ended by ctx itself is a shutdown, not a departure.
			if ctx.Err() == nil {
				cancel(ErrInboundClosed)
			}
		case <-watchDone:
		}
	}()

	return c.Establisher.Establish(estCtx, s)
}

// Wait blocks until every running Serve call has returned or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail moves s through ERROR to CLOSED, writing the diagnostic before the
// client transport closes. A client that already left gets no diagnostic.
func (c *Coordinator) fail(s *Session, estErr *EstablishError) {
	clientLeft := errors.Is(estErr, ErrInboundClosed)
	s.transition(StateError, estErr.Err.Error())
	if clientLeft {
		s.teardown("")
	} else {
		s.teardown(estErr.Diagnostic())
	}
	s.transition(StateClosed, "establishment failed")

	stage := estErr.Stage.String()
	outcome := OutcomeFailed
	if clientLeft {
		outcome = OutcomeClientClosed
	}
	metrics.EstablishFailures.WithLabelValues(stage).Inc()
	metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	c.emit(s, Event{
		Type:     EventFailed,
		Stage:    stage,
		Outcome:  outcome,
		Detail:   estErr.Err.Error(),
		Duration: time.Since(s.CreatedAt),
	})
}

// emit fills the session fields of ev and hands it to the sink.
func (c *Coordinator) emit(s *Session, ev Event) {
	if c.Events == nil {
		return
	}
	ev.Time = time.Now()
	ev.SessionID = s.ID
	ev.Host = s.Host
	ev.Username = s.Username
	ev.Port = s.Port
	ev.SourceIP = s.SourceIP
	ev.BytesIn = s.counters.BytesIn()
	ev.BytesOut = s.counters.BytesOut()
	c.Events.Record(ev)
}

func outcomeOf(cause error) string {
	switch {
	case errors.Is(cause, ErrInboundClosed):
		return OutcomeClientClosed
	case errors.Is(cause, ErrShellClosed):
		return OutcomeShellExit
	case errors.Is(cause, ErrIdleTimeout):
		return OutcomeIdleTimeout
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		return OutcomeShutdown
	default:
		return OutcomeIOError
	}
}

func closeReason(cause error) string {
	if cause == nil {
		return "stopped"
	}
	return cause.Error()
}
