package bridge

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// message is one frame the bridge sent to the fake client.
type message struct {
	data   []byte
	notice bool
}

// fakeInbound is an in-memory client transport.
type fakeInbound struct {
	in     chan []byte
	closed chan struct{}
	// text makes the fake demand UTF-8 aligned output messages.
	text bool

	closeOnce  sync.Once
	clientOnce sync.Once

	mu   sync.Mutex
	sent []message
	got  chan struct{} // signalled on every send
}

func newFakeInbound() *fakeInbound {
	return &fakeInbound{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
		got:    make(chan struct{}, 1),
	}
}

func (f *fakeInbound) Read(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-f.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeInbound) Write(_ context.Context, p []byte) error {
	return f.record(message{data: append([]byte(nil), p...)})
}

func (f *fakeInbound) Notify(_ context.Context, msg string) error {
	return f.record(message{data: []byte(msg), notice: true})
}

func (f *fakeInbound) record(m message) error {
	if f.isClosed() {
		return net.ErrClosed
	}
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	select {
	case f.got <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeInbound) TextOutput() bool { return f.text }

func (f *fakeInbound) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeInbound) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// send queues a client message.
func (f *fakeInbound) send(b []byte) { f.in <- b }

// disconnect simulates the client closing its side.
func (f *fakeInbound) disconnect() {
	f.clientOnce.Do(func() { close(f.in) })
}

func (f *fakeInbound) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.sent...)
}

func (f *fakeInbound) notes() []string {
	var out []string
	for _, m := range f.messages() {
		if m.notice {
			out = append(out, string(m.data))
		}
	}
	return out
}

// output concatenates every relayed shell chunk.
func (f *fakeInbound) output() []byte {
	var buf bytes.Buffer
	for _, m := range f.messages() {
		if !m.notice {
			buf.Write(m.data)
		}
	}
	return buf.Bytes()
}

// waitOutput waits until the relayed output equals want.
func (f *fakeInbound) waitOutput(t *testing.T, want []byte) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if bytes.Equal(f.output(), want) {
			return
		}
		select {
		case <-f.got:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("output = %q, want %q", f.output(), want)
		}
	}
}

// waitClosed waits for the bridge to close the transport.
func (f *fakeInbound) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("client transport was not closed")
	}
}
