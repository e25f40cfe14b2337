package obd

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// fakePort scripts serial exchanges: each written command pops the next
// canned response into the read buffer.
type fakePort struct {
	responses []string
	pending   []byte
	written   []string
	closed    bool
	readErr   error
	writeErr  error
}

func (f *fakePort) Write(p []byte) (int, error) {
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, strings.TrimSuffix(string(p), "\r"))
	if len(f.responses) > 0 {
		f.pending = append(f.pending, []byte(f.responses[0])...)
		f.responses = f.responses[1:]
	}
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	if f.readErr != nil {
		return 0, f.readErr
	}
	if len(f.pending) == 0 {
		return 0, nil // serial read timeout: no data
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakePort) Close() error                        { f.closed = true; return nil }
func (f *fakePort) SetReadTimeout(t time.Duration) error { return nil }
func (f *fakePort) ResetInputBuffer() error              { f.pending = nil; return nil }

func TestLinkSendStripsEchoAndPrompt(t *testing.T) {
	port := &fakePort{responses: []string{"ATZ\r\rELM327 v1.5\r\r>"}}
	l := newLink(port)

	resp, err := l.Send(context.Background(), "ATZ")
	if err != nil {
		t.Fatalf("Send err=%v", err)
	}
	if resp != "ELM327 v1.5" {
		t.Fatalf("expected banner, got %q", resp)
	}
	if port.written[0] != "ATZ" {
		t.Fatalf("expected ATZ written, got %q", port.written[0])
	}
}

func TestLinkSendTimeout(t *testing.T) {
	port := &fakePort{} // never answers
	l := newLink(port)
	l.SetResponseTimeout(30 * time.Millisecond)

	_, err := l.Send(context.Background(), "220101")
	if !errors.Is(err, ErrLinkTimeout) {
		t.Fatalf("expected ErrLinkTimeout, got %v", err)
	}
}

func TestLinkSendRecordsExchangeTime(t *testing.T) {
	port := &fakePort{}
	l := newLink(port)
	l.SetResponseTimeout(10 * time.Millisecond)

	if !l.LastExchange().IsZero() {
		t.Fatal("expected zero exchange time before first send")
	}
	l.Send(context.Background(), "0100")
	if l.LastExchange().IsZero() {
		t.Fatal("timeout exchanges must still be timestamped")
	}
}

func TestLinkSendDisconnected(t *testing.T) {
	port := &fakePort{readErr: io.EOF, responses: []string{"never delivered"}}
	l := newLink(port)

	_, err := l.Send(context.Background(), "0100")
	if !errors.Is(err, ErrLinkDisconnected) {
		t.Fatalf("expected ErrLinkDisconnected, got %v", err)
	}
}

func TestLinkSendWriteFailureKeepsCause(t *testing.T) {
	port := &fakePort{writeErr: errors.New("device unplugged")}
	l := newLink(port)

	_, err := l.Send(context.Background(), "0100")
	if !errors.Is(err, ErrLinkDisconnected) {
		t.Fatalf("expected ErrLinkDisconnected, got %v", err)
	}
	if !strings.Contains(err.Error(), "device unplugged") {
		t.Fatalf("underlying write error lost: %v", err)
	}
}

func TestLinkSendAfterClose(t *testing.T) {
	l := newLink(&fakePort{})
	l.Close()
	if _, err := l.Send(context.Background(), "0100"); !errors.Is(err, ErrLinkDisconnected) {
		t.Fatalf("expected ErrLinkDisconnected after close, got %v", err)
	}
}

func TestLinkSendCancelled(t *testing.T) {
	port := &fakePort{}
	l := newLink(port)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.Send(ctx, "0100"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
