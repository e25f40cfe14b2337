package obd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// serialPort is the slice of serial.Port the link needs. Tests substitute a
// scripted fake.
type serialPort interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

const (
	// prompt terminates every adapter response.
	prompt = '>'

	// chunkTimeout bounds each individual port read so cancellation is
	// checked at least this often while waiting for the prompt.
	chunkTimeout = 100 * time.Millisecond

	defaultResponseTimeout = 2 * time.Second
	defaultBaudRate        = 38400
)

// Link drives a single half-duplex connection to the adapter. It sends one
// CR-terminated command at a time and reads until the prompt character or
// the response timeout. The underlying link has no multiplexing, so a mutex
// serializes exchanges: a second Send blocks until the first resolves.
type Link struct {
	mu      sync.Mutex
	port    serialPort
	timeout time.Duration

	exchMu       sync.Mutex
	lastExchange time.Time
}

// Open opens the serial device and prepares it for command exchanges.
func Open(device string, baud int) (*Link, error) {
	if baud == 0 {
		baud = defaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("obd: open %s: %w", device, err)
	}
	if err := port.SetReadTimeout(chunkTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("obd: set timeout on %s: %w", device, err)
	}
	return newLink(port), nil
}

func newLink(port serialPort) *Link {
	return &Link{port: port, timeout: defaultResponseTimeout}
}

// SetResponseTimeout overrides the per-exchange response bound.
func (l *Link) SetResponseTimeout(d time.Duration) {
	if d > 0 {
		l.timeout = d
	}
}

// Send writes one command and returns the response text with echo and
// prompt stripped. On timeout it returns ErrLinkTimeout; it never retries.
func (l *Link) Send(ctx context.Context, cmd string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return "", ErrLinkDisconnected
	}

	l.port.ResetInputBuffer()
	if _, err := l.port.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("obd: write %q: %v: %w", cmd, err, ErrLinkDisconnected)
	}

	resp, err := l.readUntilPrompt(ctx, cmd)

	l.exchMu.Lock()
	l.lastExchange = time.Now()
	l.exchMu.Unlock()

	if err != nil {
		return "", err
	}
	return resp, nil
}

func (l *Link) readUntilPrompt(ctx context.Context, cmd string) (string, error) {
	deadline := time.Now().Add(l.timeout)
	var sb strings.Builder
	buf := make([]byte, 256)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("obd: %q after %v: %w", cmd, l.timeout, ErrLinkTimeout)
		}

		n, err := l.port.Read(buf)
		if n > 0 {
			for _, b := range buf[:n] {
				if b == prompt {
					return cleanResponse(sb.String(), cmd), nil
				}
				if b != 0x00 {
					sb.WriteByte(b)
				}
			}
		}
		if err != nil {
			return "", fmt.Errorf("obd: read during %q: %w", cmd, ErrLinkDisconnected)
		}
		// n == 0 means the chunk read timed out with no data; loop and
		// re-check the deadline and cancellation.
	}
}

// cleanResponse strips the command echo and surrounding whitespace. Adapters
// with echo enabled repeat the command as the first line.
func cleanResponse(raw, cmd string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, cmd) {
		text = strings.TrimSpace(text[len(cmd):])
	}
	return text
}

// LastExchange reports when the most recent exchange finished, successful
// or not. The supervisor uses it for liveness tracking.
func (l *Link) LastExchange() time.Time {
	l.exchMu.Lock()
	defer l.exchMu.Unlock()
	return l.lastExchange
}

// Close shuts the port down. Subsequent sends fail with ErrLinkDisconnected.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return nil
	}
	err := l.port.Close()
	l.port = nil
	return err
}
