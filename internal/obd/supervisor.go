package obd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mjelva/evtelem/internal/profile"
)

// LinkState is the supervisor's externally observable connection state.
type LinkState int

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateInitializing
	StateActive
	StateReconnecting
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its name for API consumers.
func (s LinkState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Status is a point-in-time view of the connection. Consumers observe it;
// only the supervisor mutates it.
type Status struct {
	State      LinkState       `json:"state"`
	Device     string          `json:"device,omitempty"`
	Segment    profile.Segment `json:"segment,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	NextRetry  time.Time       `json:"nextRetry,omitempty"`
	Generation uint64          `json:"generation"`
}

// Transport is one established adapter connection. Link implements it over
// a serial port; the simulator implements it in-process.
type Transport interface {
	Send(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Dialer opens a transport to the named device.
type Dialer func(device string, baud int) (Transport, error)

// initSequence configures the adapter after every connect: reset, echo off,
// linefeeds off, spaces off, headers off, protocol CAN 11bit/500k. Replayed
// on every reconnect because an adapter reset loses all of it.
var initSequence = []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATH0", "ATSP6"}

const (
	defaultReconnectBase = 1 * time.Second
	defaultReconnectMax  = 60 * time.Second
	initCmdTimeout       = 3 * time.Second
)

// Supervisor owns the adapter connection lifecycle. It is the only
// component that opens or closes the underlying transport; everyone else
// sends through it and observes its status.
type Supervisor struct {
	dial Dialer
	baud int

	// backoff bounds, overridable in tests
	baseDelay time.Duration
	maxDelay  time.Duration

	mu        sync.Mutex
	transport Transport
	status    Status
	extraInit []string // profile-specific commands appended to initSequence
	segCmds   []string // last-used segment addressing, replayed after reconnect
	notify    []func(Status)

	cancel context.CancelFunc
	done   chan struct{}
	failCh chan error
}

// NewSupervisor creates a supervisor that dials with the given function.
func NewSupervisor(dial Dialer, baud int) *Supervisor {
	return &Supervisor{
		dial:      dial,
		baud:      baud,
		baseDelay: defaultReconnectBase,
		maxDelay:  defaultReconnectMax,
		status:    Status{State: StateDisconnected},
	}
}

// OnStateChange registers an observer invoked on every transition.
// Observers may be added at any time, including after Connect; transitions
// that happened before registration are not replayed.
func (s *Supervisor) OnStateChange(fn func(Status)) {
	s.mu.Lock()
	s.notify = append(s.notify, fn)
	s.mu.Unlock()
}

// SetInit installs profile-specific init commands and forgets the remembered
// segment addressing, which belongs to the previous profile.
func (s *Supervisor) SetInit(cmds []string) {
	s.mu.Lock()
	s.extraInit = append([]string(nil), cmds...)
	s.segCmds = nil
	s.status.Segment = ""
	s.mu.Unlock()
}

// Status returns the current connection status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Active reports whether sends will currently be accepted.
func (s *Supervisor) Active() bool {
	return s.Status().State == StateActive
}

// Connect starts managing a connection to the device. It returns once the
// management loop is running; establishment and retries happen behind it.
// Any previous connection is torn down first.
func (s *Supervisor) Connect(ctx context.Context, device string) error {
	if device == "" {
		return fmt.Errorf("obd: empty device address")
	}
	s.Disconnect()

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.failCh = make(chan error, 1)
	s.status.Device = device
	done := s.done
	s.mu.Unlock()

	go s.maintain(runCtx, device, done)
	return nil
}

// Disconnect tears the connection down and stops retrying. Honored promptly:
// a pending backoff wait is interrupted.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Send forwards one command over the active transport. While not Active it
// fails fast with ErrNotActive so the scheduler can idle instead of queueing
// against a dead link. A disconnect error triggers reconnection immediately;
// a plain timeout is left to the caller's escalation policy.
func (s *Supervisor) Send(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	t := s.transport
	active := s.status.State == StateActive
	s.mu.Unlock()

	if !active || t == nil {
		return "", ErrNotActive
	}
	resp, err := t.Send(ctx, cmd)
	if err != nil && isDisconnect(err) {
		s.ReportFailure(err)
	}
	return resp, err
}

// SwitchSegment sends the segment addressing commands and remembers them so
// the same segment is restored after a reconnect.
func (s *Supervisor) SwitchSegment(ctx context.Context, seg profile.Segment, cmds []string) error {
	for _, cmd := range cmds {
		if _, err := s.Send(ctx, cmd); err != nil {
			return fmt.Errorf("obd: switch to segment %s: %w", seg, err)
		}
	}
	s.mu.Lock()
	s.segCmds = append([]string(nil), cmds...)
	s.status.Segment = seg
	s.mu.Unlock()
	return nil
}

// ReportFailure asks the supervisor to drop the current transport and
// reconnect. Callers use it after repeated timeouts; duplicate reports
// while a reconnect is already pending are dropped.
func (s *Supervisor) ReportFailure(err error) {
	s.mu.Lock()
	ch := s.failCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func isDisconnect(err error) bool {
	return errors.Is(err, ErrLinkDisconnected)
}

// maintain is the connection state machine loop: dial, initialize, stay
// Active until a failure report or cancellation, back off, repeat.
func (s *Supervisor) maintain(ctx context.Context, device string, done chan struct{}) {
	defer close(done)
	defer s.setState(func(st *Status) {
		st.State = StateDisconnected
		st.Attempt = 0
		st.NextRetry = time.Time{}
	})

	delay := s.baseDelay
	attempt := 0

	for {
		if attempt > 0 {
			next := time.Now().Add(delay)
			s.setState(func(st *Status) {
				st.State = StateReconnecting
				st.Attempt = attempt
				st.NextRetry = next
			})
			log.Printf("[obd] reconnect attempt %d to %s in %v", attempt, device, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.maxDelay {
				delay = s.maxDelay
			}
		}

		s.setState(func(st *Status) { st.State = StateConnecting })
		t, err := s.dial(device, s.baud)
		if err != nil {
			log.Printf("[obd] connect to %s failed: %v", device, err)
			attempt++
			continue
		}

		s.setState(func(st *Status) { st.State = StateInitializing })
		if err := s.initialize(ctx, t); err != nil {
			log.Printf("[obd] init on %s failed: %v", device, err)
			t.Close()
			if ctx.Err() != nil {
				return
			}
			attempt++
			continue
		}

		s.mu.Lock()
		s.transport = t
		s.status.State = StateActive
		s.status.Attempt = 0
		s.status.NextRetry = time.Time{}
		s.status.Generation++
		st := s.status
		notify := append(([]func(Status))(nil), s.notify...)
		s.mu.Unlock()
		for _, fn := range notify {
			fn(st)
		}
		log.Printf("[obd] link active on %s (generation %d)", device, st.Generation)

		attempt = 0
		delay = s.baseDelay

		select {
		case <-ctx.Done():
			s.dropTransport()
			return
		case err := <-s.failCh:
			log.Printf("[obd] link failure on %s: %v", device, err)
			s.dropTransport()
			attempt = 1
		}
	}
}

// initialize replays the adapter init sequence, profile-specific extras, and
// the last-used segment addressing.
func (s *Supervisor) initialize(ctx context.Context, t Transport) error {
	s.mu.Lock()
	cmds := append([]string(nil), initSequence...)
	cmds = append(cmds, s.extraInit...)
	cmds = append(cmds, s.segCmds...)
	s.mu.Unlock()

	for _, cmd := range cmds {
		cmdCtx, cancel := context.WithTimeout(ctx, initCmdTimeout)
		resp, err := t.Send(cmdCtx, cmd)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInitFailed, cmd, err)
		}
		// ATZ answers with an adapter version banner; everything else
		// must acknowledge.
		if cmd != "ATZ" && !strings.Contains(strings.ToUpper(resp), "OK") {
			return fmt.Errorf("%w: %q answered %q", ErrInitFailed, cmd, resp)
		}
	}
	return nil
}

func (s *Supervisor) dropTransport() {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

func (s *Supervisor) setState(mutate func(*Status)) {
	s.mu.Lock()
	mutate(&s.status)
	st := s.status
	notify := append(([]func(Status))(nil), s.notify...)
	s.mu.Unlock()
	for _, fn := range notify {
		fn(st)
	}
}
