// Package monitor wires the link supervisor, the polling scheduler and the
// charging session detector into one engine and fans the results out to
// subscribers.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mjelva/evtelem/internal/charge"
	"github.com/mjelva/evtelem/internal/obd"
	"github.com/mjelva/evtelem/internal/poll"
	"github.com/mjelva/evtelem/internal/profile"
	"github.com/mjelva/evtelem/internal/telemetry"
)

const (
	// historyCap bounds the in-memory ring of finalized sessions.
	historyCap = 64
	// subBuffer is the per-subscriber channel depth. A subscriber that
	// falls this far behind starts losing messages, never blocking the
	// polling loop.
	subBuffer = 16
)

// Monitor owns the acquisition pipeline. The scheduler hands each snapshot
// to the detector synchronously before any subscriber sees it, so the
// session state machine observes every cycle exactly once and in order;
// subscribers only ever receive finalized, immutable values.
type Monitor struct {
	sup   *obd.Supervisor
	sched *poll.Scheduler
	det   *charge.Detector

	mu        sync.RWMutex
	prof      *profile.Profile
	latest    telemetry.Snapshot
	hasLatest bool
	history   []charge.Session

	snapSubs map[chan telemetry.Snapshot]struct{}
	sessSubs map[chan charge.Session]struct{}
}

// New creates a monitor dialing the adapter through dial. Pass
// obd.DialSim to run against the built-in simulated vehicle.
func New(dial obd.Dialer, baud int) *Monitor {
	m := &Monitor{
		snapSubs: make(map[chan telemetry.Snapshot]struct{}),
		sessSubs: make(map[chan charge.Session]struct{}),
	}
	m.sup = obd.NewSupervisor(dial, baud)
	m.det = charge.NewDetector(m.publishSession)
	m.sched = poll.New(m.sup, m.onSnapshot)
	return m
}

// Run drives the polling loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.sched.Run(ctx)
	m.sup.Disconnect()
}

// LoadProfile activates a vehicle profile: the catalog replaces the
// current parameter set wholesale and the profile's extra init commands
// are replayed on every (re)connect.
func (m *Monitor) LoadProfile(p *profile.Profile) error {
	cat, err := profile.NewCatalog(p)
	if err != nil {
		return fmt.Errorf("monitor: profile %q: %w", p.Name, err)
	}

	m.mu.Lock()
	m.prof = p
	m.mu.Unlock()

	m.sup.SetInit(p.Init)
	m.sched.SetCatalog(cat)
	log.Printf("[monitor] profile %q active (%d parameters)", p.Name, cat.Len())
	return nil
}

// LoadBundledProfile activates one of the profiles compiled into the
// binary.
func (m *Monitor) LoadBundledProfile(name string) error {
	p, err := profile.LoadBundled(name)
	if err != nil {
		return err
	}
	return m.LoadProfile(p)
}

// Profile returns the active profile, nil when none is loaded.
func (m *Monitor) Profile() *profile.Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prof
}

// Connect starts the supervisor against the given serial device. The
// polling loop picks the link up once it reaches the active state.
func (m *Monitor) Connect(ctx context.Context, device string) error {
	m.mu.RLock()
	loaded := m.prof != nil
	m.mu.RUnlock()
	if !loaded {
		return fmt.Errorf("monitor: no profile loaded")
	}
	return m.sup.Connect(ctx, device)
}

// Disconnect tears the link down. The open charging session, if any,
// stays open: session lifecycle is independent of link lifecycle.
func (m *Monitor) Disconnect() {
	m.sup.Disconnect()
}

// SetPollInterval adjusts the high-priority cycle period.
func (m *Monitor) SetPollInterval(d time.Duration) {
	m.sched.SetPeriod(d)
}

// SetLowInterval adjusts how stale low-priority values may get before
// they are re-read.
func (m *Monitor) SetLowInterval(d time.Duration) {
	m.sched.SetLowInterval(d)
}

// LinkStatus reports the supervisor's current state.
func (m *Monitor) LinkStatus() obd.Status {
	return m.sup.Status()
}

// OnLinkState registers a callback for supervisor state transitions.
func (m *Monitor) OnLinkState(fn func(obd.Status)) {
	m.sup.OnStateChange(fn)
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() (telemetry.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasLatest {
		return telemetry.Snapshot{}, false
	}
	return m.latest.Clone(), true
}

// CurrentSession returns a copy of the open charging session, if any.
func (m *Monitor) CurrentSession() (charge.Session, bool) {
	return m.det.Current()
}

// Sessions returns the finalized sessions retained in memory, oldest
// first.
func (m *Monitor) Sessions() []charge.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]charge.Session, len(m.history))
	copy(out, m.history)
	return out
}

// SubscribeSnapshots returns a channel receiving every completed
// snapshot. Slow subscribers lose messages rather than stalling the
// polling loop. Call the returned cancel func when done.
func (m *Monitor) SubscribeSnapshots() (<-chan telemetry.Snapshot, func()) {
	ch := make(chan telemetry.Snapshot, subBuffer)
	m.mu.Lock()
	m.snapSubs[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.snapSubs, ch)
		m.mu.Unlock()
	}
}

// SubscribeSessions returns a channel receiving each finalized charging
// session once. Call the returned cancel func when done.
func (m *Monitor) SubscribeSessions() (<-chan charge.Session, func()) {
	ch := make(chan charge.Session, subBuffer)
	m.mu.Lock()
	m.sessSubs[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.sessSubs, ch)
		m.mu.Unlock()
	}
}

// onSnapshot is the scheduler's emit hook. Detector first, fan-out
// second: external consumers must never get ahead of the state machine.
func (m *Monitor) onSnapshot(snap telemetry.Snapshot) {
	m.det.Observe(snap)

	m.mu.Lock()
	m.latest = snap
	m.hasLatest = true
	for ch := range m.snapSubs {
		select {
		case ch <- snap.Clone():
		default:
			// Subscriber too slow, skip.
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) publishSession(s charge.Session) {
	m.mu.Lock()
	m.history = append(m.history, s)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	for ch := range m.sessSubs {
		select {
		case ch <- s:
		default:
			log.Printf("[monitor] session subscriber too slow, dropping %s", s.ID)
		}
	}
	m.mu.Unlock()
}
