// Package poll drives the link through the parameter catalog and assembles
// one telemetry snapshot per cycle.
package poll

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mjelva/evtelem/internal/decode"
	"github.com/mjelva/evtelem/internal/obd"
	"github.com/mjelva/evtelem/internal/profile"
	"github.com/mjelva/evtelem/internal/telemetry"
)

// LinkClient is the slice of the reconnection supervisor the scheduler
// needs. Tests substitute a scripted fake.
type LinkClient interface {
	Send(ctx context.Context, cmd string) (string, error)
	SwitchSegment(ctx context.Context, seg profile.Segment, cmds []string) error
	Active() bool
	ReportFailure(err error)
}

const (
	// DefaultPeriod is the high-priority cycle period.
	DefaultPeriod = 5 * time.Second
	// DefaultLowInterval is how stale a low-priority value may get before
	// it is re-read, roughly 60 cycles at the default period.
	DefaultLowInterval = 5 * time.Minute

	// consecutive link timeouts before the cycle is abandoned and the
	// supervisor is asked to reconnect.
	timeoutEscalation = 2
)

// Scheduler runs the sequential polling loop. One loop, one request in
// flight: the half-duplex adapter cannot multiplex, so parameter reads are
// never parallelized.
type Scheduler struct {
	link LinkClient
	emit func(telemetry.Snapshot)

	mu          sync.Mutex
	catalog     *profile.Catalog
	period      time.Duration
	lowInterval time.Duration

	// polling state, touched only by the Run goroutine
	activeCat      *profile.Catalog
	cache          map[string]telemetry.Value
	cycle          uint64
	lastSegment    profile.Segment
	consecTimeouts int
}

// New creates a scheduler. emit is called synchronously with each completed
// snapshot, which is what guarantees the detector sees every cycle exactly
// once and in order.
func New(link LinkClient, emit func(telemetry.Snapshot)) *Scheduler {
	return &Scheduler{
		link:        link,
		emit:        emit,
		period:      DefaultPeriod,
		lowInterval: DefaultLowInterval,
		cache:       make(map[string]telemetry.Value),
	}
}

// SetCatalog swaps the active parameter set. The value cache is dropped
// with it so a new vehicle never inherits readings from the previous one.
func (s *Scheduler) SetCatalog(c *profile.Catalog) {
	s.mu.Lock()
	s.catalog = c
	s.mu.Unlock()
}

// SetPeriod adjusts the high-priority cycle period at runtime.
func (s *Scheduler) SetPeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.period = d
	s.mu.Unlock()
}

// SetLowInterval adjusts the default low-priority refresh interval.
func (s *Scheduler) SetLowInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.lowInterval = d
	s.mu.Unlock()
}

func (s *Scheduler) currentPeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// Run loops until the context is cancelled. Cycles are skipped while the
// link is not active; the catalog may be swapped between cycles.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.currentPeriod())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if s.link.Active() {
			s.RunCycle(ctx)
		}
		timer.Reset(s.currentPeriod())
	}
}

// RunCycle performs exactly one poll cycle and emits its snapshot. A
// link-level failure aborts the cycle without a snapshot; per-parameter
// failures only mark their own entry invalid.
func (s *Scheduler) RunCycle(ctx context.Context) {
	s.mu.Lock()
	cat := s.catalog
	lowDefault := s.lowInterval
	s.mu.Unlock()
	if cat == nil || cat.Len() == 0 {
		return
	}

	// A profile swap fully replaces the parameter set: the cache is dropped
	// so nothing from the previous vehicle leaks into the new session, and
	// the segment addressing is re-issued on the first read.
	if cat != s.activeCat {
		s.activeCat = cat
		s.cache = make(map[string]telemetry.Value)
		s.lastSegment = ""
		s.consecTimeouts = 0
	}

	s.cycle++
	now := time.Now()

	for _, d := range cat.Parameters() {
		// Disconnect and profile-change requests must win against a long
		// cycle, so cancellation is checked per read, not per cycle.
		if ctx.Err() != nil {
			return
		}
		if !s.due(d, now, lowDefault) {
			continue
		}

		if d.Segment != s.lastSegment {
			if err := s.link.SwitchSegment(ctx, d.Segment, cat.SwitchCommands(d.Segment)); err != nil {
				log.Printf("[poll] segment switch to %s failed: %v", d.Segment, err)
				s.link.ReportFailure(err)
				return
			}
			s.lastSegment = d.Segment
		}

		readAt := time.Now()
		resp, err := s.link.Send(ctx, d.Request)
		switch {
		case err == nil:
			s.consecTimeouts = 0
			s.cache[d.Name] = decodeValue(d, resp, readAt)
		case errors.Is(err, obd.ErrLinkTimeout):
			// The counter lives on the scheduler so a dead link is caught
			// even when each cycle only issues a single due read.
			s.consecTimeouts++
			s.cache[d.Name] = invalidValue(d, readAt, telemetry.ReasonNoResponse)
			if s.consecTimeouts >= timeoutEscalation {
				log.Printf("[poll] %d consecutive timeouts, requesting reconnect", s.consecTimeouts)
				s.link.ReportFailure(err)
				s.consecTimeouts = 0
				s.lastSegment = ""
				return
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		default:
			// Not-active or disconnected mid-cycle: the supervisor already
			// knows, just abandon the cycle.
			log.Printf("[poll] cycle %d aborted: %v", s.cycle, err)
			s.lastSegment = ""
			return
		}
	}

	s.emit(s.assemble(cat, now))
}

// due decides whether a parameter is read this cycle or carried forward
// from cache.
func (s *Scheduler) due(d profile.Descriptor, now time.Time, lowDefault time.Duration) bool {
	if d.Priority == profile.PriorityHigh {
		return true
	}
	cached, ok := s.cache[d.Name]
	if !ok || !cached.Valid {
		return true
	}
	return now.Sub(cached.ReadAt) >= d.Interval(lowDefault)
}

// assemble builds the cycle's immutable snapshot: freshly-read values plus
// cached entries carried forward with their original read timestamps.
func (s *Scheduler) assemble(cat *profile.Catalog, cycleAt time.Time) telemetry.Snapshot {
	snap := telemetry.Snapshot{
		Cycle:  s.cycle,
		At:     cycleAt,
		Values: make(map[string]telemetry.Value, cat.Len()),
	}
	for _, d := range cat.Parameters() {
		if v, ok := s.cache[d.Name]; ok {
			snap.Values[d.Name] = v
		} else {
			snap.Values[d.Name] = invalidValue(d, cycleAt, telemetry.ReasonNoResponse)
		}
	}
	return snap
}

func decodeValue(d profile.Descriptor, resp string, readAt time.Time) telemetry.Value {
	payload, err := decode.ParseResponse(resp, d.MultiFrame)
	if err != nil {
		return invalidFromDecode(d, err, readAt)
	}
	v, err := decode.Eval(d.Formula, payload)
	if err != nil {
		return invalidFromDecode(d, err, readAt)
	}
	return telemetry.Value{
		Param:  d.Name,
		Value:  v,
		Unit:   d.Unit,
		ReadAt: readAt,
		Valid:  true,
	}
}

func invalidFromDecode(d profile.Descriptor, err error, readAt time.Time) telemetry.Value {
	if errors.Is(err, decode.ErrNoData) {
		// Explicit negative acknowledgement: the vehicle doesn't answer
		// this request code. Distinct from a malformed response.
		return invalidValue(d, readAt, telemetry.ReasonUnsupported)
	}
	log.Printf("[poll] decode %s: %v", d.Name, err)
	return invalidValue(d, readAt, telemetry.ReasonDecode)
}

func invalidValue(d profile.Descriptor, readAt time.Time, reason telemetry.InvalidReason) telemetry.Value {
	return telemetry.Value{Param: d.Name, Unit: d.Unit, ReadAt: readAt, Reason: reason}
}
