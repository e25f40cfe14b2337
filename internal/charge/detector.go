// Package charge turns the stream of telemetry snapshots into charging
// session records: open/close boundaries, AC/DC classification and
// integrated energy.
package charge

import (
	"log"
	"sync"
	"time"

	"github.com/mjelva/evtelem/internal/telemetry"
)

const (
	// currentDeadband is the inflow threshold in amps. Battery current is
	// negative while charging; readings inside the deadband are treated as
	// zero to ignore BMS housekeeping loads.
	currentDeadband = 1.0

	// speedMax is the highest speed, km/h, still counted as stationary.
	speedMax = 0.5

	// dcThresholdKW splits AC from DC fast charging. Three-phase AC tops
	// out around 11 kW on most onboard chargers.
	dcThresholdKW = 11.0

	// debounceSamples is the number of consecutive confirming snapshots
	// needed both to open a session (stationary inflow) and to close one
	// (no inflow). A single sample is noise either way: regen braking
	// produces transient inflow, charge pauses produce transient zeroes.
	debounceSamples = 2

	// A closing session below all three of these is discarded as a
	// plugged-but-not-charging artifact.
	minEnergyKWh = 0.05
	minSoCGain   = 1.0
	minDuration  = 3 * time.Minute
)

// Detector is the charging session state machine. Observe must be called
// with every snapshot exactly once and in cycle order; the debounce
// counters assume no cycle is skipped or duplicated. The detector is the
// sole owner of the open session.
type Detector struct {
	emit func(Session)

	mu sync.Mutex

	// Idle state: consecutive stationary-inflow snapshots.
	inflowStreak int

	// Charging state.
	open         *Session
	noFlowStreak int
	lastAt       time.Time
}

// NewDetector creates a detector. emit receives each finalized session
// once, synchronously from Observe.
func NewDetector(emit func(Session)) *Detector {
	return &Detector{emit: emit}
}

// Observe advances the state machine by one snapshot.
func (d *Detector) Observe(snap telemetry.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current, currentOK := snap.Valid(telemetry.ParamBatteryCurrent)
	inflow := currentOK && current < -currentDeadband

	if d.open == nil {
		d.observeIdle(snap, currentOK, inflow)
	} else {
		d.observeCharging(snap, currentOK, inflow)
	}
}

// Current returns a copy of the open session, if any.
func (d *Detector) Current() (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open == nil {
		return Session{}, false
	}
	return *d.open, true
}

func (d *Detector) observeIdle(snap telemetry.Snapshot, currentOK, inflow bool) {
	speed, speedOK := snap.Valid(telemetry.ParamSpeed)
	stationary := speedOK && speed <= speedMax

	switch {
	case inflow && stationary:
		d.inflowStreak++
	case !currentOK:
		// No current reading, no information. The streak holds.
	default:
		d.inflowStreak = 0
	}
	if d.inflowStreak < debounceSamples {
		return
	}

	d.inflowStreak = 0
	d.open = newSession(snap.At)
	d.noFlowStreak = 0
	d.lastAt = snap.At
	if soc, ok := snap.Valid(telemetry.ParamSoC); ok {
		d.open.StartSoC = soc
		d.open.EndSoC = soc
		d.open.SoCKnown = true
	}
	d.classify(snap)
	log.Printf("[charge] session %s opened", d.open.ID)
}

func (d *Detector) observeCharging(snap telemetry.Snapshot, currentOK, inflow bool) {
	d.integrate(snap)
	d.classify(snap)
	if soc, ok := snap.Valid(telemetry.ParamSoC); ok {
		if !d.open.SoCKnown {
			d.open.StartSoC = soc
			d.open.SoCKnown = true
		}
		d.open.EndSoC = soc
	}

	switch {
	case inflow:
		d.noFlowStreak = 0
	case !currentOK:
		// Stale reading during the session, keep the streak as-is.
	default:
		d.noFlowStreak++
	}
	if d.noFlowStreak >= debounceSamples {
		d.close(snap.At)
	}
}

// integrate adds power x elapsed-time to the session energy. Only net
// inflow counts; the vehicle's own cumulative counters are ignored because
// they do not reset reliably between sessions.
func (d *Detector) integrate(snap telemetry.Snapshot) {
	dt := snap.At.Sub(d.lastAt)
	d.lastAt = snap.At
	if dt <= 0 {
		return
	}
	p := chargePowerKW(snap)
	if p <= 0 {
		return
	}
	d.open.EnergyKWh += p * dt.Hours()
	if p > d.open.PeakPowerKW {
		d.open.PeakPowerKW = p
	}
}

// classify settles Unknown into AC or DC on the first snapshot with a
// computable charge power. Once settled it never changes: classification
// is a property of the charging event, not of momentary fluctuation.
func (d *Detector) classify(snap telemetry.Snapshot) {
	if d.open.Classification != ClassUnknown {
		return
	}
	p := chargePowerKW(snap)
	if p <= 0 {
		return
	}
	if p > dcThresholdKW {
		d.open.Classification = ClassDC
	} else {
		d.open.Classification = ClassAC
	}
}

func (d *Detector) close(at time.Time) {
	s := d.open
	d.open = nil
	d.noFlowStreak = 0
	s.EndedAt = at

	if s.EnergyKWh < minEnergyKWh && s.SoCGain() < minSoCGain && s.Duration(at) < minDuration {
		log.Printf("[charge] session %s discarded (%.3f kWh, %.1f%% gain, %s)",
			s.ID, s.EnergyKWh, s.SoCGain(), s.Duration(at).Round(time.Second))
		return
	}

	log.Printf("[charge] session %s closed: %s, %.3f kWh, peak %.1f kW",
		s.ID, s.Classification, s.EnergyKWh, s.PeakPowerKW)
	if d.emit != nil {
		d.emit(*s)
	}
}

// chargePowerKW is the instantaneous inflow power, positive while
// charging, zero when either reading is missing or power flows out.
func chargePowerKW(snap telemetry.Snapshot) float64 {
	p, ok := snap.PowerKW()
	if !ok || p >= 0 {
		return 0
	}
	return -p
}
