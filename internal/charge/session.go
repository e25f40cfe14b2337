package charge

import (
	"time"

	"github.com/google/uuid"
)

// Classification is the kind of charging event. It starts Unknown and may
// upgrade once to AC or DC; it never flips between the two afterwards.
type Classification string

const (
	ClassUnknown Classification = "unknown"
	ClassAC      Classification = "ac"
	ClassDC      Classification = "dc"
)

// Session is one contiguous charging event. It is mutable only inside the
// detector while open; the copy handed to subscribers on close is final.
type Session struct {
	ID             string         `json:"id"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at,omitempty"`
	Classification Classification `json:"classification"`
	EnergyKWh      float64        `json:"energy_kwh"`
	PeakPowerKW    float64        `json:"peak_power_kw"`
	StartSoC       float64        `json:"start_soc"`
	EndSoC         float64        `json:"end_soc"`
	SoCKnown       bool           `json:"soc_known"`
}

func newSession(at time.Time) *Session {
	return &Session{
		ID:             uuid.NewString(),
		StartedAt:      at,
		Classification: ClassUnknown,
	}
}

// Duration is the session length, measured to now while still open.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndedAt.IsZero() {
		return now.Sub(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// SoCGain is the state-of-charge percentage gained over the session, zero
// when the vehicle never reported state of charge.
func (s *Session) SoCGain() float64 {
	if !s.SoCKnown {
		return 0
	}
	return s.EndSoC - s.StartSoC
}
