package telemetry

import "time"

// Well-known parameter names. Profiles map vendor request codes onto these
// so the charging detector and API consumers don't care which vehicle
// produced them.
const (
	ParamBatteryCurrent = "battery_current" // A, negative = into the pack
	ParamBatteryVoltage = "battery_voltage" // V
	ParamSpeed          = "speed"           // km/h
	ParamSoC            = "soc"             // %
	ParamSoH            = "soh"             // %
	ParamBatteryTempMin = "battery_temp_min"
	ParamBatteryTempMax = "battery_temp_max"
	ParamCumulativeChg  = "cumulative_charge_energy" // kWh, vehicle counter
	ParamAuxVoltage     = "aux_voltage"              // 12V system
	ParamOdometer       = "odometer"                 // km
)

// InvalidReason says why a snapshot entry carries no usable value.
type InvalidReason int

const (
	ReasonNone        InvalidReason = iota
	ReasonNoResponse                // link timeout on this read
	ReasonUnsupported               // adapter/bus negative acknowledgement
	ReasonDecode                    // response received but malformed
)

func (r InvalidReason) String() string {
	switch r {
	case ReasonNone:
		return "ok"
	case ReasonNoResponse:
		return "no-response"
	case ReasonUnsupported:
		return "unsupported"
	case ReasonDecode:
		return "decode-error"
	default:
		return "unknown"
	}
}

// Value is one parameter entry in a snapshot. ReadAt is the time the value
// was actually read from the bus, which can be well before the snapshot's
// cycle time for low-priority parameters carried forward from cache.
type Value struct {
	Param  string        `json:"param"`
	Value  float64       `json:"value"`
	Unit   string        `json:"unit,omitempty"`
	ReadAt time.Time     `json:"readAt"`
	Valid  bool          `json:"valid"`
	Reason InvalidReason `json:"-"`
}

// Snapshot is one fully-assembled set of parameter values, produced exactly
// once per poll cycle. It is immutable once emitted; consumers receive
// copies and never share the scheduler's working map.
type Snapshot struct {
	Cycle  uint64           `json:"cycle"`
	At     time.Time        `json:"at"`
	Values map[string]Value `json:"values"`
}

// Get returns the entry for a parameter name, valid or not.
func (s Snapshot) Get(name string) (Value, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// Valid returns the value for name only if it decoded successfully.
func (s Snapshot) Valid(name string) (float64, bool) {
	v, ok := s.Values[name]
	if !ok || !v.Valid {
		return 0, false
	}
	return v.Value, true
}

// PowerKW derives instantaneous pack power from voltage and current.
// Sign follows the current convention: negative while charging.
func (s Snapshot) PowerKW() (float64, bool) {
	i, ok := s.Valid(ParamBatteryCurrent)
	if !ok {
		return 0, false
	}
	u, ok := s.Valid(ParamBatteryVoltage)
	if !ok {
		return 0, false
	}
	return u * i / 1000.0, true
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Cycle: s.Cycle, At: s.At, Values: make(map[string]Value, len(s.Values))}
	for k, v := range s.Values {
		out.Values[k] = v
	}
	return out
}
