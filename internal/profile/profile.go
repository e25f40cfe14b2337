// Package profile holds the parameter catalog: the declarative table of
// everything the poller knows how to ask a particular vehicle.
package profile

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mjelva/evtelem/internal/decode"
)

// Segment names one of the two ECU address spaces on the diagnostic bus.
// Reads against a segment only succeed after its addressing commands have
// been sent to the adapter.
type Segment string

const (
	SegmentA Segment = "A"
	SegmentB Segment = "B"
)

// Priority is the polling tier of a parameter.
type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityLow  Priority = "low"
)

// ErrInvalid wraps all profile validation failures. loadProfile fails
// synchronously with it and the previous catalog stays active.
var ErrInvalid = errors.New("profile: invalid")

// SegmentConfig is the addressing for one bus segment.
type SegmentConfig struct {
	TxHeader string `yaml:"tx_header"` // request arbitration ID, e.g. 7E4
	RxFilter string `yaml:"rx_filter"` // response arbitration ID, e.g. 7EC
}

// Descriptor describes one pollable parameter. Descriptors are immutable
// once the catalog is built; a profile swap replaces the whole set.
type Descriptor struct {
	Name       string         `yaml:"name"`
	Request    string         `yaml:"request"` // hex request code, e.g. 220101
	Segment    Segment        `yaml:"segment"`
	Formula    decode.Formula `yaml:"formula"`
	Unit       string         `yaml:"unit"`
	Priority   Priority       `yaml:"priority"`
	MultiFrame bool           `yaml:"multi_frame"`

	// IntervalS overrides the scheduler's default low-priority refresh
	// interval, in seconds. Ignored for high-priority parameters.
	IntervalS int `yaml:"interval_s"`
}

// Interval returns the descriptor's low-priority refresh interval, falling
// back to def when the profile doesn't specify one.
func (d Descriptor) Interval(def time.Duration) time.Duration {
	if d.IntervalS > 0 {
		return time.Duration(d.IntervalS) * time.Second
	}
	return def
}

// Profile is the raw declarative form a profile file deserializes into.
type Profile struct {
	Name       string        `yaml:"name"`
	Vehicle    string        `yaml:"vehicle"`
	SegmentA   SegmentConfig `yaml:"segment_a"`
	SegmentB   SegmentConfig `yaml:"segment_b"`
	Init       []string      `yaml:"init"` // extra adapter commands after the standard init
	Parameters []Descriptor  `yaml:"parameters"`
}

// Validate checks the profile without mutating it.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: profile name required", ErrInvalid)
	}
	if len(p.Parameters) == 0 {
		return fmt.Errorf("%w: profile %q has no parameters", ErrInvalid, p.Name)
	}
	seen := make(map[string]struct{}, len(p.Parameters))
	for i, d := range p.Parameters {
		if d.Name == "" {
			return fmt.Errorf("%w: parameter %d has no name", ErrInvalid, i)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("%w: duplicate parameter %q", ErrInvalid, d.Name)
		}
		seen[d.Name] = struct{}{}
		if d.Request == "" {
			return fmt.Errorf("%w: parameter %q has no request code", ErrInvalid, d.Name)
		}
		switch d.Segment {
		case SegmentA, SegmentB:
		default:
			return fmt.Errorf("%w: parameter %q: unknown segment %q", ErrInvalid, d.Name, d.Segment)
		}
		switch d.Priority {
		case PriorityHigh, PriorityLow:
		default:
			return fmt.Errorf("%w: parameter %q: unknown priority %q", ErrInvalid, d.Name, d.Priority)
		}
		if err := d.Formula.Validate(); err != nil {
			return fmt.Errorf("%w: parameter %q: %v", ErrInvalid, d.Name, err)
		}
		seg := p.segmentConfig(d.Segment)
		if seg.TxHeader == "" {
			return fmt.Errorf("%w: parameter %q uses segment %s which has no tx_header", ErrInvalid, d.Name, d.Segment)
		}
	}
	return nil
}

func (p *Profile) segmentConfig(s Segment) SegmentConfig {
	if s == SegmentB {
		return p.SegmentB
	}
	return p.SegmentA
}

// Catalog is a validated, ordered parameter set ready for polling.
// Parameters are pre-sorted by segment so a full cycle issues all Segment-A
// reads contiguously, then Segment-B, amortizing the segment-switch
// round-trip across many reads.
type Catalog struct {
	Name    string
	Vehicle string
	Init    []string

	segments map[Segment]SegmentConfig
	ordered  []Descriptor
}

// NewCatalog validates a profile and builds the polling order.
func NewCatalog(p *Profile) (*Catalog, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	ordered := make([]Descriptor, len(p.Parameters))
	copy(ordered, p.Parameters)
	// Stable sort: keeps the profile author's order within a segment.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Segment < ordered[j].Segment
	})

	return &Catalog{
		Name:    p.Name,
		Vehicle: p.Vehicle,
		Init:    append([]string(nil), p.Init...),
		segments: map[Segment]SegmentConfig{
			SegmentA: p.SegmentA,
			SegmentB: p.SegmentB,
		},
		ordered: ordered,
	}, nil
}

// Parameters returns the descriptors in polling order.
func (c *Catalog) Parameters() []Descriptor { return c.ordered }

// Len returns the number of parameters in the catalog.
func (c *Catalog) Len() int { return len(c.ordered) }

// SwitchCommands returns the adapter commands that select a bus segment.
func (c *Catalog) SwitchCommands(s Segment) []string {
	cfg := c.segments[s]
	cmds := []string{"ATSH" + cfg.TxHeader}
	if cfg.RxFilter != "" {
		cmds = append(cmds, "ATCRA"+cfg.RxFilter)
	}
	return cmds
}
