// Package decode turns raw adapter response text into typed numeric values.
// Everything here is pure: same input bytes, same output, no hidden state.
package decode

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// FormulaKind selects the byte combination a formula applies. Formulas are a
// closed set of variants rather than free-form expression strings, so a bad
// profile can fail validation instead of failing mid-poll.
type FormulaKind string

const (
	// KindByte reads one byte: value = b[index]*scale + offset.
	KindByte FormulaKind = "byte"
	// KindUint16 combines two bytes big-endian, optionally remapped to a
	// signed range (two's complement) before scale/offset.
	KindUint16 FormulaKind = "u16"
	// KindUint32 combines four bytes big-endian. Used for monotonically
	// increasing cumulative counters.
	KindUint32 FormulaKind = "u32"
)

// Formula describes how to extract a number from a response payload.
type Formula struct {
	Kind   FormulaKind `yaml:"kind" json:"kind"`
	Index  int         `yaml:"index" json:"index"`
	Scale  float64     `yaml:"scale" json:"scale"`
	Offset float64     `yaml:"offset" json:"offset"`
	Signed bool        `yaml:"signed" json:"signed"`
}

// Validate reports whether the formula is one of the supported variants.
func (f Formula) Validate() error {
	switch f.Kind {
	case KindByte, KindUint16, KindUint32:
	default:
		return fmt.Errorf("decode: unknown formula kind %q", f.Kind)
	}
	if f.Index < 0 {
		return fmt.Errorf("decode: negative byte index %d", f.Index)
	}
	if f.Signed && f.Kind == KindByte {
		return errors.New("decode: signed remap requires u16 or u32")
	}
	return nil
}

// width returns how many payload bytes the formula consumes.
func (f Formula) width() int {
	switch f.Kind {
	case KindUint16:
		return 2
	case KindUint32:
		return 4
	default:
		return 1
	}
}

// ErrNoData marks an explicit negative acknowledgement from the adapter or
// bus: the parameter is not supported by this vehicle, as opposed to a
// malformed response.
var ErrNoData = errors.New("decode: no data for parameter")

// Error is a malformed-payload failure. It wraps nothing fatal: the caller
// marks the parameter invalid for the cycle and moves on.
type Error struct {
	Detail string
}

func (e *Error) Error() string { return "decode: " + e.Detail }

func errorf(format string, args ...interface{}) error {
	return &Error{Detail: fmt.Sprintf(format, args...)}
}

// Eval applies a formula to a reassembled payload.
func Eval(f Formula, data []byte) (float64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	end := f.Index + f.width()
	if end > len(data) {
		return 0, errorf("payload too short: need byte %d, have %d", end-1, len(data))
	}

	var raw int64
	switch f.Kind {
	case KindByte:
		raw = int64(data[f.Index])
	case KindUint16:
		raw = int64(data[f.Index])<<8 | int64(data[f.Index+1])
		if f.Signed && raw > 0x7FFF {
			raw -= 0x10000
		}
	case KindUint32:
		raw = int64(data[f.Index])<<24 | int64(data[f.Index+1])<<16 |
			int64(data[f.Index+2])<<8 | int64(data[f.Index+3])
		if f.Signed && raw > 0x7FFFFFFF {
			raw -= 0x100000000
		}
	}

	scale := f.Scale
	if scale == 0 {
		scale = 1
	}
	return float64(raw)*scale + f.Offset, nil
}

// Negative-response markers the ELM-style adapter produces when a request
// code is not answered by the bus.
var negativeMarkers = []string{"NO DATA", "CAN ERROR", "BUS ERROR", "UNABLE TO CONNECT", "?"}

// ParseResponse converts raw response text into payload bytes.
//
// Single-frame responses are hex byte runs, possibly space-separated:
//
//	62 01 01 FF E3 ...
//
// Multi-frame responses arrive as chained lines tagged with a hex sequence
// marker, optionally preceded by a total-length line:
//
//	00B
//	0: 62 01 01 FF E3
//	1: 12 48 0A 2B 5C 11 2F
//
// multiFrame selects whether chained lines are expected; a single hex line
// is accepted either way since short answers fit one frame.
func ParseResponse(raw string, multiFrame bool) ([]byte, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errorf("empty response")
	}
	upper := strings.ToUpper(text)
	for _, m := range negativeMarkers {
		if strings.Contains(upper, m) {
			return nil, ErrNoData
		}
	}

	lines := splitLines(text)
	if len(lines) == 0 {
		return nil, errorf("no usable lines in response")
	}

	// A 7F service response is the bus's own negative acknowledgement.
	if first, err := parseHexLine(lines[0]); err == nil && len(first) >= 1 && first[0] == 0x7F {
		return nil, ErrNoData
	}

	if multiFrame && hasFrameMarker(lines) {
		return reassemble(lines)
	}
	// Short answers fit one frame even for multi-frame parameters.
	return parseHexLine(lines[0])
}

func hasFrameMarker(lines []string) bool {
	for _, ln := range lines {
		if strings.Index(ln, ":") > 0 {
			return true
		}
	}
	return false
}

func splitLines(text string) []string {
	var out []string
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(strings.TrimSuffix(ln, "\r"))
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}

// reassemble stitches sequence-tagged frames back into one payload, in
// marker order. A broken chain (duplicate or missing sequence number) is a
// decode failure, not something to silently skip.
func reassemble(lines []string) ([]byte, error) {
	type frame struct {
		seq  int
		data []byte
	}
	var frames []frame

	for _, ln := range lines {
		colon := strings.Index(ln, ":")
		if colon <= 0 {
			// Length preamble line ("00B") or stray status text; the frame
			// markers carry everything we need.
			continue
		}
		seq, err := parseHexInt(strings.TrimSpace(ln[:colon]))
		if err != nil {
			return nil, errorf("bad frame marker %q", ln[:colon])
		}
		data, err := parseHexLine(ln[colon+1:])
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame{seq: seq, data: data})
	}

	if len(frames) == 0 {
		return nil, errorf("no frames in multi-frame response")
	}

	sort.Slice(frames, func(i, j int) bool { return frames[i].seq < frames[j].seq })
	var payload []byte
	for i, f := range frames {
		if f.seq != i {
			return nil, errorf("frame chain broken: expected sequence %d, got %d", i, f.seq)
		}
		payload = append(payload, f.data...)
	}
	return payload, nil
}

func parseHexLine(line string) ([]byte, error) {
	fields := strings.Fields(line)
	var out []byte

	appendPairs := func(s string) error {
		if len(s)%2 != 0 {
			return errorf("odd-length hex run %q", s)
		}
		for i := 0; i < len(s); i += 2 {
			v, err := parseHexInt(s[i : i+2])
			if err != nil {
				return errorf("non-hex byte %q", s[i:i+2])
			}
			out = append(out, byte(v))
		}
		return nil
	}

	for _, f := range fields {
		if err := appendPairs(f); err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, errorf("no hex bytes in %q", line)
	}
	return out, nil
}

func parseHexInt(s string) (int, error) {
	v := 0
	if s == "" {
		return 0, errors.New("empty")
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | int(c-'0')
		case c >= 'A' && c <= 'F':
			v = v<<4 | int(c-'A'+10)
		case c >= 'a' && c <= 'f':
			v = v<<4 | int(c-'a'+10)
		default:
			return 0, fmt.Errorf("non-hex rune %q", c)
		}
	}
	return v, nil
}
