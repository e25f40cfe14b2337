package poll

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mjelva/evtelem/internal/decode"
	"github.com/mjelva/evtelem/internal/obd"
	"github.com/mjelva/evtelem/internal/profile"
	"github.com/mjelva/evtelem/internal/telemetry"
)

// fakeLink scripts request/response pairs and records everything sent.
type fakeLink struct {
	responses map[string]string
	timeouts  map[string]int // request -> remaining timeouts to serve
	sent      []string
	failures  []error
	onSend    func(cmd string)
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		responses: make(map[string]string),
		timeouts:  make(map[string]int),
	}
}

func (f *fakeLink) Send(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.sent = append(f.sent, cmd)
	if f.onSend != nil {
		f.onSend(cmd)
	}
	if n := f.timeouts[cmd]; n > 0 {
		f.timeouts[cmd] = n - 1
		return "", fmt.Errorf("obd: %q: %w", cmd, obd.ErrLinkTimeout)
	}
	if resp, ok := f.responses[cmd]; ok {
		return resp, nil
	}
	return "NO DATA", nil
}

func (f *fakeLink) SwitchSegment(ctx context.Context, seg profile.Segment, cmds []string) error {
	for _, c := range cmds {
		if _, err := f.Send(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLink) Active() bool            { return true }
func (f *fakeLink) ReportFailure(err error) { f.failures = append(f.failures, err) }

func (f *fakeLink) countSent(prefix string) int {
	n := 0
	for _, c := range f.sent {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func testCatalog(t *testing.T) *profile.Catalog {
	t.Helper()
	p := &profile.Profile{
		Name:     "test",
		SegmentA: profile.SegmentConfig{TxHeader: "7E4", RxFilter: "7EC"},
		SegmentB: profile.SegmentConfig{TxHeader: "7E0", RxFilter: "7E8"},
		Parameters: []profile.Descriptor{
			{Name: telemetry.ParamBatteryCurrent, Request: "220101", Segment: profile.SegmentA,
				Priority: profile.PriorityHigh, Unit: "A",
				Formula: decode.Formula{Kind: decode.KindUint16, Index: 3, Scale: 0.1, Signed: true}},
			{Name: telemetry.ParamSoH, Request: "220105", Segment: profile.SegmentA,
				Priority: profile.PriorityLow, Unit: "%",
				Formula: decode.Formula{Kind: decode.KindByte, Index: 3}},
			{Name: telemetry.ParamSpeed, Request: "010D", Segment: profile.SegmentB,
				Priority: profile.PriorityHigh, Unit: "km/h",
				Formula: decode.Formula{Kind: decode.KindByte, Index: 2}},
		},
	}
	cat, err := profile.NewCatalog(p)
	if err != nil {
		t.Fatalf("NewCatalog err=%v", err)
	}
	return cat
}

func collector() (*[]telemetry.Snapshot, func(telemetry.Snapshot)) {
	var snaps []telemetry.Snapshot
	return &snaps, func(s telemetry.Snapshot) { snaps = append(snaps, s) }
}

func TestCycleReadsHighEveryCycleLowOnce(t *testing.T) {
	link := newFakeLink()
	link.responses["220101"] = "62 01 01 FE 70" // -40.0 A
	link.responses["220105"] = "62 01 05 61"    // soh 97
	link.responses["010D"] = "41 0D 00"

	snaps, emit := collector()
	s := New(link, emit)
	s.SetCatalog(testCatalog(t))

	ctx := context.Background()
	s.RunCycle(ctx)
	s.RunCycle(ctx)

	if len(*snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(*snaps))
	}
	if got := link.countSent("220101"); got != 2 {
		t.Fatalf("high-priority read %d times, want 2", got)
	}
	if got := link.countSent("220105"); got != 1 {
		t.Fatalf("low-priority read %d times, want 1", got)
	}

	first, second := (*snaps)[0], (*snaps)[1]
	soh1, _ := first.Get(telemetry.ParamSoH)
	soh2, _ := second.Get(telemetry.ParamSoH)
	if !soh2.Valid || !soh2.ReadAt.Equal(soh1.ReadAt) {
		t.Fatalf("cached low-priority value must keep its original timestamp")
	}
	if cur, ok := second.Valid(telemetry.ParamBatteryCurrent); !ok || cur != -40.0 {
		t.Fatalf("battery current: got (%v, %v), want -40.0", cur, ok)
	}
}

func TestCycleRefreshesLowAfterInterval(t *testing.T) {
	link := newFakeLink()
	link.responses["220101"] = "62 01 01 00 00"
	link.responses["220105"] = "62 01 05 61"
	link.responses["010D"] = "41 0D 00"

	snaps, emit := collector()
	s := New(link, emit)
	s.SetCatalog(testCatalog(t))
	s.SetLowInterval(20 * time.Millisecond)

	ctx := context.Background()
	s.RunCycle(ctx)
	s.RunCycle(ctx) // still fresh
	time.Sleep(25 * time.Millisecond)
	s.RunCycle(ctx) // stale now, refreshed exactly once
	s.RunCycle(ctx)

	if got := link.countSent("220105"); got != 2 {
		t.Fatalf("low-priority read %d times, want 2 (initial + one refresh)", got)
	}
	_ = snaps
}

func TestCycleHighTimestampNeverStale(t *testing.T) {
	link := newFakeLink()
	link.responses["220101"] = "62 01 01 00 64"
	link.responses["010D"] = "41 0D 32"

	snaps, emit := collector()
	s := New(link, emit)
	s.SetCatalog(testCatalog(t))
	s.SetPeriod(50 * time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		s.RunCycle(ctx)
		time.Sleep(5 * time.Millisecond)
	}
	for _, snap := range *snaps {
		for _, name := range []string{telemetry.ParamBatteryCurrent, telemetry.ParamSpeed} {
			v, _ := snap.Get(name)
			if lag := snap.At.Sub(v.ReadAt); lag > 50*time.Millisecond {
				t.Fatalf("high-priority %s lags %v behind its snapshot", name, lag)
			}
		}
	}
}

func TestCycleGroupsSegmentSwitches(t *testing.T) {
	link := newFakeLink()
	link.responses["220101"] = "62 01 01 00 00"
	link.responses["220105"] = "62 01 05 61"
	link.responses["010D"] = "41 0D 00"

	_, emit := collector()
	s := New(link, emit)
	s.SetCatalog(testCatalog(t))
	s.RunCycle(context.Background())

	// Exactly one switch into A (before both A reads) and one into B.
	if got := link.countSent("ATSH7E4"); got != 1 {
		t.Fatalf("segment A selected %d times in one cycle, want 1", got)
	}
	if got := link.countSent("ATSH7E0"); got != 1 {
		t.Fatalf("segment B selected %d times in one cycle, want 1", got)
	}
	// All A-segment requests come before the switch to B.
	switchB := -1
	for i, c := range link.sent {
		if c == "ATSH7E0" {
			switchB = i
		}
	}
	for i, c := range link.sent {
		if strings.HasPrefix(c, "2201") && i > switchB {
			t.Fatalf("segment A request %q issued after switch to B", c)
		}
	}
}

func TestCycleMarksUnsupportedAndDecodeFailuresDistinctly(t *testing.T) {
	link := newFakeLink()
	link.responses["220101"] = "7F 22 31" // negative response
	link.responses["220105"] = "62"       // too short for the formula
	link.responses["010D"] = "41 0D 28"

	snaps, emit := collector()
	s := New(link, emit)
	s.SetCatalog(testCatalog(t))
	s.RunCycle(context.Background())

	if len(*snaps) != 1 {
		t.Fatalf("per-parameter failures must not abort the cycle")
	}
	snap := (*snaps)[0]

	cur, _ := snap.Get(telemetry.ParamBatteryCurrent)
	if cur.Valid || cur.Reason != telemetry.ReasonUnsupported {
		t.Fatalf("negative ack should be ReasonUnsupported, got %v", cur.Reason)
	}
	soh, _ := snap.Get(telemetry.ParamSoH)
	if soh.Valid || soh.Reason != telemetry.ReasonDecode {
		t.Fatalf("short payload should be ReasonDecode, got %v", soh.Reason)
	}
	if v, ok := snap.Valid(telemetry.ParamSpeed); !ok || v != 40 {
		t.Fatalf("healthy parameter in same cycle: got (%v, %v)", v, ok)
	}
}

func TestCycleSingleTimeoutContinues(t *testing.T) {
	link := newFakeLink()
	link.timeouts["220101"] = 1
	link.responses["220105"] = "62 01 05 61"
	link.responses["010D"] = "41 0D 00"

	snaps, emit := collector()
	s := New(link, emit)
	s.SetCatalog(testCatalog(t))
	s.RunCycle(context.Background())

	if len(link.failures) != 0 {
		t.Fatalf("single timeout must not escalate, got %v", link.failures)
	}
	if len(*snaps) != 1 {
		t.Fatalf("expected snapshot despite one timeout")
	}
	v, _ := (*snaps)[0].Get(telemetry.ParamBatteryCurrent)
	if v.Valid || v.Reason != telemetry.ReasonNoResponse {
		t.Fatalf("timed-out parameter should be ReasonNoResponse, got %v", v.Reason)
	}
}

func TestCycleTwoTimeoutsEscalates(t *testing.T) {
	link := newFakeLink()
	link.timeouts["220101"] = 1
	link.timeouts["220105"] = 1
	link.responses["010D"] = "41 0D 00"

	snaps, emit := collector()
	s := New(link, emit)
	s.SetCatalog(testCatalog(t))
	s.RunCycle(context.Background())

	if len(link.failures) != 1 {
		t.Fatalf("two consecutive timeouts must escalate once, got %d", len(link.failures))
	}
	if len(*snaps) != 0 {
		t.Fatalf("aborted cycle must not emit a snapshot")
	}
}

// singleParamCatalog is the degenerate but legal case: one high-priority
// parameter, so every cycle issues exactly one read.
func singleParamCatalog(t *testing.T) *profile.Catalog {
	t.Helper()
	p := &profile.Profile{
		Name:     "single",
		SegmentA: profile.SegmentConfig{TxHeader: "7E4", RxFilter: "7EC"},
		Parameters: []profile.Descriptor{
			{Name: telemetry.ParamBatteryCurrent, Request: "220101", Segment: profile.SegmentA,
				Priority: profile.PriorityHigh, Unit: "A",
				Formula: decode.Formula{Kind: decode.KindUint16, Index: 3, Scale: 0.1, Signed: true}},
		},
	}
	cat, err := profile.NewCatalog(p)
	if err != nil {
		t.Fatalf("NewCatalog err=%v", err)
	}
	return cat
}

func TestTimeoutsAccumulateAcrossCycles(t *testing.T) {
	link := newFakeLink()
	link.timeouts["220101"] = 1000 // dead link: every read times out

	snaps, emit := collector()
	s := New(link, emit)
	s.SetCatalog(singleParamCatalog(t))

	ctx := context.Background()
	s.RunCycle(ctx)
	if len(link.failures) != 0 {
		t.Fatalf("first timeout escalated immediately")
	}
	s.RunCycle(ctx)
	if len(link.failures) != 1 {
		t.Fatalf("dead link not reported after second single-read cycle, failures=%d", len(link.failures))
	}

	// Keep polling a link that never recovers: escalation repeats instead
	// of stopping after the first report.
	for i := 0; i < 8; i++ {
		s.RunCycle(ctx)
	}
	if len(link.failures) != 5 {
		t.Fatalf("expected a report every second dead cycle, got %d in 10 cycles", len(link.failures))
	}
	// Escalated cycles abort before emitting.
	if len(*snaps) != 5 {
		t.Fatalf("expected 5 snapshots from 10 cycles, got %d", len(*snaps))
	}
}

func TestSuccessBetweenCyclesResetsTimeoutCount(t *testing.T) {
	link := newFakeLink()
	link.responses["220101"] = "62 01 01 00 00"

	_, emit := collector()
	s := New(link, emit)
	s.SetCatalog(singleParamCatalog(t))

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		// Alternate one timed-out cycle with one healthy cycle.
		link.timeouts["220101"] = i % 2
		s.RunCycle(ctx)
	}
	if len(link.failures) != 0 {
		t.Fatalf("isolated timeouts escalated: %v", link.failures)
	}
}

func TestCycleCancelledBetweenReads(t *testing.T) {
	link := newFakeLink()
	link.responses["220101"] = "62 01 01 00 00"
	link.responses["220105"] = "62 01 05 61"
	link.responses["010D"] = "41 0D 00"

	ctx, cancel := context.WithCancel(context.Background())
	link.onSend = func(cmd string) {
		if cmd == "220101" {
			cancel() // mid-cycle disconnect request
		}
	}

	snaps, emit := collector()
	s := New(link, emit)
	s.SetCatalog(testCatalog(t))
	s.RunCycle(ctx)

	if len(*snaps) != 0 {
		t.Fatalf("cancelled cycle must not emit a snapshot")
	}
	if link.countSent("010D") != 0 {
		t.Fatalf("scheduler kept reading after cancellation")
	}
}

func TestCatalogSwapDropsCache(t *testing.T) {
	link := newFakeLink()
	link.responses["220101"] = "62 01 01 00 00"
	link.responses["220105"] = "62 01 05 61"
	link.responses["010D"] = "41 0D 00"

	snaps, emit := collector()
	s := New(link, emit)
	s.SetCatalog(testCatalog(t))
	s.RunCycle(context.Background())

	// Same parameters, new catalog identity: low-priority values must be
	// re-read, not inherited.
	s.SetCatalog(testCatalog(t))
	s.RunCycle(context.Background())

	if got := link.countSent("220105"); got != 2 {
		t.Fatalf("expected low-priority re-read after profile swap, got %d reads", got)
	}
	if len(*snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(*snaps))
	}
}
