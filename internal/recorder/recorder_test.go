package recorder

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mjelva/evtelem/internal/charge"
	"github.com/mjelva/evtelem/internal/telemetry"
)

func testSnap(cycle uint64, at time.Time) telemetry.Snapshot {
	snap := telemetry.Snapshot{Cycle: cycle, At: at, Values: make(map[string]telemetry.Value)}
	snap.Values[telemetry.ParamSoC] = telemetry.Value{Param: telemetry.ParamSoC, Value: 72.5, ReadAt: at, Valid: true}
	snap.Values[telemetry.ParamBatteryCurrent] = telemetry.Value{Param: telemetry.ParamBatteryCurrent, Value: -40, ReadAt: at, Valid: true}
	snap.Values[telemetry.ParamBatteryVoltage] = telemetry.Value{
		Param: telemetry.ParamBatteryVoltage, ReadAt: at, Reason: telemetry.ReasonNoResponse,
	}
	return snap
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestRecordSnapshotWritesRowWithEmptyInvalidCells(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir})
	defer r.Close()

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	r.RecordSnapshot(testSnap(7, at))
	r.Close()

	files, _ := filepath.Glob(filepath.Join(dir, "telemetry_*.csv"))
	if len(files) != 1 {
		t.Fatalf("expected 1 telemetry file, got %v", files)
	}
	rows := readCSV(t, files[0])
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d rows", len(rows))
	}
	row := rows[1]
	if row[1] != "7" || row[2] != "72.5" || row[4] != "-40.0" {
		t.Fatalf("row mismatch: %v", row)
	}
	// Invalid voltage leaves its cell (and the derived power) empty.
	if row[5] != "" || row[6] != "" {
		t.Fatalf("invalid values should be empty cells: %v", row)
	}
}

func TestRecorderDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: false, Path: dir})
	r.RecordSnapshot(testSnap(1, time.Now()))
	r.RecordSession(charge.Session{ID: "x"})
	r.Close()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("disabled recorder created files: %v", entries)
	}
}

func TestRecordSessionAppends(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir})

	start := time.Date(2025, 6, 1, 21, 0, 0, 0, time.UTC)
	s := charge.Session{
		ID:             "abc-123",
		StartedAt:      start,
		EndedAt:        start.Add(40 * time.Minute),
		Classification: charge.ClassDC,
		EnergyKWh:      31.25,
		PeakPowerKW:    74.5,
		StartSoC:       20,
		EndSoC:         71,
	}
	r.RecordSession(s)
	r.RecordSession(s)

	rows := readCSV(t, filepath.Join(dir, "sessions.csv"))
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "id" {
		t.Fatalf("header missing: %v", rows[0])
	}
	if rows[1][0] != "abc-123" || rows[1][3] != "dc" || rows[1][4] != "31.2500" {
		t.Fatalf("session row mismatch: %v", rows[1])
	}
	if !strings.HasPrefix(rows[1][1], "2025-06-01T21:00:00") {
		t.Fatalf("timestamp format: %q", rows[1][1])
	}
}
