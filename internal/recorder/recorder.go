// Package recorder persists telemetry snapshots and finalized charging
// sessions to CSV files with automatic rotation.
package recorder

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mjelva/evtelem/internal/charge"
	"github.com/mjelva/evtelem/internal/telemetry"
)

// Recorder writes one CSV row per snapshot and appends closed sessions to
// a separate file.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds recorder configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const maxRowsPerFile = 50_000 // roughly three days at a 5s cycle

var snapshotHeader = []string{
	"timestamp", "cycle",
	"soc_pct", "soh_pct",
	"battery_current_a", "battery_voltage_v", "power_kw",
	"battery_temp_min_c", "battery_temp_max_c",
	"speed_kph", "aux_voltage_v", "odometer_km",
}

var sessionHeader = []string{
	"id", "started_at", "ended_at", "classification",
	"energy_kwh", "peak_power_kw", "start_soc", "end_soc",
}

// New creates a recorder.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/evtelem"
	}
	return &Recorder{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
	}
}

// SetEnabled toggles recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on {
		r.closeFile()
	}
}

// IsEnabled reports whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// RecordSnapshot appends one row for a completed poll cycle. Invalid
// values leave their column empty.
func (r *Recorder) RecordSnapshot(snap telemetry.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	if r.writer == nil || r.rows >= maxRowsPerFile {
		if err := r.rotateFile(snap.At); err != nil {
			log.Printf("[recorder] rotate failed: %v", err)
			return
		}
	}

	if err := r.writer.Write(r.buildRow(snap)); err != nil {
		log.Printf("[recorder] write failed: %v", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// RecordSession appends a finalized charging session to sessions.csv.
func (r *Recorder) RecordSession(s charge.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		log.Printf("[recorder] mkdir %s: %v", r.dir, err)
		return
	}

	path := filepath.Join(r.dir, "sessions.csv")
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("[recorder] open %s: %v", path, err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if os.IsNotExist(statErr) {
		w.Write(sessionHeader)
	}
	w.Write([]string{
		s.ID,
		s.StartedAt.Format(time.RFC3339),
		s.EndedAt.Format(time.RFC3339),
		string(s.Classification),
		fmt.Sprintf("%.4f", s.EnergyKWh),
		fmt.Sprintf("%.1f", s.PeakPowerKW),
		fmt.Sprintf("%.1f", s.StartSoC),
		fmt.Sprintf("%.1f", s.EndSoC),
	})
	w.Flush()
	if err := w.Error(); err != nil {
		log.Printf("[recorder] session write failed: %v", err)
	}
}

// Close flushes and closes the current snapshot file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("telemetry_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(snapshotHeader); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[recorder] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func (r *Recorder) buildRow(snap telemetry.Snapshot) []string {
	row := make([]string, len(snapshotHeader))
	row[0] = snap.At.Format(time.RFC3339Nano)
	row[1] = fmt.Sprintf("%d", snap.Cycle)

	cell := func(i int, name, format string) {
		if v, ok := snap.Valid(name); ok {
			row[i] = fmt.Sprintf(format, v)
		}
	}
	cell(2, telemetry.ParamSoC, "%.1f")
	cell(3, telemetry.ParamSoH, "%.1f")
	cell(4, telemetry.ParamBatteryCurrent, "%.1f")
	cell(5, telemetry.ParamBatteryVoltage, "%.1f")
	if p, ok := snap.PowerKW(); ok {
		row[6] = fmt.Sprintf("%.2f", p)
	}
	cell(7, telemetry.ParamBatteryTempMin, "%.0f")
	cell(8, telemetry.ParamBatteryTempMax, "%.0f")
	cell(9, telemetry.ParamSpeed, "%.0f")
	cell(10, telemetry.ParamAuxVoltage, "%.1f")
	cell(11, telemetry.ParamOdometer, "%.1f")
	return row
}
