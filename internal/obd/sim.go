package obd

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Sim is an in-process adapter+vehicle for development and testing. It
// answers the same command protocol a real adapter does, scripted through a
// repeating drive / park / DC-charge scenario so the charging detector has
// something to find in demo mode.
type Sim struct {
	mu    sync.Mutex
	start time.Time
	soc   float64
	odoKm float64
	last  time.Time
}

// NewSim creates a simulated adapter starting mid-drive at 70% charge.
func NewSim() *Sim {
	now := time.Now()
	return &Sim{start: now, last: now, soc: 70, odoKm: 48213}
}

// DialSim is a Dialer that ignores the device address and returns a fresh
// simulator. Used by the --demo flag.
func DialSim(device string, baud int) (Transport, error) {
	return NewSim(), nil
}

func (s *Sim) Close() error { return nil }

// scenario phase lengths, looped.
const (
	simDrive  = 120 * time.Second
	simPause  = 30 * time.Second
	simCharge = 600 * time.Second
	simParked = 120 * time.Second
	simLoop   = simDrive + simPause + simCharge + simParked
)

// state returns the momentary vehicle quantities for the current phase.
func (s *Sim) state() (speedKph, currentA, voltageV float64) {
	elapsed := time.Since(s.start) % simLoop
	voltageV = 355 + s.soc*0.4

	switch {
	case elapsed < simDrive:
		speedKph = 50 + 20*math.Sin(float64(elapsed)/float64(10*time.Second))
		currentA = 30 + speedKph*0.8 + rand.Float64()*5 // discharge
	case elapsed < simDrive+simPause:
		speedKph = 0
		currentA = rand.Float64()*0.4 - 0.2
	case elapsed < simDrive+simPause+simCharge:
		speedKph = 0
		currentA = -110 + rand.Float64()*4 // DC fast charge
		if s.soc > 80 {
			currentA = -40 // taper
		}
	default:
		speedKph = 0
		currentA = rand.Float64()*0.4 - 0.2
	}
	return
}

// advance integrates SoC and odometer between requests.
func (s *Sim) advance(speedKph, currentA, voltageV float64) {
	now := time.Now()
	dt := now.Sub(s.last).Hours()
	s.last = now

	const packKWh = 64.0
	s.soc -= currentA * voltageV / 1000.0 * dt / packKWh * 100.0
	if s.soc > 100 {
		s.soc = 100
	}
	if s.soc < 2 {
		s.soc = 2
	}
	s.odoKm += speedKph * dt
}

func (s *Sim) Send(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	upper := strings.ToUpper(strings.TrimSpace(cmd))
	if upper == "ATZ" {
		return "ELM327 v1.5", nil
	}
	if strings.HasPrefix(upper, "AT") {
		return "OK", nil
	}

	speed, current, voltage := s.state()
	s.advance(speed, current, voltage)

	switch upper {
	case "220101":
		return s.bmsBlock(current, voltage), nil
	case "220105":
		return s.healthBlock(), nil
	case "010D":
		return fmt.Sprintf("41 0D %02X", int(speed)), nil
	case "015B":
		return fmt.Sprintf("41 5B %02X", int(s.soc/0.3922)&0xFF), nil
	case "0142":
		mv := 14200 + rand.Intn(200)
		return fmt.Sprintf("41 42 %02X %02X", mv>>8, mv&0xFF), nil
	case "01A6":
		tenths := int64(s.odoKm * 10)
		return fmt.Sprintf("41 A6 %02X %02X %02X %02X",
			(tenths>>24)&0xFF, (tenths>>16)&0xFF, (tenths>>8)&0xFF, tenths&0xFF), nil
	default:
		return "NO DATA", nil
	}
}

// bmsBlock builds the multi-frame battery block the vendor profile decodes:
// SoC at byte 6, pack current (signed u16, 0.1 A) at 12, pack voltage
// (u16, 0.1 V) at 14, module temps at 16/17, aux battery at 31, cumulative
// charge energy (u32, 0.1 kWh) at 40.
func (s *Sim) bmsBlock(current, voltage float64) string {
	data := make([]byte, 48)
	data[0], data[1], data[2] = 0x62, 0x01, 0x01

	data[6] = byte(s.soc * 2)
	cur := int(current*10) & 0xFFFF
	data[12], data[13] = byte(cur>>8), byte(cur&0xFF)
	volt := int(voltage * 10)
	data[14], data[15] = byte(volt>>8), byte(volt&0xFF)
	data[16] = byte(28 + 40) // temp max
	data[17] = byte(24 + 40) // temp min
	data[31] = byte(14.3 * 10)
	cec := int64(12345.6 * 10)
	data[40], data[41] = byte(cec>>24), byte(cec>>16)
	data[42], data[43] = byte(cec>>8), byte(cec)

	return frameLines(data)
}

func (s *Sim) healthBlock() string {
	data := make([]byte, 32)
	data[0], data[1], data[2] = 0x62, 0x01, 0x05
	soh := int(97.5 * 10)
	data[27], data[28] = byte(soh>>8), byte(soh&0xFF)
	return frameLines(data)
}

// frameLines renders a payload as the adapter's chained multi-frame lines.
func frameLines(data []byte) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%03X\r\n", len(data))
	seq := 0
	for off := 0; off < len(data); off += 7 {
		end := off + 7
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(&sb, "%X:", seq)
		for _, b := range data[off:end] {
			fmt.Fprintf(&sb, " %02X", b)
		}
		sb.WriteString("\r\n")
		seq++
	}
	return strings.TrimRight(sb.String(), "\r\n")
}
