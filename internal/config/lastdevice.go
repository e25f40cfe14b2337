package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
)

const lastDeviceFile = "lastdevice.dat"

// LoadLastDevice reads the serial device used on the previous run, so the
// daemon can reconnect to the same adapter without being told twice.
func LoadLastDevice(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, lastDeviceFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SaveLastDevice persists the device path for the next run.
func SaveLastDevice(dir, device string) {
	if device == "" {
		return
	}
	os.MkdirAll(dir, 0755)
	path := filepath.Join(dir, lastDeviceFile)
	if err := os.WriteFile(path, []byte(device+"\n"), 0644); err != nil {
		log.Printf("[config] save last device failed: %v", err)
	}
}
