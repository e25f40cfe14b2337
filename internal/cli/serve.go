package cli

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjelva/evtelem/internal/config"
	"github.com/mjelva/evtelem/internal/monitor"
	"github.com/mjelva/evtelem/internal/obd"
	"github.com/mjelva/evtelem/internal/profile"
	"github.com/mjelva/evtelem/internal/recorder"
	"github.com/mjelva/evtelem/internal/server"
)

var (
	serveConfig  string
	serveDevice  string
	serveListen  string
	serveProfile string
	serveSim     bool
	serveNoAuto  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the telemetry daemon",
	Long: `Loads the vehicle profile, connects to the adapter and serves the
HTTP API and WebSocket stream until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfig, "config", "/etc/evtelem/config.yaml", "Path to config file")
	serveCmd.Flags().StringVar(&serveDevice, "device", "", "Serial device (overrides config)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveProfile, "profile", "", "Bundled profile name or path to a profile YAML")
	serveCmd.Flags().BoolVar(&serveSim, "sim", false, "Use the built-in simulated vehicle")
	serveCmd.Flags().BoolVar(&serveNoAuto, "no-connect", false, "Start without connecting; use the API to connect")
}

func runServe(cmd *cobra.Command, args []string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] evtelemd starting")

	cfg := config.Load(serveConfig)
	if serveDevice != "" {
		cfg.Adapter.Device = serveDevice
	}
	if serveListen != "" {
		cfg.Server.ListenAddr = serveListen
	}
	if serveSim {
		cfg.Adapter.Sim = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	dial := obd.Dialer(dialSerial)
	if cfg.Adapter.Sim {
		dial = obd.DialSim
	}
	mon := monitor.New(dial, cfg.Adapter.BaudRate)
	mon.SetPollInterval(time.Duration(cfg.Poll.PeriodS) * time.Second)
	mon.SetLowInterval(time.Duration(cfg.Poll.LowIntervalS) * time.Second)

	p, err := resolveProfile(cfg)
	if err != nil {
		return err
	}
	if err := mon.LoadProfile(p); err != nil {
		return err
	}

	mon.OnLinkState(func(st obd.Status) {
		log.Printf("[main] link %s (device %s, attempt %d)", st.State, st.Device, st.Attempt)
	})

	rec := recorder.New(recorder.Config{
		Enabled: cfg.Recording.Enabled,
		Path:    cfg.Recording.Path,
	})

	go mon.Run(ctx)

	if !serveNoAuto {
		device := cfg.Adapter.Device
		if last := config.LoadLastDevice(cfg.Dir()); last != "" && serveDevice == "" {
			device = last
		}
		if err := mon.Connect(ctx, device); err != nil {
			// The API can still connect later.
			log.Printf("[main] initial connect failed: %v", err)
		} else {
			config.SaveLastDevice(cfg.Dir(), device)
		}
	}

	srv := server.New(cfg, mon, rec)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		return err
	}
	return nil
}

// resolveProfile picks the startup profile: --profile beats the config,
// and a value containing a path separator or .yaml suffix is loaded from
// disk instead of the bundled set.
func resolveProfile(cfg *config.Config) (*profile.Profile, error) {
	name := cfg.Profile.Name
	path := cfg.Profile.Path
	if serveProfile != "" {
		if looksLikePath(serveProfile) {
			path = serveProfile
		} else {
			name, path = serveProfile, ""
		}
	}
	if path != "" {
		return profile.LoadFile(path)
	}
	return profile.LoadBundled(name)
}

func looksLikePath(s string) bool {
	for _, c := range s {
		if c == '/' || c == '\\' {
			return true
		}
	}
	return len(s) > 5 && s[len(s)-5:] == ".yaml"
}

func dialSerial(device string, baud int) (obd.Transport, error) {
	return obd.Open(device, baud)
}
