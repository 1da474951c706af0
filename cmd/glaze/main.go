// Command glaze drives a lock-in amplifier and delay stage: it runs a single
// scan and reconstructs the pulse, or streams averaged scans until
// interrupted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/glaze/internal/calstore"
	"github.com/banshee-data/glaze/internal/config"
	"github.com/banshee-data/glaze/internal/delayunit"
	"github.com/banshee-data/glaze/internal/device"
	"github.com/banshee-data/glaze/internal/glaze"
	"github.com/banshee-data/glaze/internal/monitoring"
	"github.com/banshee-data/glaze/internal/plotting"
	"github.com/banshee-data/glaze/internal/scanner"
	"github.com/banshee-data/glaze/internal/units"
	"github.com/banshee-data/glaze/internal/version"
	"github.com/banshee-data/glaze/internal/waveform"
)

const (
	modeScan   = "scan"
	modeStream = "stream"
	rampNone   = "none"
)

type options struct {
	ConfigPath string
	Mock       string
	Mode       string
	N          int
	Batches    int
	Capacity   int
	Policy     string
	Ramp       string
	Out        string
	Plot       string
	Listen     string
	GRPC       string
	CalDB      string
	ListPorts  bool
	ListDelays bool
	Version    bool
	Debug      bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("glaze", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.ConfigPath, "config", "", "Device configuration file (.json, .yaml or .yml); a mock setup is used when empty")
	fs.StringVar(&o.Mock, "mock", "", "Run against a mock device variant instead of the configured amp port")
	fs.StringVar(&o.Mode, "mode", modeScan, "Acquisition mode: scan or stream")
	fs.IntVar(&o.N, "n", 1, "Scans averaged per batch in stream mode")
	fs.IntVar(&o.Batches, "batches", 0, "Stop streaming after this many batches (0 streams until interrupted)")
	fs.IntVar(&o.Capacity, "capacity", glaze.DefaultCapacity, "Stream queue capacity")
	fs.StringVar(&o.Policy, "policy", glaze.DropOldest.String(), "Stream queue policy when full: drop_oldest or block")
	fs.StringVar(&o.Ramp, "ramp", string(waveform.RampDown), "Ramp to reconstruct: up, down or none to keep the raw scan")
	fs.StringVar(&o.Out, "out", "", "Write the result as JSON to this file")
	fs.StringVar(&o.Plot, "plot", "", "Write a PNG plot of the result to this file")
	fs.StringVar(&o.Listen, "listen", "", "Serve debug routes on this address in stream mode")
	fs.StringVar(&o.GRPC, "grpc", "", "Serve averaged scans over gRPC on this address in stream mode instead of printing them")
	fs.StringVar(&o.CalDB, "caldb", "", "SQLite database of delay-unit calibrations to register")
	fs.BoolVar(&o.ListPorts, "list-ports", false, "List serial ports and mock devices, then exit")
	fs.BoolVar(&o.ListDelays, "list-delays", false, "List available delay units, then exit")
	fs.BoolVar(&o.Version, "version", false, "Print version information and exit")
	fs.BoolVar(&o.Debug, "debug", false, "Enable diagnostic logging")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	switch o.Mode {
	case modeScan, modeStream:
	default:
		return options{}, fmt.Errorf("mode must be %q or %q, got %q", modeScan, modeStream, o.Mode)
	}
	switch waveform.Ramp(o.Ramp) {
	case waveform.RampUp, waveform.RampDown, rampNone:
	default:
		return options{}, fmt.Errorf("ramp must be %q, %q or %q, got %q", waveform.RampUp, waveform.RampDown, rampNone, o.Ramp)
	}
	if _, err := glaze.ParsePolicy(o.Policy); err != nil {
		return options{}, err
	}
	if o.Capacity < 1 {
		return options{}, fmt.Errorf("capacity must be at least 1, got %d", o.Capacity)
	}
	if o.N < 1 || o.N > o.Capacity {
		return options{}, fmt.Errorf("n must be between 1 and the capacity %d, got %d", o.Capacity, o.N)
	}
	if o.Batches < 0 {
		return options{}, fmt.Errorf("batches must not be negative, got %d", o.Batches)
	}
	if o.GRPC != "" && o.Mode != modeStream {
		return options{}, fmt.Errorf("-grpc requires -mode %s", modeStream)
	}
	if o.Mock != "" && !device.IsMock(o.Mock) {
		return options{}, fmt.Errorf("mock device must start with %q, got %q", device.MockPrefix, o.Mock)
	}
	return o, nil
}

func main() {
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("invalid arguments: %v", err)
	}
	setupLogging(os.Stderr, o.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, os.Stdout); err != nil {
		log.Fatalf("glaze: %v", err)
	}
}

func setupLogging(w io.Writer, debug bool) {
	var diag io.Writer
	if debug {
		diag = w
	}
	device.SetLogWriters(w, diag, nil)
	scanner.SetLogWriters(w, diag, nil)
	glaze.SetLogWriters(w, diag, nil)
}

func run(ctx context.Context, o options, stdout io.Writer) error {
	if o.Version {
		fmt.Fprintln(stdout, version.String())
		return nil
	}
	if o.ListPorts {
		ports, err := device.ListPorts()
		if err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Fprintln(stdout, p)
		}
		return nil
	}

	var store *calstore.Store
	if o.CalDB != "" {
		var err error
		if store, err = calstore.Open(o.CalDB); err != nil {
			return fmt.Errorf("failed to open calibration database: %w", err)
		}
		defer store.Close()
	}
	reg, err := buildRegistry(store)
	if err != nil {
		return err
	}
	if o.ListDelays {
		return listDelays(reg, stdout)
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	switch o.Mode {
	case modeStream:
		return stream(ctx, o, cfg, reg, store, stdout)
	default:
		return scanOnce(o, cfg, reg, stdout)
	}
}

// buildRegistry starts from the built-in delay units and adds any stored
// calibrations, which replace built-ins of the same name.
func buildRegistry(store *calstore.Store) (*delayunit.Registry, error) {
	reg := delayunit.NewRegistry()
	for _, name := range delayunit.Default.Names() {
		c, err := delayunit.Default.Lookup(name)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	if store == nil {
		return reg, nil
	}
	n, err := store.RegisterAll(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to load calibrations: %w", err)
	}
	monitoring.Logf("registered %d stored delay units", n)
	return reg, nil
}

func listDelays(reg *delayunit.Registry, stdout io.Writer) error {
	for _, name := range reg.Names() {
		c, err := reg.Lookup(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", name, c.Family(), units.FormatSeconds(c.Window()))
	}
	return nil
}

func defaultConfig() *config.DeviceConfiguration {
	return &config.DeviceConfiguration{
		Kind:               config.KindLe,
		AmpPort:            device.MockDevice,
		DelayUnit:          "mock_delay",
		IntegrationPeriods: 3,
		Intervals: []config.Interval{
			{Start: 0.5, End: 1},
			{Start: 1, End: 0},
			{Start: 0, End: 0.5},
		},
		NPoints: 600,
	}
}

func loadConfig(o options) (*config.DeviceConfiguration, error) {
	cfg := defaultConfig()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(o.ConfigPath); err != nil {
			return nil, err
		}
	}
	if o.Mock != "" {
		cfg = cfg.Clone()
		cfg.AmpPort = o.Mock
	}
	return cfg, nil
}

func scanOnce(o options, cfg *config.DeviceConfiguration, reg *delayunit.Registry, stdout io.Writer) error {
	sc, err := scanner.New(cfg, scanner.WithRegistry(reg))
	if err != nil {
		return err
	}
	defer sc.Close()

	w, err := sc.Scan()
	if err != nil {
		return err
	}
	monitoring.Logf("scanned %d points on %s in %s", w.Len(), cfg.AmpPort, sc.LastScanDuration())
	return emit(w, o, stdout)
}

func stream(ctx context.Context, o options, cfg *config.DeviceConfiguration, reg *delayunit.Registry, store *calstore.Store, stdout io.Writer) error {
	policy, err := glaze.ParsePolicy(o.Policy)
	if err != nil {
		return err
	}
	return glaze.Run(ctx, cfg, func(ctx context.Context, c *glaze.Client) error {
		monitoring.Logf("session %s on %s (serial %q, firmware %q)", c.ID(), cfg.AmpPort, c.SerialNumber(), c.FirmwareVersion())

		serverCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		defer func() {
			cancel()
			wg.Wait()
		}()
		if o.Listen != "" {
			if err := serveDebug(serverCtx, &wg, o.Listen, c, store); err != nil {
				return err
			}
		}

		if o.GRPC != "" {
			ln, err := net.Listen("tcp", o.GRPC)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", o.GRPC, err)
			}
			return glaze.ServeGRPC(ctx, ln, c, o.N)
		}

		for batch := 1; o.Batches == 0 || batch <= o.Batches; batch++ {
			var w *waveform.Unprocessed
			err := ctx.Err()
			if err == nil {
				w, err = c.Next(ctx, o.N)
			}
			if err != nil {
				if ctx.Err() != nil {
					monitoring.Logf("stream interrupted after %d batches", batch-1)
					return nil
				}
				return err
			}
			fmt.Fprintf(stdout, "batch %d: ", batch)
			if err := emit(w, o, stdout); err != nil {
				return err
			}
		}
		return nil
	},
		glaze.WithCapacity(o.Capacity),
		glaze.WithPolicy(policy),
		glaze.WithScannerOptions(scanner.WithRegistry(reg)),
	)
}

// serveDebug binds addr and serves the session and calibration debug routes
// until ctx is cancelled.
func serveDebug(ctx context.Context, wg *sync.WaitGroup, addr string, c *glaze.Client, store *calstore.Store) error {
	mux := http.NewServeMux()
	c.AttachAdminRoutes(mux)
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{Handler: mux}
	monitoring.Logf("serving debug routes on http://%s/debug/", ln.Addr())

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Printf("debug server error: %v", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("debug server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("debug server force close error: %v", err)
			}
		}
	}()
	return nil
}

// emit prints a one-line summary of w and writes the requested files. With
// a ramp selected, the ramp is reconstructed into a pulse first.
func emit(w *waveform.Unprocessed, o options, stdout io.Writer) error {
	if o.Ramp == rampNone {
		times := w.Time()
		fmt.Fprintf(stdout, "scan: %d points spanning %s\n", w.Len(), units.FormatSeconds(floats.Max(times)-floats.Min(times)))
		if o.Out != "" {
			if err := writeJSON(o.Out, w.ToNativeDict()); err != nil {
				return err
			}
		}
		if o.Plot != "" {
			return plotting.SaveWaveform(w, o.Plot)
		}
		return nil
	}

	ramp, err := w.FromTriangularWaveform(waveform.Ramp(o.Ramp))
	if err != nil {
		return err
	}
	rec, err := ramp.Reconstruct(waveform.CubicSpline)
	if err != nil {
		return err
	}
	p, err := rec.AsPulse()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "pulse: %d points, dt %s, window %s, peak %s\n",
		p.Len(), units.FormatSeconds(p.Dt()), units.FormatSeconds(p.TimeWindow()), units.FormatHertz(p.CenterFrequency()))
	if o.Out != "" {
		if err := writeJSON(o.Out, p); err != nil {
			return err
		}
	}
	if o.Plot != "" {
		return plotting.SavePulse(p, o.Plot)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
