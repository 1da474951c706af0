package glaze

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/glaze/internal/units"
)

// Stats is a point-in-time view of a session.
type Stats struct {
	Session         string    `json:"session"`
	AmpPort         string    `json:"amp_port"`
	SerialNumber    string    `json:"serial_number,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	Started         time.Time `json:"started"`
	Policy          string    `json:"policy"`
	Capacity        int       `json:"capacity"`
	Queued          int       `json:"queued"`
	Completed       int64     `json:"completed"`
	Evicted         int64     `json:"evicted"`
	Delivered       int64     `json:"delivered"`
	ScannerState    string    `json:"scanner_state"`
	LastScan        string    `json:"last_scan,omitempty"`
	WorkerError     string    `json:"worker_error,omitempty"`
	Closed          bool      `json:"closed"`
}

// Stats returns the current session counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	queued, closed := len(c.queue), c.closed
	var workerErr string
	if c.err != nil {
		workerErr = c.err.Error()
	}
	c.mu.Unlock()

	s := Stats{
		Session:         c.id.String(),
		AmpPort:         c.cfg.AmpPort,
		SerialNumber:    c.serial,
		FirmwareVersion: c.firmware,
		Started:         c.started,
		Policy:          c.policy.String(),
		Capacity:        c.capacity,
		Queued:          queued,
		Completed:       c.completed.Load(),
		Evicted:         c.evicted.Load(),
		Delivered:       c.delivered.Load(),
		ScannerState:    c.scanner.State().String(),
		WorkerError:     workerErr,
		Closed:          closed,
	}
	if d := c.scanner.LastScanDuration(); d > 0 {
		s.LastScan = units.FormatSeconds(d.Seconds())
	}
	return s
}

// AttachAdminRoutes registers the session status and a chart of the latest
// scan on the tsweb debug page at /debug/.
func (c *Client) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("glaze", "Acquisition session status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Stats()); err != nil {
			http.Error(w, fmt.Sprintf("failed to encode status: %v", err), http.StatusInternalServerError)
		}
	})
	debug.HandleFunc("glaze-latest", "Chart of the latest scan", c.handleLatestChart)
}

func (c *Client) handleLatestChart(w http.ResponseWriter, r *http.Request) {
	latest := c.Latest()
	if latest == nil {
		http.Error(w, "no scan completed yet", http.StatusNotFound)
		return
	}

	times, signal := latest.Time(), latest.Signal()
	data := make([]opts.ScatterData, len(times))
	for i := range times {
		data[i] = opts.ScatterData{Value: []interface{}{units.ConvertTime(times[i], units.PS), signal[i]}}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Latest scan", Width: "1000px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Latest scan", Subtitle: fmt.Sprintf("session=%s port=%s points=%d", c.id, c.cfg.AmpPort, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Delay (ps)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Signal", NameLocation: "middle", NameGap: 40}),
	)
	scatter.AddSeries("signal", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
