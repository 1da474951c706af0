// Package plotting renders pulses and raw scans to PNG with gonum/plot.
package plotting

import (
	"fmt"
	"image/color"
	"io"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/glaze/internal/pulse"
	"github.com/banshee-data/glaze/internal/units"
	"github.com/banshee-data/glaze/internal/waveform"
)

// spectrumFloor keeps empty frequency bins finite on a dB axis (-200 dB).
const spectrumFloor = 1e-10

var (
	signalColor   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	spectrumColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}

	pageWidth  = 10 * vg.Inch
	pageHeight = 8 * vg.Inch
)

// TimePlot plots a pulse's signal against time in picoseconds.
func TimePlot(p *pulse.Pulse) (*plot.Plot, error) {
	times, signal := p.Time(), p.Signal()
	pts := make(plotter.XYs, len(times))
	for i := range times {
		pts[i] = plotter.XY{X: units.ConvertTime(times[i], units.PS), Y: signal[i]}
	}

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("Pulse (dt = %s)", units.FormatSeconds(p.Dt()))
	pl.X.Label.Text = "Time (ps)"
	pl.Y.Label.Text = "Signal"
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("failed to build signal line: %w", err)
	}
	line.Color = signalColor
	line.Width = vg.Points(1)
	pl.Add(plotter.NewGrid(), line)
	return pl, nil
}

// SpectrumPlot plots the non-negative half of a pulse's spectrum in dB
// relative to its maximum.
func SpectrumPlot(p *pulse.Pulse) (*plot.Plot, error) {
	freq := p.Frequency()
	db := p.SpectrumDBRelative(0, spectrumFloor)
	pts := make(plotter.XYs, 0, len(freq)/2+1)
	for i, f := range freq {
		if f < 0 {
			continue
		}
		pts = append(pts, plotter.XY{X: f * 1e-12, Y: db[i]})
	}

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("Spectrum (peak at %s)", units.FormatHertz(p.CenterFrequency()))
	pl.X.Label.Text = "Frequency (THz)"
	pl.Y.Label.Text = "Amplitude (dB)"
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("failed to build spectrum line: %w", err)
	}
	line.Color = spectrumColor
	line.Width = vg.Points(1)
	pl.Add(plotter.NewGrid(), line)
	return pl, nil
}

// WritePulse writes a PNG with the time trace above the spectrum.
func WritePulse(w io.Writer, p *pulse.Pulse) error {
	top, err := TimePlot(p)
	if err != nil {
		return err
	}
	bottom, err := SpectrumPlot(p)
	if err != nil {
		return err
	}

	img := vgimg.New(pageWidth, pageHeight)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadX: vg.Millimeter, PadY: 4 * vg.Millimeter}
	canvases := plot.Align([][]*plot.Plot{{top}, {bottom}}, tiles, dc)
	top.Draw(canvases[0][0])
	bottom.Draw(canvases[1][0])

	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(w); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

// SavePulse writes WritePulse output to path.
func SavePulse(p *pulse.Pulse, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WritePulse(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SaveWaveform plots a raw scan in acquisition order as a scatter of
// signal against delay and saves it as PNG.
func SaveWaveform(w *waveform.Unprocessed, path string) error {
	times, signal := w.Time(), w.Signal()
	pts := make(plotter.XYs, len(times))
	for i := range times {
		pts[i] = plotter.XY{X: units.ConvertTime(times[i], units.PS), Y: signal[i]}
	}

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("Raw scan (%d points)", len(pts))
	pl.X.Label.Text = "Delay (ps)"
	pl.Y.Label.Text = "Signal"
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("failed to build scatter: %w", err)
	}
	scatter.GlyphStyle.Color = signalColor
	scatter.GlyphStyle.Radius = vg.Points(1.5)
	pl.Add(plotter.NewGrid(), scatter)

	if err := pl.Save(pageWidth, pageHeight/2, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
