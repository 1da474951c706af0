// Package delayunit maps raw delay-stage positions to physical time.
//
// A calibration curve is selected by name from a Registry. Two families
// exist: uniform curves are a straight line across the time window,
// nonuniform curves add a smooth residual fitted through stored knots.
package delayunit

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/interp"

	"github.com/banshee-data/glaze/internal/glazeerr"
)

// Family names the shape of a calibration curve.
type Family string

const (
	Uniform    Family = "uniform"
	Nonuniform Family = "nonuniform"
)

// Curve is a monotonic mapping from a raw stage position in [0,1] to a
// delay in seconds.
type Curve interface {
	Name() string
	Family() Family
	// Window is the delay in seconds spanned by the full stage range.
	Window() float64
	// At evaluates the curve at a single raw position.
	At(x float64) float64
}

// Delay is a named, versioned calibration curve.
type Delay struct {
	FriendlyName string    `json:"friendly_name"`
	Kind         Family    `json:"family"`
	ID           uuid.UUID `json:"id"`
	Created      time.Time `json:"created"`
	TimeWindow   float64   `json:"time_window"`

	// KnotsX and KnotsY hold the residual knots of a nonuniform curve.
	KnotsX []float64 `json:"knots_x,omitempty"`
	KnotsY []float64 `json:"knots_y,omitempty"`

	residual *interp.NotAKnotCubic
	offset   float64
}

// NewUniform returns a linear curve spanning window seconds.
func NewUniform(name string, window float64) (*Delay, error) {
	d := &Delay{
		FriendlyName: name,
		Kind:         Uniform,
		ID:           uuid.New(),
		Created:      time.Now().UTC(),
		TimeWindow:   window,
	}
	if err := d.Prepare(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewNonuniform returns a curve whose deviation from linear is described
// by a residual sampled at knots. knotsX must be strictly increasing and
// lie within [0,1]; at least four knots are required for the cubic fit.
func NewNonuniform(name string, window float64, knotsX, knotsY []float64) (*Delay, error) {
	d := &Delay{
		FriendlyName: name,
		Kind:         Nonuniform,
		ID:           uuid.New(),
		Created:      time.Now().UTC(),
		TimeWindow:   window,
		KnotsX:       append([]float64(nil), knotsX...),
		KnotsY:       append([]float64(nil), knotsY...),
	}
	if err := d.Prepare(); err != nil {
		return nil, err
	}
	return d, nil
}

// Prepare validates the stored fields and builds the residual interpolator.
// Call it after decoding a Delay, e.g. from the calibration store.
func (d *Delay) Prepare() error {
	if d.FriendlyName == "" {
		return glazeerr.Configf("delay unit name is required")
	}
	if !(d.TimeWindow > 0) || math.IsInf(d.TimeWindow, 0) {
		return glazeerr.Configf("delay unit %q: time window must be positive, got %v", d.FriendlyName, d.TimeWindow)
	}

	switch d.Kind {
	case Uniform:
		d.residual = nil
		d.offset = 0
		return nil
	case Nonuniform:
	default:
		return glazeerr.Configf("delay unit %q: unknown family %q", d.FriendlyName, d.Kind)
	}

	if len(d.KnotsX) != len(d.KnotsY) {
		return glazeerr.Configf("delay unit %q: %d knot positions but %d values", d.FriendlyName, len(d.KnotsX), len(d.KnotsY))
	}
	if len(d.KnotsX) < 4 {
		return glazeerr.Configf("delay unit %q: need at least 4 knots, got %d", d.FriendlyName, len(d.KnotsX))
	}
	for i, x := range d.KnotsX {
		if x < 0 || x > 1 {
			return glazeerr.Configf("delay unit %q: knot %v outside [0,1]", d.FriendlyName, x)
		}
		if i > 0 && x <= d.KnotsX[i-1] {
			return glazeerr.Configf("delay unit %q: knot positions must be strictly increasing", d.FriendlyName)
		}
	}

	var spline interp.NotAKnotCubic
	if err := spline.Fit(d.KnotsX, d.KnotsY); err != nil {
		return glazeerr.Configf("delay unit %q: failed to fit residual: %v", d.FriendlyName, err)
	}
	d.residual = &spline
	d.offset = spline.Predict(0)

	// The curve must be strictly increasing or ramps would reorder.
	const steps = 1000
	prev := d.At(0)
	for i := 1; i <= steps; i++ {
		cur := d.At(float64(i) / steps)
		if cur <= prev {
			return glazeerr.Configf("delay unit %q: calibration is not monotonic near x=%.3f", d.FriendlyName, float64(i)/steps)
		}
		prev = cur
	}
	return nil
}

func (d *Delay) Name() string    { return d.FriendlyName }
func (d *Delay) Family() Family  { return d.Kind }
func (d *Delay) Window() float64 { return d.TimeWindow }

// At evaluates the curve. Outside the knot range the residual is held at
// its end value.
func (d *Delay) At(x float64) float64 {
	if d.residual == nil {
		return x * d.TimeWindow
	}
	return d.TimeWindow * (x + d.residual.Predict(x) - d.offset)
}

func (d *Delay) String() string {
	return fmt.Sprintf("%s(%s, window=%gs)", d.FriendlyName, d.Kind, d.TimeWindow)
}
