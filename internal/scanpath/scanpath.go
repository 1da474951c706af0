// Package scanpath turns a list of fractional intervals and a point budget
// into the ordered raw stage targets for one scan.
package scanpath

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/glaze/internal/config"
	"github.com/banshee-data/glaze/internal/glazeerr"
)

// Path is the concrete visiting order for one scan. Segments[i] is the
// index of the interval Targets[i] belongs to.
type Path struct {
	Targets   []float64
	Segments  []int
	Intervals []config.Interval
}

// Len returns the number of targets.
func (p Path) Len() int { return len(p.Targets) }

// Counts returns the number of targets per interval.
func (p Path) Counts() []int {
	counts := make([]int, len(p.Intervals))
	for _, s := range p.Segments {
		counts[s]++
	}
	return counts
}

// PointsPerInterval splits n points across intervals in proportion to
// their span. Each share is floored and the remainder goes to the largest
// fractional parts; ties prefer the larger span, then the lower index.
// The result always sums to n.
func PointsPerInterval(n int, intervals []config.Interval) ([]int, error) {
	if len(intervals) == 0 {
		return nil, glazeerr.Configf("at least one interval is required")
	}
	if n < 0 {
		return nil, glazeerr.Configf("point budget must not be negative, got %d", n)
	}

	spans := make([]float64, len(intervals))
	for i, iv := range intervals {
		if err := iv.Validate(); err != nil {
			return nil, err
		}
		spans[i] = iv.Length()
	}
	total := floats.Sum(spans)

	counts := make([]int, len(intervals))
	remainders := make([]float64, len(intervals))
	allocated := 0
	for i, span := range spans {
		exact := float64(n) * span / total
		counts[i] = int(math.Floor(exact))
		remainders[i] = exact - float64(counts[i])
		allocated += counts[i]
	}

	order := make([]int, len(intervals))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if remainders[ia] != remainders[ib] {
			return remainders[ia] > remainders[ib]
		}
		if spans[ia] != spans[ib] {
			return spans[ia] > spans[ib]
		}
		return ia < ib
	})
	for k := 0; allocated < n; k++ {
		counts[order[k%len(order)]]++
		allocated++
	}
	return counts, nil
}

// Build allocates n points over intervals and lays out evenly spaced
// targets from each interval's start toward its end. The end point is
// included only for a single interval, so consecutive intervals that share
// an endpoint do not visit it twice.
func Build(intervals []config.Interval, n int) (Path, error) {
	counts, err := PointsPerInterval(n, intervals)
	if err != nil {
		return Path{}, err
	}

	endpoint := len(intervals) == 1
	path := Path{
		Targets:   make([]float64, 0, n),
		Segments:  make([]int, 0, n),
		Intervals: append([]config.Interval(nil), intervals...),
	}
	for i, iv := range intervals {
		for _, x := range linspace(iv.Start, iv.End, counts[i], endpoint) {
			path.Targets = append(path.Targets, x)
			path.Segments = append(path.Segments, i)
		}
	}
	return path, nil
}

// FromConfig builds the path for a validated configuration.
func FromConfig(cfg *config.DeviceConfiguration) (Path, error) {
	if err := cfg.Validate(); err != nil {
		return Path{}, err
	}
	return Build(cfg.Intervals, cfg.PointBudget())
}

func linspace(start, end float64, n int, endpoint bool) []float64 {
	switch {
	case n <= 0:
		return nil
	case n == 1:
		return []float64{start}
	}
	if endpoint {
		return floats.Span(make([]float64, n), start, end)
	}
	out := make([]float64, n)
	step := (end - start) / float64(n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}
