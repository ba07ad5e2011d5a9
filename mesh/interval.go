package mesh

import (
	"math"
	"time"

	"resqmesh/models"
)

const (
	// DefaultSampleInterval is the sampling interval of a stationary device.
	DefaultSampleInterval = 5 * time.Second
	// MinSampleInterval is the fastest sampling interval.
	MinSampleInterval = 100 * time.Millisecond
	// DefaultFullSpeedMeters is the displacement at which LinearInterval reaches its floor.
	DefaultFullSpeedMeters = 50.0

	earthRadiusMeters = 6371000.0
)

// IntervalStrategy maps the displacement since the previous sample to the next sampling delay.
// Implementations must be monotonically non-increasing in meters; the scheduler clamps results
// to [MinSampleInterval, DefaultSampleInterval].
type IntervalStrategy interface {
	Next(meters float64) time.Duration
}

// IntervalFunc adapts a function to IntervalStrategy.
type IntervalFunc func(meters float64) time.Duration

// Next calls f.
func (f IntervalFunc) Next(meters float64) time.Duration {
	return f(meters)
}

// LinearInterval shrinks the interval linearly from Base to Floor as displacement grows to
// FullSpeedMeters.
type LinearInterval struct {
	Base            time.Duration
	Floor           time.Duration
	FullSpeedMeters float64
}

// DefaultInterval returns the default linear curve.
func DefaultInterval() LinearInterval {
	return LinearInterval{
		Base:            DefaultSampleInterval,
		Floor:           MinSampleInterval,
		FullSpeedMeters: DefaultFullSpeedMeters,
	}
}

func (l LinearInterval) Next(meters float64) time.Duration {
	base, floor, full := l.Base, l.Floor, l.FullSpeedMeters
	if base <= 0 {
		base = DefaultSampleInterval
	}
	if floor <= 0 || floor > base {
		floor = MinSampleInterval
	}
	if full <= 0 {
		full = DefaultFullSpeedMeters
	}
	if meters <= 0 || math.IsNaN(meters) {
		return base
	}
	ratio := math.Min(meters/full, 1)
	return base - time.Duration(ratio*float64(base-floor))
}

func clampInterval(d time.Duration) time.Duration {
	if d < MinSampleInterval {
		return MinSampleInterval
	}
	if d > DefaultSampleInterval {
		return DefaultSampleInterval
	}
	return d
}

// Distance returns the great-circle distance between two fixes in meters.
func Distance(a, b models.Fix) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
