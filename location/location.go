// Package location provides location sources for the uplink scheduler.
package location

import (
	"context"
	"errors"
	"time"

	"resqmesh/models"
)

// ErrNoFix indicates no location is available.
var ErrNoFix = errors.New("location: no fix available")

// Static reports fixed, configured coordinates stamped with the sample time.
type Static struct {
	Latitude  float64
	Longitude float64

	now func() time.Time
}

// NewStatic returns a provider for the given coordinates.
func NewStatic(latitude, longitude float64) *Static {
	return &Static{Latitude: latitude, Longitude: longitude, now: time.Now}
}

// Sample returns the configured coordinates.
func (s *Static) Sample(ctx context.Context) (models.Fix, error) {
	if err := ctx.Err(); err != nil {
		return models.Fix{}, err
	}
	now := s.now
	if now == nil {
		now = time.Now
	}
	return models.Fix{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Timestamp: now().UnixMilli(),
	}, nil
}

// Unavailable never produces a fix.
type Unavailable struct{}

// Sample always fails with ErrNoFix.
func (Unavailable) Sample(context.Context) (models.Fix, error) {
	return models.Fix{}, ErrNoFix
}
