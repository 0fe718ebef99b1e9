// Package geo provides the device position used as deviceLocation on every
// plant location submitted in a run.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/treemapper/treesync/internal/model"
)

// ErrStaleFix is returned when the last recorded fix is older than allowed.
var ErrStaleFix = errors.New("last position fix is too old")

// Fixed always reports the same position, typically taken from config.
type Fixed struct {
	Latitude  float64
	Longitude float64
}

// Position returns the configured coordinates stamped with the current time.
func (f Fixed) Position(_ context.Context) (model.Position, error) {
	if err := checkRange(f.Latitude, f.Longitude); err != nil {
		return model.Position{}, err
	}
	return model.Position{Latitude: f.Latitude, Longitude: f.Longitude, Timestamp: time.Now().UTC()}, nil
}

// LastFix reads the last known fix written by the capture device as JSON:
//
//	{"latitude": 52.5, "longitude": 13.4, "accuracy": 8.5, "timestamp": "2026-10-19T09:12:00Z"}
type LastFix struct {
	Path string

	// MaxAge rejects fixes older than this. Zero disables the check.
	MaxAge time.Duration

	now func() time.Time
}

// NewLastFix creates a LastFix reader for path.
func NewLastFix(path string, maxAge time.Duration) *LastFix {
	return &LastFix{Path: path, MaxAge: maxAge, now: time.Now}
}

type fixFile struct {
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// Position reads and checks the fix file.
func (l *LastFix) Position(ctx context.Context) (model.Position, error) {
	if err := ctx.Err(); err != nil {
		return model.Position{}, err
	}
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return model.Position{}, fmt.Errorf("reading position fix: %w", err)
	}

	var f fixFile
	if err := json.Unmarshal(data, &f); err != nil {
		return model.Position{}, fmt.Errorf("parsing position fix %q: %w", l.Path, err)
	}
	if f.Latitude == nil || f.Longitude == nil {
		return model.Position{}, fmt.Errorf("position fix %q lacks latitude or longitude", l.Path)
	}
	if err := checkRange(*f.Latitude, *f.Longitude); err != nil {
		return model.Position{}, err
	}

	if l.MaxAge > 0 {
		now := time.Now
		if l.now != nil {
			now = l.now
		}
		if f.Timestamp.IsZero() {
			return model.Position{}, fmt.Errorf("%w: fix has no timestamp", ErrStaleFix)
		}
		if age := now().Sub(f.Timestamp); age > l.MaxAge {
			return model.Position{}, fmt.Errorf("%w: recorded %s ago (max %s)", ErrStaleFix, age.Round(time.Second), l.MaxAge)
		}
	}

	return model.Position{
		Latitude:  *f.Latitude,
		Longitude: *f.Longitude,
		Accuracy:  f.Accuracy,
		Timestamp: f.Timestamp,
	}, nil
}

func checkRange(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %v out of range", lon)
	}
	return nil
}
