// Package model defines the inventory record types shared by the record
// store, the API client, and the upload pipeline.
package model

import (
	"errors"
	"fmt"
	"time"
)

// Status is the upload lifecycle state of an inventory record.
type Status string

const (
	// StatusIncomplete marks a record that is still being filled in locally.
	StatusIncomplete Status = "incomplete"
	// StatusPending marks a finished record that has not been sent yet.
	StatusPending Status = "pending"
	// StatusUploading marks a record whose plant location exists remotely
	// but whose images are not all confirmed.
	StatusUploading Status = "uploading"
	// StatusComplete is terminal.
	StatusComplete Status = "complete"
)

// rank orders the statuses along the lifecycle. Unknown values rank -1.
func (s Status) rank() int {
	switch s {
	case StatusIncomplete:
		return 0
	case StatusPending:
		return 1
	case StatusUploading:
		return 2
	case StatusComplete:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.rank() >= 0 }

// CanAdvanceTo reports whether moving from s to next keeps the lifecycle
// monotonic. Staying in place is allowed.
func (s Status) CanAdvanceTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() >= s.rank()
}

// ParseStatus converts a stored string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// TreeType says whether a record registers one tree or a planted area.
type TreeType string

const (
	TreeSingle TreeType = "single"
	TreeMulti  TreeType = "multi"
)

// CaptureMode says whether the trees were mapped on site (photos required)
// or off site (no photos).
type CaptureMode string

const (
	CaptureOnSite  CaptureMode = "on-site"
	CaptureOffSite CaptureMode = "off-site"
)

// ErrInvalidInventory is wrapped by every validation failure.
var ErrInvalidInventory = errors.New("invalid inventory")

// Coordinate is one mapped point of a record's geometry.
type Coordinate struct {
	// ID is assigned once when the coordinate is stored and never reused.
	ID string `json:"id"`

	// Index is the coordinate's position in the polygon. The server echoes
	// it back as coordinateIndex.
	Index int `json:"index"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// ImageURL references the locally captured photo, if any.
	ImageURL string `json:"imageUrl,omitempty"`

	// ImageUploaded is set only after the image PUT for this coordinate
	// succeeded.
	ImageUploaded bool `json:"imageUploaded,omitempty"`

	// CDNImageURL is the remote copy of the image, when known.
	CDNImageURL string `json:"cdnImageUrl,omitempty"`
}

// Species is one planted species and its tree count.
type Species struct {
	Name      string `json:"name"`
	TreeCount int    `json:"treeCount"`
}

// Position is a device location fix.
type Position struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Timestamp time.Time
}

// Inventory is a locally recorded tree-planting registration.
type Inventory struct {
	ID          string      `json:"inventoryId"`
	TreeType    TreeType    `json:"treeType"`
	CaptureMode CaptureMode `json:"captureMode"`
	Status      Status      `json:"status"`

	// SpeciesName is used instead of Species for single-tree records.
	SpeciesName string    `json:"speciesName,omitempty"`
	Species     []Species `json:"species,omitempty"`

	// Coordinates holds a single polygon (or a single point) in capture order.
	Coordinates []Coordinate `json:"coordinates"`

	// RemoteResponse is the raw plant-location response stored once the
	// remote resource exists. Its presence means the upload can be resumed.
	RemoteResponse []byte `json:"-"`

	PlantationDate time.Time `json:"plantationDate"`
	CreatedAt      time.Time `json:"-"`
	UpdatedAt      time.Time `json:"-"`
}

// Eligible reports whether the record is picked up by a sync run.
func (inv *Inventory) Eligible() bool {
	return inv.Status == StatusPending || inv.Status == StatusUploading
}

// HasRemote reports whether a resume anchor is stored.
func (inv *Inventory) HasRemote() bool {
	return len(inv.RemoteResponse) > 0
}

// PlantedSpecies returns the species list sent to the server. Single-tree
// records synthesize one entry with a count of 1.
func (inv *Inventory) PlantedSpecies() []Species {
	if inv.TreeType == TreeSingle {
		if inv.SpeciesName == "" {
			return nil
		}
		return []Species{{Name: inv.SpeciesName, TreeCount: 1}}
	}
	return inv.Species
}

// CoordinateByIndex maps polygon positions to coordinates.
func (inv *Inventory) CoordinateByIndex() map[int]*Coordinate {
	m := make(map[int]*Coordinate, len(inv.Coordinates))
	for i := range inv.Coordinates {
		m[inv.Coordinates[i].Index] = &inv.Coordinates[i]
	}
	return m
}

// Validate checks the preconditions for submitting the record.
func (inv *Inventory) Validate() error {
	switch inv.TreeType {
	case TreeSingle, TreeMulti:
	default:
		return fmt.Errorf("%w: unknown tree type %q", ErrInvalidInventory, inv.TreeType)
	}
	switch inv.CaptureMode {
	case CaptureOnSite, CaptureOffSite:
	default:
		return fmt.Errorf("%w: unknown capture mode %q", ErrInvalidInventory, inv.CaptureMode)
	}
	if len(inv.Coordinates) == 0 {
		return fmt.Errorf("%w: no coordinates", ErrInvalidInventory)
	}
	seen := make(map[int]bool, len(inv.Coordinates))
	for _, c := range inv.Coordinates {
		if seen[c.Index] {
			return fmt.Errorf("%w: duplicate coordinate index %d", ErrInvalidInventory, c.Index)
		}
		seen[c.Index] = true
	}
	species := inv.PlantedSpecies()
	if len(species) == 0 {
		return fmt.Errorf("%w: no species", ErrInvalidInventory)
	}
	for _, s := range species {
		if s.Name == "" {
			return fmt.Errorf("%w: species without a name", ErrInvalidInventory)
		}
		if s.TreeCount <= 0 {
			return fmt.Errorf("%w: species %q has tree count %d", ErrInvalidInventory, s.Name, s.TreeCount)
		}
	}
	return nil
}
