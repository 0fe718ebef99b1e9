package sync

import (
	"cmp"
	"slices"
	"time"

	"github.com/treemapper/treesync/internal/api"
	"github.com/treemapper/treesync/internal/model"
)

// BuildPlantLocationRequest assembles the creation body for inv. plantDate
// and registrationDate are the submission time, not the user's plantation
// date. plantProject is sent as null when empty.
func BuildPlantLocationRequest(inv *model.Inventory, pos model.Position, plantProject string, now time.Time) (*api.PlantLocationRequest, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	coords := slices.Clone(inv.Coordinates)
	slices.SortStableFunc(coords, func(a, b model.Coordinate) int { return cmp.Compare(a.Index, b.Index) })

	ring := make([][]float64, len(coords))
	for i, c := range coords {
		ring[i] = []float64{c.Longitude, c.Latitude}
	}

	var geom api.Geometry
	if len(ring) == 1 {
		geom = api.Geometry{Type: api.GeometryPoint, Coordinates: ring[0]}
	} else {
		geom = api.Geometry{Type: api.GeometryPolygon, Coordinates: [][][]float64{ring}}
	}

	planted := inv.PlantedSpecies()
	species := make([]api.PlantedSpecies, len(planted))
	for i, s := range planted {
		species[i] = api.PlantedSpecies{OtherSpecies: s.Name, TreeCount: s.TreeCount}
	}

	var project *string
	if plantProject != "" {
		project = &plantProject
	}

	ts := now.UTC().Format(time.RFC3339)
	return &api.PlantLocationRequest{
		CaptureMode:      string(inv.CaptureMode),
		DeviceLocation:   api.NewPoint(pos.Longitude, pos.Latitude),
		Geometry:         geom,
		PlantDate:        ts,
		RegistrationDate: ts,
		PlantProject:     project,
		PlantedSpecies:   species,
	}, nil
}
