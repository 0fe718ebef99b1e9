package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Geometry types used by the plant-location endpoints.
const (
	GeometryPoint   = "Point"
	GeometryPolygon = "Polygon"

	// CoordinateStatusComplete marks a remote coordinate whose image the
	// server already has.
	CoordinateStatusComplete = "complete"
)

// Point is a GeoJSON point in [longitude, latitude] order.
type Point struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// NewPoint builds a GeoJSON point.
func NewPoint(lon, lat float64) Point {
	return Point{Type: GeometryPoint, Coordinates: []float64{lon, lat}}
}

// Geometry is a GeoJSON Point or single-ring Polygon.
type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// PlantedSpecies is one species line of a plant location. Exactly one of
// OtherSpecies and ScientificSpecies is set.
type PlantedSpecies struct {
	OtherSpecies      string `json:"otherSpecies,omitempty"`
	ScientificSpecies string `json:"scientificSpecies,omitempty"`
	TreeCount         int    `json:"treeCount"`
}

// PlantLocationRequest is the POST /plantLocations body.
type PlantLocationRequest struct {
	CaptureMode      string           `json:"captureMode"`
	DeviceLocation   Point            `json:"deviceLocation"`
	Geometry         Geometry         `json:"geometry"`
	PlantDate        string           `json:"plantDate"`
	RegistrationDate string           `json:"registrationDate"`
	PlantProject     *string          `json:"plantProject"`
	PlantedSpecies   []PlantedSpecies `json:"plantedSpecies"`
}

// RemoteCoordinate is the server's view of one mapped coordinate.
type RemoteCoordinate struct {
	ID              string `json:"id"`
	CoordinateIndex int    `json:"coordinateIndex"`
	Status          string `json:"status"`
	Image           string `json:"image,omitempty"`
}

// Complete reports whether the server already has this coordinate's image.
func (c RemoteCoordinate) Complete() bool { return c.Status == CoordinateStatusComplete }

// PlantLocation is the server's creation/fetch response.
type PlantLocation struct {
	ID          string             `json:"id"`
	Coordinates []RemoteCoordinate `json:"coordinates"`

	// Raw is the response body exactly as received.
	Raw json.RawMessage `json:"-"`
}

// ParsePlantLocation decodes a stored or received plant-location response.
func ParsePlantLocation(raw []byte) (*PlantLocation, error) {
	var loc PlantLocation
	if err := json.Unmarshal(raw, &loc); err != nil {
		return nil, fmt.Errorf("decoding plant location: %w", err)
	}
	if loc.ID == "" {
		return nil, errors.New("plant location response has no id")
	}
	loc.Raw = append(json.RawMessage(nil), raw...)
	return &loc, nil
}

// CreatePlantLocation submits a new plant location.
func (c *Client) CreatePlantLocation(ctx context.Context, creds Credentials, req *PlantLocationRequest) (*PlantLocation, error) {
	raw, _, err := c.do(ctx, creds, http.MethodPost, "/plantLocations", req, nil)
	if err != nil {
		return nil, fmt.Errorf("create plant location: %w", err)
	}
	loc, err := ParsePlantLocation(raw)
	if err != nil {
		return nil, fmt.Errorf("create plant location: %w", err)
	}
	return loc, nil
}

// GetPlantLocation fetches an existing plant location with the current
// per-coordinate upload status.
func (c *Client) GetPlantLocation(ctx context.Context, creds Credentials, id string) (*PlantLocation, error) {
	raw, _, err := c.do(ctx, creds, http.MethodGet, "/plantLocations/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get plant location %s: %w", id, err)
	}
	loc, err := ParsePlantLocation(raw)
	if err != nil {
		return nil, fmt.Errorf("get plant location %s: %w", id, err)
	}
	return loc, nil
}

// imageUpload is the per-coordinate image PUT body.
type imageUpload struct {
	ImageFile string `json:"imageFile"`
}

// UploadCoordinateImage sends one coordinate's photo. Only a 200 answer
// counts as success. The returned string is the uploaded image reference
// from the response, empty when the server sent none.
func (c *Client) UploadCoordinateImage(ctx context.Context, creds Credentials, locationID, coordinateID string, image []byte) (string, error) {
	path := fmt.Sprintf("/plantLocations/%s/coordinates/%s", url.PathEscape(locationID), url.PathEscape(coordinateID))
	raw, code, err := c.do(ctx, creds, http.MethodPut, path, imageUpload{ImageFile: ImageDataURI(image)}, nil)
	if err != nil {
		return "", fmt.Errorf("upload image for coordinate %s: %w", coordinateID, err)
	}
	if code != http.StatusOK {
		return "", fmt.Errorf("upload image for coordinate %s: %w",
			coordinateID, &StatusError{Method: http.MethodPut, Path: path, Code: code})
	}

	var rc RemoteCoordinate
	if json.Unmarshal(raw, &rc) != nil {
		return "", nil
	}
	return rc.Image, nil
}

// ImageDataURI encodes coordinate image bytes for transport.
func ImageDataURI(image []byte) string {
	return dataURI("image/png", image)
}

func dataURI(mime string, b []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(b)
}
