// Package sync uploads locally recorded inventories to the plant-location
// API and keeps their local status in step with what the server confirmed.
//
// The package contains three cooperating parts:
//
//   - [Orchestrator] walks every pending or uploading record in sequence,
//     creating or resuming its remote plant location.
//   - The image sub-pipeline uploads each coordinate photo the server does
//     not have yet.
//   - [Reconciler] persists status transitions and refuses regressions.
//
// [Engine] wraps the orchestrator with the single-run gate, telemetry, and
// the periodic daemon loop.
package sync

import (
	"context"
	"time"

	"github.com/treemapper/treesync/internal/api"
	"github.com/treemapper/treesync/internal/model"
)

// Repository is the subset of the record store the pipeline reads and writes.
// Implemented by [state.Store].
type Repository interface {
	ListByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Inventory, error)
	UpdateStatus(ctx context.Context, id string, status model.Status) error
	UpdateStatusAndResponse(ctx context.Context, id string, status model.Status, response []byte) error
	MarkImageUploaded(ctx context.Context, inventoryID, coordinateID, cdnImageURL string) error
}

// PlantLocationAPI is the remote side of the pipeline.
// Implemented by [api.Client].
type PlantLocationAPI interface {
	CreatePlantLocation(ctx context.Context, creds api.Credentials, req *api.PlantLocationRequest) (*api.PlantLocation, error)
	GetPlantLocation(ctx context.Context, creds api.Credentials, id string) (*api.PlantLocation, error)
	UploadCoordinateImage(ctx context.Context, creds api.Credentials, locationID, coordinateID string, image []byte) (string, error)
}

// SessionProvider supplies the token and session id for one run.
// Implemented by [session.Provider].
type SessionProvider interface {
	Credentials(ctx context.Context) (api.Credentials, error)
}

// LocationProvider yields the device position, read once per run.
// Implemented by [geo.Fixed] and [geo.LastFix].
type LocationProvider interface {
	Position(ctx context.Context) (model.Position, error)
}

// ImageSource reads the bytes of a local coordinate photo.
// Implemented by [photo.FileSource].
type ImageSource interface {
	ReadImage(ctx context.Context, ref string) ([]byte, error)
}

// RunLease is a cross-process lock held for the duration of a run.
// Implemented by [state.Store].
type RunLease interface {
	AcquireRunLease(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	ReleaseRunLease(ctx context.Context, holder string) error
}
