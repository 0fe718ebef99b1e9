package sync

import (
	"errors"
	"fmt"
)

// Run-scoped errors abort a run before any record is touched.
var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrLocationUnavailable = errors.New("device location unavailable")
	ErrSyncInProgress      = errors.New("a sync run is already in progress")
)

// Record-scoped error kinds. They are reported in [RunResult.Failures] and
// never returned from [Orchestrator.Run].
var (
	ErrRemoteCreation   = errors.New("creating plant location failed")
	ErrResumeFetch      = errors.New("fetching plant location failed")
	ErrImageUpload      = errors.New("image upload failed")
	ErrStatusRegression = errors.New("status would move backwards")
	ErrPersist          = errors.New("saving record state failed")
)

// RecordError describes why one record (or one of its coordinates) did not
// make progress. errors.Is matches both Kind and the underlying cause.
type RecordError struct {
	InventoryID  string
	CoordinateID string
	Kind         error
	Err          error
}

func (e *RecordError) Error() string {
	if e.CoordinateID != "" {
		return fmt.Sprintf("inventory %s coordinate %s: %v: %v", e.InventoryID, e.CoordinateID, e.Kind, e.Err)
	}
	return fmt.Sprintf("inventory %s: %v: %v", e.InventoryID, e.Kind, e.Err)
}

func (e *RecordError) Unwrap() []error { return []error{e.Kind, e.Err} }
