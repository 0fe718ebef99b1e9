package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/treemapper/treesync/internal/api"
	"github.com/treemapper/treesync/internal/model"
)

// Reconciler writes status transitions back to the record store. Every write
// is a single transaction and no write moves a record backwards:
//
//	pending   --created, on-site-->   uploading
//	pending   --created, off-site-->  complete
//	uploading --all images done-->    complete
//
// The in-memory record is updated only after the write succeeded.
type Reconciler struct {
	repo Repository
	log  *slog.Logger
}

// NewReconciler creates a Reconciler backed by repo.
func NewReconciler(repo Repository, logger *slog.Logger) *Reconciler {
	return &Reconciler{repo: repo, log: logger}
}

// Created records a freshly created remote plant location. The response is
// stored together with the new status so that a crash before the image
// uploads resumes instead of creating the location again.
func (r *Reconciler) Created(ctx context.Context, inv *model.Inventory, loc *api.PlantLocation) error {
	next := afterCreation(inv)
	if err := r.guard(inv, next); err != nil {
		return err
	}
	if err := r.repo.UpdateStatusAndResponse(ctx, inv.ID, next, loc.Raw); err != nil {
		return fmt.Errorf("storing plant location %s for %s: %w", loc.ID, inv.ID, err)
	}
	r.log.Info("plant location created",
		"inventory_id", inv.ID,
		"location_id", loc.ID,
		"from", inv.Status,
		"to", next,
	)
	inv.Status = next
	inv.RemoteResponse = loc.Raw
	return nil
}

// Resumed handles a record whose remote location already exists. Records
// already past pending keep their status.
func (r *Reconciler) Resumed(ctx context.Context, inv *model.Inventory) error {
	if inv.Status != model.StatusPending {
		return nil
	}
	return r.move(ctx, inv, afterCreation(inv))
}

// Finalize marks the record complete once every image is confirmed.
// Otherwise the record stays where it is for the next run.
func (r *Reconciler) Finalize(ctx context.Context, inv *model.Inventory, allUploadsCompleted bool) error {
	if inv.Status == model.StatusComplete || !allUploadsCompleted {
		return nil
	}
	return r.move(ctx, inv, model.StatusComplete)
}

func (r *Reconciler) move(ctx context.Context, inv *model.Inventory, next model.Status) error {
	if err := r.guard(inv, next); err != nil {
		return err
	}
	if err := r.repo.UpdateStatus(ctx, inv.ID, next); err != nil {
		return fmt.Errorf("updating status of %s to %s: %w", inv.ID, next, err)
	}
	r.log.Info("inventory status changed", "inventory_id", inv.ID, "from", inv.Status, "to", next)
	inv.Status = next
	return nil
}

func (r *Reconciler) guard(inv *model.Inventory, next model.Status) error {
	if !inv.Status.CanAdvanceTo(next) {
		return fmt.Errorf("%w: %s from %s to %s", ErrStatusRegression, inv.ID, inv.Status, next)
	}
	return nil
}

// afterCreation is the status a record takes once its remote location exists.
func afterCreation(inv *model.Inventory) model.Status {
	if inv.CaptureMode == model.CaptureOffSite {
		return model.StatusComplete
	}
	return model.StatusUploading
}
