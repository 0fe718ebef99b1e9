package sync

import (
	"context"
	"fmt"

	"github.com/treemapper/treesync/internal/api"
	"github.com/treemapper/treesync/internal/model"
)

// ImageResult is the outcome of the image step for one record.
type ImageResult struct {
	// Total is the number of coordinates the server reported.
	Total int

	// Completed counts coordinates already done plus those uploaded now.
	Completed int

	// Uploaded counts the PUTs that succeeded in this run.
	Uploaded int

	AllUploadsCompleted bool
}

// uploadImages sends the photo of every coordinate the server does not have
// yet, in server order. A failed coordinate is logged and skipped; the
// record is retried as a whole on the next run.
func (o *Orchestrator) uploadImages(ctx context.Context, r *run, inv *model.Inventory, loc *api.PlantLocation) ImageResult {
	res := ImageResult{Total: len(loc.Coordinates)}
	local := inv.CoordinateByIndex()

	for _, rc := range loc.Coordinates {
		c, ok := local[rc.CoordinateIndex]
		if rc.Complete() || (ok && c.ImageUploaded) {
			if ok && rc.Complete() {
				o.recordRemoteImage(ctx, inv.ID, c, rc.Image)
			}
			res.Completed++
			continue
		}

		if err := o.uploadImage(ctx, r, inv, loc.ID, rc, c); err != nil {
			re := &RecordError{InventoryID: inv.ID, CoordinateID: rc.ID, Kind: ErrImageUpload, Err: err}
			o.log.Warn("image not uploaded",
				"inventory_id", inv.ID,
				"coordinate_id", rc.ID,
				"coordinate_index", rc.CoordinateIndex,
				"error", err,
			)
			r.result.Failures = append(r.result.Failures, re)
			continue
		}

		res.Completed++
		res.Uploaded++
		r.result.ImagesUploaded++
		o.notify(Progress{
			InventoryID:  inv.ID,
			RecordsDone:  r.done,
			RecordsTotal: r.result.Total,
			ImagesDone:   res.Completed,
			ImagesTotal:  res.Total,
		})
	}

	res.AllUploadsCompleted = res.Completed == res.Total
	return res
}

// uploadImage reads and sends one coordinate photo, then flags the local
// coordinate. c is nil when no local coordinate has the remote index.
func (o *Orchestrator) uploadImage(ctx context.Context, r *run, inv *model.Inventory, locationID string, rc api.RemoteCoordinate, c *model.Coordinate) error {
	if c == nil {
		return fmt.Errorf("no local coordinate at index %d", rc.CoordinateIndex)
	}
	image, err := o.images.ReadImage(ctx, c.ImageURL)
	if err != nil {
		return fmt.Errorf("reading local image: %w", err)
	}
	ref, err := o.api.UploadCoordinateImage(ctx, r.creds, locationID, rc.ID, image)
	if err != nil {
		return err
	}
	if ref == "" {
		ref = rc.Image
	}

	if err := o.repo.MarkImageUploaded(ctx, inv.ID, c.ID, ref); err != nil {
		// The server has the image; the next GET reports it complete.
		o.log.Warn("image uploaded but flag not saved",
			"inventory_id", inv.ID, "coordinate_id", c.ID, "error", err)
	}
	c.ImageUploaded = true
	if ref != "" {
		c.CDNImageURL = ref
	}
	return nil
}

// recordRemoteImage stores the server's image reference for a coordinate the
// server already reports complete, unless it is known locally.
func (o *Orchestrator) recordRemoteImage(ctx context.Context, inventoryID string, c *model.Coordinate, ref string) {
	if ref == "" || (c.ImageUploaded && c.CDNImageURL == ref) {
		return
	}
	if err := o.repo.MarkImageUploaded(ctx, inventoryID, c.ID, ref); err != nil {
		o.log.Warn("remote image reference not saved",
			"inventory_id", inventoryID, "coordinate_id", c.ID, "error", err)
		return
	}
	c.ImageUploaded = true
	c.CDNImageURL = ref
}
