package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/treemapper/treesync/internal/api"
	"github.com/treemapper/treesync/internal/model"
)

// Progress is reported after every uploaded image and after every record.
type Progress struct {
	InventoryID  string
	RecordsDone  int
	RecordsTotal int
	ImagesDone   int
	ImagesTotal  int
}

// Fraction is the share of records finished so far, in [0, 1].
func (p Progress) Fraction() float64 {
	if p.RecordsTotal == 0 {
		return 1
	}
	return float64(p.RecordsDone) / float64(p.RecordsTotal)
}

// ProgressFunc receives progress notifications. It is called synchronously
// from the run and must not block.
type ProgressFunc func(Progress)

// RunResult summarises one run. Record IDs appear in repository order.
type RunResult struct {
	// Total is the number of eligible records read at the start.
	Total int

	// Completed lists records that are complete at the end of the run.
	Completed []string

	// Advanced lists records whose status moved forward during the run.
	Advanced []string

	// Remaining lists records still pending or uploading.
	Remaining []string

	Created        int
	Resumed        int
	ImagesUploaded int

	Failures []*RecordError
}

// Succeeded reports whether every eligible record reached complete.
func (r RunResult) Succeeded() bool { return len(r.Remaining) == 0 }

// ImagesFailed counts the failed coordinate uploads.
func (r RunResult) ImagesFailed() int {
	n := 0
	for _, f := range r.Failures {
		if errors.Is(f.Kind, ErrImageUpload) {
			n++
		}
	}
	return n
}

// Orchestrator drives one sync run over all eligible records. It holds no
// state between runs; [Engine] makes sure only one run executes at a time.
type Orchestrator struct {
	repo       Repository
	api        PlantLocationAPI
	session    SessionProvider
	location   LocationProvider
	images     ImageSource
	reconciler *Reconciler
	log        *slog.Logger

	plantProject string
	progress     ProgressFunc
	now          func() time.Time
}

// Option customises an [Orchestrator].
type Option func(*Orchestrator)

// WithProgress installs a progress sink.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// WithPlantProject sets the plantProject sent with every new location.
func WithPlantProject(id string) Option {
	return func(o *Orchestrator) { o.plantProject = id }
}

// NewOrchestrator wires the pipeline to its collaborators.
func NewOrchestrator(repo Repository, client PlantLocationAPI, sess SessionProvider, loc LocationProvider, images ImageSource, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:       repo,
		api:        client,
		session:    sess,
		location:   loc,
		images:     images,
		reconciler: NewReconciler(repo, logger),
		log:        logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the per-run inputs through the record loop.
type run struct {
	creds  api.Credentials
	pos    model.Position
	done   int
	result *RunResult
}

// Run syncs every pending or uploading record, one at a time. Failures of a
// single record are collected in the result and never returned; only a
// missing token, a missing position, an unreadable store, or cancellation
// end the run with an error.
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	var result RunResult

	creds, err := o.session.Credentials(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	pos, err := o.location.Position(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrLocationUnavailable, err)
	}

	records, err := o.repo.ListByStatus(ctx, model.StatusPending, model.StatusUploading)
	if err != nil {
		return result, fmt.Errorf("listing eligible records: %w", err)
	}
	result.Total = len(records)
	if len(records) == 0 {
		o.log.Info("nothing to sync")
		return result, nil
	}

	r := &run{creds: creds, pos: pos, result: &result}
	for i, inv := range records {
		if err := ctx.Err(); err != nil {
			for _, rest := range records[i:] {
				result.Remaining = append(result.Remaining, rest.ID)
			}
			o.log.Warn("sync run interrupted", "done", i, "total", len(records))
			return result, fmt.Errorf("sync run interrupted: %w", err)
		}
		o.syncRecord(ctx, r, inv)
		r.done++
		o.notify(Progress{InventoryID: inv.ID, RecordsDone: r.done, RecordsTotal: result.Total})
	}

	o.log.Info("sync run complete",
		"total", result.Total,
		"completed", len(result.Completed),
		"advanced", len(result.Advanced),
		"remaining", len(result.Remaining),
		"failures", len(result.Failures),
	)
	return result, nil
}

// syncRecord runs the full cycle for one record: create or resume, upload
// images, finalize status.
func (o *Orchestrator) syncRecord(ctx context.Context, r *run, inv *model.Inventory) {
	start := inv.Status
	defer func() {
		if inv.Status != start {
			r.result.Advanced = append(r.result.Advanced, inv.ID)
		}
		if inv.Status == model.StatusComplete {
			r.result.Completed = append(r.result.Completed, inv.ID)
		} else {
			r.result.Remaining = append(r.result.Remaining, inv.ID)
		}
	}()

	log := o.log.With("inventory_id", inv.ID)

	loc, err := o.remoteLocation(ctx, r, inv)
	if err != nil {
		o.fail(r, log, err)
		return
	}

	allDone := true
	if inv.CaptureMode != model.CaptureOffSite {
		img := o.uploadImages(ctx, r, inv, loc)
		allDone = img.AllUploadsCompleted
		if !allDone {
			log.Info("images outstanding", "completed", img.Completed, "total", img.Total)
		}
	}

	if err := o.reconciler.Finalize(ctx, inv, allDone); err != nil {
		o.fail(r, log, persistError(inv.ID, err))
	}
}

// remoteLocation resumes the stored plant location, or creates it. A stored
// response always means resume: the record is never posted twice.
func (o *Orchestrator) remoteLocation(ctx context.Context, r *run, inv *model.Inventory) (*api.PlantLocation, error) {
	if inv.HasRemote() {
		anchor, err := api.ParsePlantLocation(inv.RemoteResponse)
		if err != nil {
			return nil, &RecordError{InventoryID: inv.ID, Kind: ErrResumeFetch, Err: err}
		}
		loc, err := o.api.GetPlantLocation(ctx, r.creds, anchor.ID)
		if err != nil {
			return nil, &RecordError{InventoryID: inv.ID, Kind: ErrResumeFetch, Err: err}
		}
		r.result.Resumed++
		if err := o.reconciler.Resumed(ctx, inv); err != nil {
			return nil, persistError(inv.ID, err)
		}
		return loc, nil
	}

	req, err := BuildPlantLocationRequest(inv, r.pos, o.plantProject, o.now())
	if err != nil {
		return nil, &RecordError{InventoryID: inv.ID, Kind: model.ErrInvalidInventory, Err: err}
	}
	loc, err := o.api.CreatePlantLocation(ctx, r.creds, req)
	if err != nil {
		return nil, &RecordError{InventoryID: inv.ID, Kind: ErrRemoteCreation, Err: err}
	}
	r.result.Created++
	if err := o.reconciler.Created(ctx, inv, loc); err != nil {
		// The remote location exists but the anchor is lost; the next run
		// will create it again.
		o.log.Error("plant location created but not recorded",
			"inventory_id", inv.ID, "location_id", loc.ID, "error", err)
		return nil, persistError(inv.ID, err)
	}
	return loc, nil
}

func (o *Orchestrator) fail(r *run, log *slog.Logger, err error) {
	var re *RecordError
	if !errors.As(err, &re) {
		re = &RecordError{Kind: ErrPersist, Err: err}
	}
	log.Error("record not synced", "kind", re.Kind, "error", re.Err)
	r.result.Failures = append(r.result.Failures, re)
}

func (o *Orchestrator) notify(p Progress) {
	if o.progress != nil {
		o.progress(p)
	}
}

func persistError(id string, err error) *RecordError {
	kind := ErrPersist
	if errors.Is(err, ErrStatusRegression) {
		kind = ErrStatusRegression
	}
	return &RecordError{InventoryID: id, Kind: kind, Err: err}
}
