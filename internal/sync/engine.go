package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	otelScope            = "treesync/sync"
	spanRun              = "sync.run"
	metricRecordsCreated = "treesync.sync.records.created"
	metricRecordsResumed = "treesync.sync.records.resumed"
	metricRecordsDone    = "treesync.sync.records.completed"
	metricRecordsFailed  = "treesync.sync.records.failed"
	metricImagesUploaded = "treesync.sync.images.uploaded"
	metricImagesFailed   = "treesync.sync.images.failed"

	// DefaultLeaseTTL bounds how long a crashed process can block others.
	DefaultLeaseTTL = time.Hour
)

// Engine runs the orchestrator under the single-run gate, either once or on
// a fixed interval. Create one with [NewEngine].
type Engine struct {
	orch         *Orchestrator
	lease        RunLease
	gate         *semaphore.Weighted
	holder       string
	leaseTTL     time.Duration
	pollInterval time.Duration
	log          *slog.Logger

	// OTel instruments: always non-nil (no-op when telemetry is disabled).
	tracer         trace.Tracer
	cntCreated     metric.Int64Counter
	cntResumed     metric.Int64Counter
	cntCompleted   metric.Int64Counter
	cntFailed      metric.Int64Counter
	cntImagesOK    metric.Int64Counter
	cntImagesError metric.Int64Counter
}

// NewEngine creates an Engine. If lease is nil, only runs inside this
// process are serialised.
func NewEngine(orch *Orchestrator, lease RunLease, pollInterval time.Duration, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		orch:         orch,
		lease:        lease,
		gate:         semaphore.NewWeighted(1),
		holder:       uuid.NewString(),
		leaseTTL:     DefaultLeaseTTL,
		pollInterval: pollInterval,
		log:          logger,

		tracer:         tracer,
		cntCreated:     mustCounter(metricRecordsCreated, "Number of plant locations created"),
		cntResumed:     mustCounter(metricRecordsResumed, "Number of interrupted uploads resumed"),
		cntCompleted:   mustCounter(metricRecordsDone, "Number of records that reached complete"),
		cntFailed:      mustCounter(metricRecordsFailed, "Number of record-level failures"),
		cntImagesOK:    mustCounter(metricImagesUploaded, "Number of coordinate images uploaded"),
		cntImagesError: mustCounter(metricImagesFailed, "Number of coordinate image uploads that failed"),
	}
}

// RunOnce performs a single sync run and returns. It fails with
// [ErrSyncInProgress] if another run holds the gate.
func (e *Engine) RunOnce(ctx context.Context) (RunResult, error) {
	if !e.gate.TryAcquire(1) {
		return RunResult{}, ErrSyncInProgress
	}
	defer e.gate.Release(1)

	if e.lease != nil {
		ok, err := e.lease.AcquireRunLease(ctx, e.holder, e.leaseTTL)
		if err != nil {
			return RunResult{}, fmt.Errorf("acquiring run lease: %w", err)
		}
		if !ok {
			return RunResult{}, ErrSyncInProgress
		}
		defer func() {
			if err := e.lease.ReleaseRunLease(context.WithoutCancel(ctx), e.holder); err != nil {
				e.log.Error("releasing run lease", "error", err)
			}
		}()
	}

	return e.run(ctx)
}

// run executes the orchestrator, recording a trace span and metrics.
func (e *Engine) run(ctx context.Context) (RunResult, error) {
	ctx, span := e.tracer.Start(ctx, spanRun)
	defer span.End()

	res, err := e.orch.Run(ctx)

	recordFailures := 0
	for _, f := range res.Failures {
		if f.CoordinateID == "" {
			recordFailures++
		}
	}
	imagesFailed := res.ImagesFailed()

	add := func(c metric.Int64Counter, n int) {
		if n > 0 {
			c.Add(ctx, int64(n))
		}
	}
	add(e.cntCreated, res.Created)
	add(e.cntResumed, res.Resumed)
	add(e.cntCompleted, len(res.Completed))
	add(e.cntFailed, recordFailures)
	add(e.cntImagesOK, res.ImagesUploaded)
	add(e.cntImagesError, imagesFailed)

	span.SetAttributes(
		attribute.Int("sync.total", res.Total),
		attribute.Int("sync.created", res.Created),
		attribute.Int("sync.resumed", res.Resumed),
		attribute.Int("sync.completed", len(res.Completed)),
		attribute.Int("sync.remaining", len(res.Remaining)),
		attribute.Int("sync.images_uploaded", res.ImagesUploaded),
		attribute.Int("sync.images_failed", imagesFailed),
	)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

// Run re-invokes the sync every poll interval until ctx is cancelled. Failed
// runs, including aborted ones, are retried on the next tick.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	// Run an immediate first pass.
	e.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	res, err := e.RunOnce(ctx)
	switch {
	case err == nil:
		if !res.Succeeded() {
			e.log.Info("records left for the next run", "remaining", len(res.Remaining))
		}
	case errors.Is(err, ErrSyncInProgress):
		e.log.Info("another sync run is active, skipping")
	case ctx.Err() != nil:
	default:
		e.log.Error("sync run failed", "error", err)
	}
}
