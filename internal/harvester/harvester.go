// internal/harvester/harvester.go
package harvester

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github-metadata-harvester/internal/credentials"
	"github-metadata-harvester/internal/github"
	"github-metadata-harvester/internal/model"
	"github-metadata-harvester/internal/transform"
)

// Executor runs one work item to a terminal outcome. Satisfied by
// *retry.Policy.
type Executor interface {
	Execute(ctx context.Context, item model.WorkItem) github.Outcome
}

// Loader accepts normalized records for batched persistence. Satisfied
// by *loader.BatchLoader.
type Loader interface {
	Add(ctx context.Context, rec model.ProjectRecord) error
	Flush(ctx context.Context) error
}

// TransformFunc flattens one raw payload into a record. Pure; an error
// means the payload was rejected, with the reason in the error.
type TransformFunc func(raw json.RawMessage, extractedAt time.Time) (model.ProjectRecord, error)

// ProgressFunc is called after each item reaches a disposition.
type ProgressFunc func(done, total int)

// itemSlot is the single-writer disposition slot for one work item. A
// worker writes it once; only a late batch failure may flip a Loaded
// slot to Failed afterwards.
type itemSlot struct {
	disposition model.Disposition
	cause       string
}

// Harvester drives the work list through the retry policy, hands
// successful payloads to the transform, and pushes records into the
// loader. A single item's failure never aborts the run.
type Harvester struct {
	exec        Executor
	loader      Loader
	transform   TransformFunc
	logger      *slog.Logger
	concurrency int
	progress    ProgressFunc

	mu    sync.Mutex
	items []model.WorkItem
	slots []itemSlot
	// recIndex maps a record's natural key to the slots of the items
	// that produced it, registered when the record is handed to the
	// loader. Work-item identity cannot be re-derived from a record:
	// the API canonicalizes owner logins and repository names.
	recIndex map[string][]int
	done     int
	aborted  bool
}

// New creates a Harvester. The effective concurrency is capped by the
// number of usable credentials times a small multiplier so that workers
// do not starve the pool.
func New(exec Executor, ldr Loader, tf TransformFunc, logger *slog.Logger, concurrency, usableCredentials int, progress ProgressFunc) *Harvester {
	if limit := usableCredentials * 2; limit > 0 && concurrency > limit {
		concurrency = limit
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if tf == nil {
		tf = transform.Repository
	}
	return &Harvester{
		exec:        exec,
		loader:      ldr,
		transform:   tf,
		logger:      logger,
		concurrency: concurrency,
		progress:    progress,
	}
}

// Run processes all work items with bounded concurrency and returns the
// finalized report. Cancellation stops dispatch, lets in-flight fetches
// finish or time out, flushes the partial batch, and reports what was
// done.
func (h *Harvester) Run(ctx context.Context, items []model.WorkItem) model.RunReport {
	report := model.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Total:     len(items),
	}
	h.logger.Info("starting run", "run_id", report.RunID, "items", len(items), "concurrency", h.concurrency)

	h.mu.Lock()
	h.items = items
	h.slots = make([]itemSlot, len(items))
	h.recIndex = make(map[string][]int, len(items))
	h.done = 0
	h.aborted = false
	h.mu.Unlock()

	// runCtx lets a run-level abort (all credentials dead) stop dispatch
	// without relying on the caller's signal context.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g := new(errgroup.Group)
	g.SetLimit(h.concurrency)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := runCtx.Err(); err != nil {
				h.setSlot(i, model.DispositionFailed, "run cancelled: "+err.Error())
				return nil
			}
			h.processItem(runCtx, cancelRun, i, item)
			return nil
		})
	}

	_ = g.Wait()

	// Flush what remains even when the run was cancelled; records already
	// transformed must not be lost to a partial batch.
	if err := h.loader.Flush(context.WithoutCancel(ctx)); err != nil {
		h.logger.Error("final flush failed", "error", err)
	}

	h.mu.Lock()
	cancelled := ctx.Err() != nil || h.aborted
	h.mu.Unlock()

	return h.finalize(report, cancelled)
}

func (h *Harvester) processItem(ctx context.Context, abort context.CancelFunc, i int, item model.WorkItem) {
	logger := h.logger.With("item", item.String())
	out := h.exec.Execute(ctx, item)

	switch out.Kind {
	case github.OutcomeSuccess:
		rec, err := h.transform(out.Payload, time.Now().UTC())
		if err != nil {
			logger.Warn("payload rejected by transform", "reason", err)
			h.setSlot(i, model.DispositionSkipped, err.Error())
			return
		}
		// A later batch failure may still flip this slot to Failed via
		// NoteBatchFailure; Add errors themselves are attributed there.
		h.mu.Lock()
		h.recIndex[rec.ID] = append(h.recIndex[rec.ID], i)
		h.mu.Unlock()
		h.setSlot(i, model.DispositionLoaded, "")
		if err := h.loader.Add(ctx, rec); err != nil {
			logger.Error("batch write failed", "error", err)
		}

	case github.OutcomeNotFound:
		logger.Info("repository not found, skipping")
		h.setSlot(i, model.DispositionSkipped, "not found")

	default:
		cause := out.Kind.String()
		if out.Err != nil {
			cause = out.Err.Error()
		}
		logger.Error("item failed", "kind", out.Kind.String(), "error", out.Err)
		h.setSlot(i, model.DispositionFailed, cause)
		if errors.Is(out.Err, credentials.ErrNoCredentials) {
			logger.Error("no usable credentials remain, aborting run")
			h.mu.Lock()
			h.aborted = true
			h.mu.Unlock()
			abort()
		}
	}
}

// NoteBatchFailure attributes a dropped batch back to its work items.
// Wired as the loader's failure callback.
func (h *Harvester) NoteBatchFailure(records []model.ProjectRecord, err error) {
	cause := "batch flush failed"
	if err != nil {
		cause = "batch flush failed: " + err.Error()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range records {
		for _, i := range h.recIndex[rec.ID] {
			h.slots[i] = itemSlot{disposition: model.DispositionFailed, cause: cause}
		}
	}
}

func (h *Harvester) setSlot(i int, d model.Disposition, cause string) {
	h.mu.Lock()
	h.slots[i] = itemSlot{disposition: d, cause: cause}
	h.done++
	done, total := h.done, len(h.items)
	h.mu.Unlock()
	if h.progress != nil {
		h.progress(done, total)
	}
}

func (h *Harvester) finalize(report model.RunReport, cancelled bool) model.RunReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, slot := range h.slots {
		switch slot.disposition {
		case model.DispositionLoaded:
			report.Loaded++
		case model.DispositionSkipped:
			report.Skipped++
		default:
			// Pending slots can only remain after cancellation; their
			// workers never started.
			report.Failed++
			cause := slot.cause
			if cause == "" {
				cause = "run cancelled before dispatch"
			}
			report.Failures = append(report.Failures, model.Failure{
				Item:  h.items[i],
				Cause: cause,
			})
		}
	}

	report.Cancelled = cancelled
	report.FinishedAt = time.Now().UTC()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	h.logger.Info("run finished",
		"run_id", report.RunID,
		"loaded", report.Loaded,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"cancelled", report.Cancelled,
		"duration", report.Duration.Round(time.Millisecond).String())
	return report
}
