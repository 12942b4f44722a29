// internal/harvester/harvester_test.go
package harvester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-metadata-harvester/internal/credentials"
	"github-metadata-harvester/internal/github"
	"github-metadata-harvester/internal/model"
)

// mapExecutor returns a fixed outcome per item.
type mapExecutor struct {
	mu       sync.Mutex
	outcomes map[string]github.Outcome
	calls    []string
}

func (e *mapExecutor) Execute(_ context.Context, item model.WorkItem) github.Outcome {
	e.mu.Lock()
	e.calls = append(e.calls, item.String())
	e.mu.Unlock()
	out, ok := e.outcomes[item.String()]
	if !ok {
		return github.Outcome{Kind: github.OutcomeFatal, Err: errors.New("unexpected item")}
	}
	return out
}

// memLoader collects records in memory.
type memLoader struct {
	mu      sync.Mutex
	records []model.ProjectRecord
	flushes int
	onFlush func([]model.ProjectRecord)
}

func (l *memLoader) Add(_ context.Context, rec model.ProjectRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *memLoader) Flush(context.Context) error {
	l.mu.Lock()
	records := l.records
	l.flushes++
	onFlush := l.onFlush
	l.mu.Unlock()
	if onFlush != nil {
		onFlush(records)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func successOutcome(item model.WorkItem) github.Outcome {
	payload := fmt.Sprintf(`{"id": "R_%s", "name": %q, "owner": {"login": %q}, "url": "u"}`,
		item.Name, item.Name, item.Owner)
	return github.Outcome{Kind: github.OutcomeSuccess, Payload: json.RawMessage(payload)}
}

func TestHarvester_DispositionsPartitionTheInput(t *testing.T) {
	items := []model.WorkItem{
		{Owner: "o", Name: "good"},
		{Owner: "o", Name: "gone"},
		{Owner: "o", Name: "broken"},
		{Owner: "o", Name: "rejected"},
	}
	exec := &mapExecutor{outcomes: map[string]github.Outcome{
		"o/good":   successOutcome(items[0]),
		"o/gone":   {Kind: github.OutcomeNotFound, Err: errors.New("not found")},
		"o/broken": {Kind: github.OutcomeTransient, Err: errors.New("persistent 503")},
		// Payload without essential fields is rejected by the transform.
		"o/rejected": {Kind: github.OutcomeSuccess, Payload: json.RawMessage(`{"name": "x"}`)},
	}}
	ldr := &memLoader{}
	h := New(exec, ldr, nil, testLogger(), 4, 2, nil)

	report := h.Run(context.Background(), items)

	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 1, report.Loaded)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, report.Total, report.Loaded+report.Skipped+report.Failed,
		"the three dispositions partition the input")
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "o/broken", report.Failures[0].Item.String())
	assert.False(t, report.Cancelled)

	require.Len(t, ldr.records, 1)
	assert.Equal(t, "R_good", ldr.records[0].ID)
	assert.Equal(t, 1, ldr.flushes, "partial batch flushed at end of input")
}

func TestHarvester_NotFoundIsSkippedWithoutWrites(t *testing.T) {
	items := []model.WorkItem{{Owner: "o", Name: "gone"}}
	exec := &mapExecutor{outcomes: map[string]github.Outcome{
		"o/gone": {Kind: github.OutcomeNotFound, Err: errors.New("not found")},
	}}
	ldr := &memLoader{}
	h := New(exec, ldr, nil, testLogger(), 1, 1, nil)

	report := h.Run(context.Background(), items)

	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)
	assert.Empty(t, ldr.records, "zero rows written for an absent repository")
}

func TestHarvester_BatchFailureAttribution(t *testing.T) {
	items := []model.WorkItem{
		{Owner: "o", Name: "one"},
		{Owner: "o", Name: "two"},
	}
	exec := &mapExecutor{outcomes: map[string]github.Outcome{
		"o/one": successOutcome(items[0]),
		"o/two": successOutcome(items[1]),
	}}

	ldr := &memLoader{}
	h := New(exec, ldr, nil, testLogger(), 2, 2, nil)
	// Simulate the store rejecting the final batch: the loader's failure
	// callback hands the records back for attribution.
	ldr.onFlush = func(records []model.ProjectRecord) {
		h.NoteBatchFailure(records, errors.New("connection refused"))
	}

	report := h.Run(context.Background(), items)

	assert.Zero(t, report.Loaded)
	assert.Equal(t, 2, report.Failed, "every record of the dropped batch is attributed back")
	require.Len(t, report.Failures, 2)
	for _, f := range report.Failures {
		assert.Contains(t, f.Cause, "batch flush failed")
	}
}

func TestHarvester_BatchFailureAttributionSurvivesLoginCanonicalization(t *testing.T) {
	// The API lowercases the owner login in its responses, so the record
	// cannot be matched back to the work item by owner/name strings.
	items := []model.WorkItem{{Owner: "Test-Owner", Name: "repo"}}
	exec := &mapExecutor{outcomes: map[string]github.Outcome{
		"Test-Owner/repo": {
			Kind:    github.OutcomeSuccess,
			Payload: json.RawMessage(`{"id": "R_repo", "name": "repo", "owner": {"login": "test-owner"}, "url": "u"}`),
		},
	}}

	ldr := &memLoader{}
	h := New(exec, ldr, nil, testLogger(), 1, 1, nil)
	ldr.onFlush = func(records []model.ProjectRecord) {
		h.NoteBatchFailure(records, errors.New("connection refused"))
	}

	report := h.Run(context.Background(), items)

	assert.Zero(t, report.Loaded)
	assert.Equal(t, 1, report.Failed, "a dropped batch fails its item even when the login was canonicalized")
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "Test-Owner/repo", report.Failures[0].Item.String())
}

func TestHarvester_BatchFailureAttributionCoversDuplicateItems(t *testing.T) {
	// The same repository listed twice yields two records with one ID;
	// a dropped batch must fail both occurrences.
	items := []model.WorkItem{
		{Owner: "o", Name: "dup"},
		{Owner: "o", Name: "dup"},
	}
	exec := &mapExecutor{outcomes: map[string]github.Outcome{
		"o/dup": successOutcome(items[0]),
	}}

	ldr := &memLoader{}
	h := New(exec, ldr, nil, testLogger(), 2, 2, nil)
	ldr.onFlush = func(records []model.ProjectRecord) {
		h.NoteBatchFailure(records, errors.New("connection refused"))
	}

	report := h.Run(context.Background(), items)

	assert.Zero(t, report.Loaded)
	assert.Equal(t, 2, report.Failed)
}

func TestHarvester_CancellationReturnsPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	items := make([]model.WorkItem, 6)
	outcomes := make(map[string]github.Outcome, len(items))
	for i := range items {
		items[i] = model.WorkItem{Owner: "o", Name: fmt.Sprintf("r%d", i)}
		outcomes[items[i].String()] = successOutcome(items[i])
	}

	// Cancel after the first item completes.
	exec := &cancellingExecutor{inner: &mapExecutor{outcomes: outcomes}, cancel: cancel}
	ldr := &memLoader{}
	h := New(exec, ldr, nil, testLogger(), 1, 1, nil)

	report := h.Run(ctx, items)

	assert.True(t, report.Cancelled)
	assert.Equal(t, len(items), report.Loaded+report.Skipped+report.Failed,
		"cancelled runs still account for every item")
	assert.GreaterOrEqual(t, report.Loaded, 1)
	assert.GreaterOrEqual(t, report.Failed, 1, "undispatched items are reported as failed")
	assert.Equal(t, 1, ldr.flushes, "the partial batch is flushed on cancellation")
}

type cancellingExecutor struct {
	inner  *mapExecutor
	cancel context.CancelFunc
	once   sync.Once
}

func (e *cancellingExecutor) Execute(ctx context.Context, item model.WorkItem) github.Outcome {
	out := e.inner.Execute(ctx, item)
	e.once.Do(e.cancel)
	return out
}

func TestHarvester_AbortsWhenNoCredentialsRemain(t *testing.T) {
	items := []model.WorkItem{
		{Owner: "o", Name: "first"},
		{Owner: "o", Name: "second"},
		{Owner: "o", Name: "third"},
	}
	exec := &mapExecutor{outcomes: map[string]github.Outcome{
		"o/first":  {Kind: github.OutcomeFatal, Err: fmt.Errorf("acquiring credential: %w", credentials.ErrNoCredentials)},
		"o/second": successOutcome(items[1]),
		"o/third":  successOutcome(items[2]),
	}}
	ldr := &memLoader{}
	h := New(exec, ldr, nil, testLogger(), 1, 1, nil)

	report := h.Run(context.Background(), items)

	assert.True(t, report.Cancelled)
	assert.Equal(t, 3, report.Failed, "nothing can load once every credential is gone")
	assert.Equal(t, len(items), report.Loaded+report.Skipped+report.Failed)
}

func TestHarvester_ProgressCallback(t *testing.T) {
	items := []model.WorkItem{{Owner: "o", Name: "a"}, {Owner: "o", Name: "b"}}
	exec := &mapExecutor{outcomes: map[string]github.Outcome{
		"o/a": successOutcome(items[0]),
		"o/b": successOutcome(items[1]),
	}}

	var mu sync.Mutex
	var seen []int
	progress := func(done, total int) {
		mu.Lock()
		seen = append(seen, done)
		mu.Unlock()
		assert.Equal(t, 2, total)
	}
	h := New(exec, &memLoader{}, nil, testLogger(), 2, 2, progress)

	h.Run(context.Background(), items)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 2)
	assert.Contains(t, seen, 2, "the last callback reports full completion")
}

func TestHarvester_ConcurrencyCappedByCredentials(t *testing.T) {
	h := New(&mapExecutor{}, &memLoader{}, nil, testLogger(), 50, 2, nil)
	assert.Equal(t, 4, h.concurrency, "concurrency bounded by credentials times a small multiplier")

	h = New(&mapExecutor{}, &memLoader{}, nil, testLogger(), 0, 2, nil)
	assert.Equal(t, 1, h.concurrency)
}

func TestHarvester_TransformTimestampIsRecent(t *testing.T) {
	items := []model.WorkItem{{Owner: "o", Name: "a"}}
	exec := &mapExecutor{outcomes: map[string]github.Outcome{"o/a": successOutcome(items[0])}}
	ldr := &memLoader{}
	h := New(exec, ldr, nil, testLogger(), 1, 1, nil)

	before := time.Now().UTC()
	h.Run(context.Background(), items)

	require.Len(t, ldr.records, 1)
	assert.False(t, ldr.records[0].LastExtractedAt.Before(before))
}
