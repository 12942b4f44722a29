// internal/loader/loader.go
package loader

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"

	"github-metadata-harvester/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// projectColumns is the insert order for the projects upsert. id leads
// because it is the conflict key.
var projectColumns = []string{
	"id",
	"name",
	"owner_login",
	"description",
	"stargazer_count",
	"fork_count",
	"primary_language",
	"created_at",
	"pushed_at",
	"license_name",
	"is_archived",
	"is_disabled",
	"is_fork",
	"url",
	"last_extracted_at",
}

// DB is the slice of pgxpool.Pool the loader needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// BatchFailedFunc receives the records of a batch whose flush exhausted
// its retries, so their work items can be attributed in the run report.
type BatchFailedFunc func(records []model.ProjectRecord, err error)

// BatchLoader accumulates normalized records and flushes them as one
// idempotent upsert statement per batch. All access is serialized
// through a single mutex; a failed batch is dropped and the run
// continues with a fresh one.
type BatchLoader struct {
	db     DB
	logger *slog.Logger

	batchSize    int
	flushRetries int
	flushBackoff time.Duration
	onFailed     BatchFailedFunc

	mu    sync.Mutex
	batch []model.ProjectRecord

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBatchLoader creates a BatchLoader. onFailed may be nil.
func NewBatchLoader(db DB, logger *slog.Logger, batchSize, flushRetries int, flushBackoff time.Duration, onFailed BatchFailedFunc) *BatchLoader {
	return &BatchLoader{
		db:           db,
		logger:       logger,
		batchSize:    batchSize,
		flushRetries: flushRetries,
		flushBackoff: flushBackoff,
		onFailed:     onFailed,
		batch:        make([]model.ProjectRecord, 0, batchSize),
		sleep:        sleepContext,
	}
}

// EnsureSchema applies the embedded migrations. Running against an
// up-to-date database is a no-op.
func EnsureSchema(dbURL string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return fmt.Errorf("initializing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Add appends a record to the current batch and flushes synchronously
// when the batch reaches its size threshold.
func (l *BatchLoader) Add(ctx context.Context, rec model.ProjectRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.batch = append(l.batch, rec)
	if len(l.batch) >= l.batchSize {
		return l.flushLocked(ctx)
	}
	return nil
}

// Flush writes out any partial batch. Call once at end of input.
func (l *BatchLoader) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked(ctx)
}

// Pending returns the number of buffered records.
func (l *BatchLoader) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batch)
}

// flushLocked upserts the whole batch as one statement, retrying
// transient store errors. On exhaustion the batch is handed to the
// failure callback and dropped; the error is reported but does not stop
// the caller from building the next batch. Caller holds l.mu.
func (l *BatchLoader) flushLocked(ctx context.Context) error {
	if len(l.batch) == 0 {
		return nil
	}

	records := l.batch
	l.batch = make([]model.ProjectRecord, 0, l.batchSize)

	// Postgres rejects an upsert that touches the same conflict key
	// twice in one statement, so collapse duplicate ids first. The
	// later record wins; the failure callback still sees the originals.
	query, args := buildUpsert(dedupByID(records))

	var lastErr error
	for attempt := 0; attempt <= l.flushRetries; attempt++ {
		if attempt > 0 {
			backoff := l.flushBackoff << uint(attempt-1)
			l.logger.Warn("retrying batch flush", "attempt", attempt, "backoff", backoff.String(), "error", lastErr)
			if err := l.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}

		_, err := l.db.Exec(ctx, query, args...)
		if err == nil {
			l.logger.Info("batch flushed", "records", len(records))
			return nil
		}
		lastErr = err
		if !isTransientStoreError(err) {
			break
		}
	}

	l.logger.Error("batch flush failed, dropping batch", "records", len(records), "error", lastErr)
	if l.onFailed != nil {
		l.onFailed(records, lastErr)
	}
	return fmt.Errorf("flushing batch of %d records: %w", len(records), lastErr)
}

// dedupByID keeps the last record for each repository node id,
// preserving first-seen order.
func dedupByID(records []model.ProjectRecord) []model.ProjectRecord {
	seen := make(map[string]int, len(records))
	out := records[:0:0]
	for _, rec := range records {
		if i, ok := seen[rec.ID]; ok {
			out[i] = rec
			continue
		}
		seen[rec.ID] = len(out)
		out = append(out, rec)
	}
	return out
}

// buildUpsert renders one multi-row INSERT ... ON CONFLICT statement for
// the batch, keyed by the repository node id. Mutable columns take the
// incoming values; unrelated rows are untouched.
func buildUpsert(records []model.ProjectRecord) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO projects (")
	sb.WriteString(strings.Join(projectColumns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(records)*len(projectColumns))
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range projectColumns {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j+1)
		}
		sb.WriteByte(')')
		args = append(args,
			rec.ID,
			rec.Name,
			rec.OwnerLogin,
			rec.Description,
			rec.StargazerCount,
			rec.ForkCount,
			rec.PrimaryLanguage,
			rec.CreatedAt,
			rec.PushedAt,
			rec.LicenseName,
			rec.IsArchived,
			rec.IsDisabled,
			rec.IsFork,
			rec.URL,
			rec.LastExtractedAt,
		)
	}

	sb.WriteString(" ON CONFLICT (id) DO UPDATE SET ")
	for i, col := range projectColumns[1:] {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(col)
		sb.WriteString(" = EXCLUDED.")
		sb.WriteString(col)
	}

	return sb.String(), args
}

// isTransientStoreError reports whether a failed flush is worth
// retrying. Connection-level failures and resource pressure are; SQL
// errors such as constraint or syntax violations are not.
func isTransientStoreError(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		case strings.HasPrefix(pgErr.Code, "57"): // operator intervention / shutdown
			return true
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return true
		default:
			return false
		}
	}
	// Anything that is not a server-side SQL error is assumed to be a
	// network-level failure.
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
