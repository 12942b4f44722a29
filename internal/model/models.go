// internal/model/models.go
package model

import (
	"time"
)

// WorkItem identifies one repository to harvest. Immutable; sourced from
// the static input list.
type WorkItem struct {
	Owner string
	Name  string
}

// String returns the canonical "owner/name" form used in logs and reports.
func (w WorkItem) String() string {
	return w.Owner + "/" + w.Name
}

// ProjectRecord is one flattened row for the projects table, produced by
// the transform step. Immutable once produced.
type ProjectRecord struct {
	ID              string
	Name            string
	OwnerLogin      string
	Description     *string
	StargazerCount  int
	ForkCount       int
	PrimaryLanguage *string
	CreatedAt       *time.Time
	PushedAt        *time.Time
	LicenseName     *string
	IsArchived      bool
	IsDisabled      bool
	IsFork          bool
	URL             string
	LastExtractedAt time.Time
}

// Disposition is the final state of one WorkItem after a run.
type Disposition int

const (
	// DispositionPending is the zero value before a worker has finished
	// the item. It never appears in a finalized report.
	DispositionPending Disposition = iota
	DispositionLoaded
	DispositionSkipped
	DispositionFailed
)

func (d Disposition) String() string {
	switch d {
	case DispositionLoaded:
		return "loaded"
	case DispositionSkipped:
		return "skipped"
	case DispositionFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Failure records why one WorkItem could not be loaded.
type Failure struct {
	Item  WorkItem `json:"item"`
	Cause string   `json:"cause"`
}

// RunReport summarizes one harvest run. Built incrementally by the
// harvester and finalized at run end.
type RunReport struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Total      int           `json:"total"`
	Loaded     int           `json:"loaded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Cancelled  bool          `json:"cancelled"`
	Failures   []Failure     `json:"failures,omitempty"`
	Duration   time.Duration `json:"duration"`
}
