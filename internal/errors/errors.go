// internal/errors/errors.go
package errors

import (
	"fmt"
	"time"
)

// ErrInvalidRepoFormat is returned when a repository identifier in the
// input is not in 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}

// BlockedError is returned by the credential pool when every credential
// is cooling down. Until is the earliest time one becomes usable again.
type BlockedError struct {
	Until time.Time
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("all credentials cooling down until %s", e.Until.Format(time.RFC3339))
}

// RateLimitError reports API throttling with the reset deadline observed
// in the response.
type RateLimitError struct {
	ResetAt   time.Time
	Remaining int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %d remaining, resets at %s", e.Remaining, e.ResetAt.Format(time.RFC3339))
}
