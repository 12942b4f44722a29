// internal/retry/policy.go
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github-metadata-harvester/internal/credentials"
	apperrors "github-metadata-harvester/internal/errors"
	"github-metadata-harvester/internal/github"
	"github-metadata-harvester/internal/model"
)

// Fetcher performs one fetch attempt. Satisfied by *github.Client.
type Fetcher interface {
	Fetch(ctx context.Context, item model.WorkItem, cred *credentials.Credential) github.Outcome
}

// Policy wraps one logical fetch with bounded retries, exponential
// backoff, and credential rotation. Its decision table:
//
//	Success / NotFound / Fatal  -> return immediately
//	AuthFailed                  -> retire credential, retry at once
//	RateLimited                 -> rotate credential, backoff
//	Transient                   -> backoff
type Policy struct {
	pool    *credentials.Pool
	fetcher Fetcher
	logger  *slog.Logger

	maxAttempts       int
	baseBackoff       time.Duration
	maxCredentialWait time.Duration

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a Policy with the given bounds.
func NewPolicy(pool *credentials.Pool, fetcher Fetcher, logger *slog.Logger, maxAttempts int, baseBackoff, maxCredentialWait time.Duration) *Policy {
	return &Policy{
		pool:              pool,
		fetcher:           fetcher,
		logger:            logger,
		maxAttempts:       maxAttempts,
		baseBackoff:       baseBackoff,
		maxCredentialWait: maxCredentialWait,
		sleep:             sleepContext,
	}
}

// Execute drives fetch attempts for one work item until a terminal
// outcome or until the attempt budget is spent. The returned outcome is
// always terminal from the caller's point of view.
func (p *Policy) Execute(ctx context.Context, item model.WorkItem) github.Outcome {
	logger := p.logger.With("item", item.String())

	var (
		last    github.Outcome
		exclude *credentials.Credential
	)
	last = github.Outcome{Kind: github.OutcomeTransient, Err: errors.New("no attempts made")}

	for attempt := 0; attempt < p.maxAttempts; {
		if err := ctx.Err(); err != nil {
			return github.Outcome{Kind: github.OutcomeTransient, Err: err}
		}

		cred, err := p.pool.Acquire(exclude)
		if err != nil {
			var blocked *apperrors.BlockedError
			if errors.As(err, &blocked) {
				// Waiting out a cooldown does not consume the attempt slot.
				wait := min(time.Until(blocked.Until), p.maxCredentialWait)
				logger.Info("all credentials cooling down", "wait", wait.Round(time.Second).String())
				if err := p.sleep(ctx, wait); err != nil {
					return github.Outcome{Kind: github.OutcomeTransient, Err: err}
				}
				continue
			}
			// No credential is recoverable; nothing more this run can do.
			return github.Outcome{Kind: github.OutcomeFatal, Err: err}
		}

		out := p.fetcher.Fetch(ctx, item, cred)
		switch out.Kind {
		case github.OutcomeSuccess, github.OutcomeNotFound, github.OutcomeFatal:
			return out

		case github.OutcomeAuthFailed:
			// A bad credential says nothing about the item; retry at once
			// with another one and no backoff.
			logger.Warn("credential rejected, retiring it", "error", out.Err)
			p.pool.MarkDead(cred)
			last = out

		case github.OutcomeRateLimited:
			p.pool.Cooldown(cred, time.Now().Add(out.RetryAfter))
			if attempt+1 == p.maxAttempts {
				// No retry follows the last attempt; sleeping would only
				// delay the verdict.
				last = out
				attempt++
				break
			}
			backoff := max(out.RetryAfter, p.backoffFor(attempt))
			logger.Info("throttled, rotating credential", "attempt", attempt+1, "backoff", backoff.Round(time.Millisecond).String())
			if err := p.sleep(ctx, backoff); err != nil {
				return github.Outcome{Kind: github.OutcomeTransient, Err: err}
			}
			exclude = cred
			last = out
			attempt++

		case github.OutcomeTransient:
			if attempt+1 == p.maxAttempts {
				last = out
				attempt++
				break
			}
			backoff := p.backoffFor(attempt)
			logger.Warn("transient failure, backing off", "attempt", attempt+1, "backoff", backoff.Round(time.Millisecond).String(), "error", out.Err)
			if err := p.sleep(ctx, backoff); err != nil {
				return github.Outcome{Kind: github.OutcomeTransient, Err: err}
			}
			last = out
			attempt++

		default:
			return github.Outcome{Kind: github.OutcomeFatal, Err: fmt.Errorf("unhandled outcome kind %v", out.Kind)}
		}
	}

	logger.Error("attempt budget exhausted", "attempts", p.maxAttempts, "last_error", last.Err)
	return last
}

// backoffFor returns base·2^attempt plus up to 50% jitter.
func (p *Policy) backoffFor(attempt int) time.Duration {
	backoff := p.baseBackoff << uint(attempt)
	return backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
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
