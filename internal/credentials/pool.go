// internal/credentials/pool.go
package credentials

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	apperrors "github-metadata-harvester/internal/errors"
)

const (
	// defaultQuota is the authenticated GitHub rate limit assumed for a
	// fresh credential before the first response reports real numbers.
	defaultQuota = 5000

	// defaultRate is the proactive per-credential throttle (~1.2 req/sec,
	// well under 5000/hour).
	defaultRate = 1.2
)

// ErrNoCredentials is returned when every credential has been retired.
var ErrNoCredentials = errors.New("no usable credentials remain")

// Credential is one API token with its own quota budget and cooldown
// state. Quota fields are guarded by the credential's own mutex so that
// distinct credentials can be used concurrently.
type Credential struct {
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu            sync.Mutex
	remaining     int
	resetAt       time.Time
	cooldownUntil time.Time
	dead          bool
}

// HTTPClient returns the oauth2-authenticated client for this credential.
func (c *Credential) HTTPClient() *http.Client {
	return c.httpClient
}

// Token returns the raw token. Used only for log redaction and tests.
func (c *Credential) Token() string {
	return c.token
}

// Throttle blocks until the proactive rate limiter permits a request.
func (c *Credential) Throttle(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// Remaining returns the last reported remaining quota.
func (c *Credential) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// usability reports whether the credential can be handed out at now,
// along with its remaining quota and, when cooling down, the wake time.
func (c *Credential) usability(now time.Time) (usable bool, remaining int, wakeAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return false, 0, time.Time{}
	}
	if !c.cooldownUntil.IsZero() && now.Before(c.cooldownUntil) {
		return false, 0, c.cooldownUntil
	}
	if c.remaining <= 0 {
		if now.Before(c.resetAt) {
			return false, 0, c.resetAt
		}
		// Quota window has rolled over; assume a fresh budget until the
		// next response reports real numbers.
		c.remaining = defaultQuota
		c.cooldownUntil = time.Time{}
	}
	return true, c.remaining, time.Time{}
}

// Pool owns all credentials exclusively. Selection scans are guarded by
// the pool mutex; quota updates lock only the credential involved.
type Pool struct {
	mu    sync.Mutex
	creds []*Credential
	now   func() time.Time
}

// NewPool builds a pool with one oauth2-backed HTTP client and proactive
// limiter per token.
func NewPool(tokens []string, requestsPerSecond float64) (*Pool, error) {
	if len(tokens) == 0 {
		return nil, errors.New("credentials: at least one token is required")
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRate
	}

	creds := make([]*Credential, len(tokens))
	for i, token := range tokens {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		creds[i] = &Credential{
			token:      token,
			httpClient: oauth2.NewClient(context.Background(), ts),
			limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
			remaining:  defaultQuota,
		}
	}
	return &Pool{creds: creds, now: time.Now}, nil
}

// Acquire selects the usable credential with the highest remaining quota.
// A non-nil exclude is avoided unless it is the only usable credential.
// When every live credential is cooling down it returns *BlockedError
// with the earliest wake time; when none are live, ErrNoCredentials.
func (p *Pool) Acquire(exclude *Credential) (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var (
		best         *Credential
		bestQuota    int
		fallback     *Credential
		earliestWake time.Time
		anyLive      bool
	)

	for _, c := range p.creds {
		usable, remaining, wakeAt := c.usability(now)
		if !usable {
			if !wakeAt.IsZero() {
				anyLive = true
				if earliestWake.IsZero() || wakeAt.Before(earliestWake) {
					earliestWake = wakeAt
				}
			}
			continue
		}
		anyLive = true
		if c == exclude {
			fallback = c
			continue
		}
		if best == nil || remaining > bestQuota {
			best, bestQuota = c, remaining
		}
	}

	if best != nil {
		return best, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	if anyLive {
		return nil, &apperrors.BlockedError{Until: earliestWake}
	}
	return nil, ErrNoCredentials
}

// Report records the rate-limit metadata observed on the latest response
// for the given credential. Quota is clamped at zero; an exhausted
// credential cools down until its reset time.
func (p *Pool) Report(c *Credential, remaining int, resetAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remaining < 0 {
		remaining = 0
	}
	c.remaining = remaining
	if !resetAt.IsZero() {
		c.resetAt = resetAt
	}
	if c.remaining == 0 && !c.resetAt.IsZero() {
		c.cooldownUntil = c.resetAt
	} else {
		c.cooldownUntil = time.Time{}
	}
}

// Cooldown puts a credential to sleep until the given time without
// touching its reported quota. Used for secondary throttling signals.
func (p *Pool) Cooldown(c *Credential, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
}

// MarkDead retires a credential for the remainder of the run.
func (p *Pool) MarkDead(c *Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = true
}

// Usable counts credentials that have not been retired.
func (p *Pool) Usable() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, c := range p.creds {
		c.mu.Lock()
		if !c.dead {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// Size returns the total number of credentials in the pool.
func (p *Pool) Size() int {
	return len(p.creds)
}
