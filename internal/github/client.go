// internal/github/client.go
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github-metadata-harvester/internal/credentials"
	apperrors "github-metadata-harvester/internal/errors"
	"github-metadata-harvester/internal/model"
)

// Rate-limit headers returned by the GitHub API.
const (
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
	headerRetryAfter    = "Retry-After"
)

// repositoryMetadataQuery fetches the core metadata for one repository
// plus the rateLimit block used to keep the credential pool current.
const repositoryMetadataQuery = `
query GetRepositoryMetadata($owner: String!, $name: String!) {
  repository(owner: $owner, name: $name) {
    id
    name
    owner {
      login
    }
    description
    stargazerCount
    forkCount
    primaryLanguage {
      name
    }
    createdAt
    pushedAt
    licenseInfo {
      name
    }
    isArchived
    isDisabled
    isFork
    url
  }
  rateLimit {
    limit
    cost
    remaining
    resetAt
  }
}`

// OutcomeKind classifies the result of one fetch attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRateLimited
	OutcomeAuthFailed
	OutcomeNotFound
	OutcomeTransient
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeAuthFailed:
		return "auth_failed"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeTransient:
		return "transient_error"
	case OutcomeFatal:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one fetch attempt. Payload is set only
// for OutcomeSuccess; RetryAfter only for OutcomeRateLimited; Err for
// the error kinds.
type Outcome struct {
	Kind       OutcomeKind
	Payload    json.RawMessage
	RetryAfter time.Duration
	Err        error
}

func success(payload json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeSuccess, Payload: payload}
}

func rateLimited(retryAfter time.Duration, err error) Outcome {
	return Outcome{Kind: OutcomeRateLimited, RetryAfter: retryAfter, Err: err}
}

func outcomeErr(kind OutcomeKind, err error) Outcome {
	return Outcome{Kind: kind, Err: err}
}

type graphQLRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

type graphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type rateLimitBlock struct {
	Limit     int       `json:"limit"`
	Cost      int       `json:"cost"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type graphQLResponse struct {
	Data struct {
		Repository json.RawMessage `json:"repository"`
		RateLimit  *rateLimitBlock `json:"rateLimit"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// QuotaReporter receives rate-limit metadata observed on responses.
// Satisfied by *credentials.Pool.
type QuotaReporter interface {
	Report(c *credentials.Credential, remaining int, resetAt time.Time)
}

// Client issues single repository-metadata queries against the GitHub
// GraphQL API and classifies every transport and API failure mode.
type Client struct {
	apiURL            string
	pool              QuotaReporter
	logger            *slog.Logger
	fetchTimeout      time.Duration
	defaultRetryAfter time.Duration
}

// NewClient creates a Client. fetchTimeout is the hard wall-clock limit
// per attempt; defaultRetryAfter is used when a throttled response
// carries no usable retry signal.
func NewClient(apiURL string, pool QuotaReporter, logger *slog.Logger, fetchTimeout, defaultRetryAfter time.Duration) *Client {
	return &Client{
		apiURL:            apiURL,
		pool:              pool,
		logger:            logger,
		fetchTimeout:      fetchTimeout,
		defaultRetryAfter: defaultRetryAfter,
	}
}

// Fetch performs one query for the given work item using the given
// credential and classifies the result. It never returns a transport
// error directly; everything is folded into the Outcome.
func (c *Client) Fetch(ctx context.Context, item model.WorkItem, cred *credentials.Credential) Outcome {
	if err := cred.Throttle(ctx); err != nil {
		return outcomeErr(OutcomeTransient, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	body, err := json.Marshal(graphQLRequest{
		Query:     repositoryMetadataQuery,
		Variables: map[string]string{"owner": item.Owner, "name": item.Name},
	})
	if err != nil {
		return outcomeErr(OutcomeFatal, fmt.Errorf("encoding query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return outcomeErr(OutcomeFatal, fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cred.HTTPClient().Do(req)
	if err != nil {
		// Timeouts and connection failures are worth another attempt.
		return outcomeErr(OutcomeTransient, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	remaining, resetAt, haveHeaders := parseRateHeaders(resp.Header)
	if haveHeaders {
		c.pool.Report(cred, remaining, resetAt)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.classifyBody(item, cred, resp.Body)
	case resp.StatusCode == http.StatusNotFound:
		return outcomeErr(OutcomeNotFound, fmt.Errorf("repository %s not found", item))
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && haveHeaders && remaining == 0:
		return rateLimited(c.retryAfter(resp.Header, resetAt), &apperrors.RateLimitError{ResetAt: resetAt, Remaining: remaining})
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return outcomeErr(OutcomeAuthFailed, fmt.Errorf("credential rejected with status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return outcomeErr(OutcomeTransient, fmt.Errorf("server error %d", resp.StatusCode))
	default:
		return outcomeErr(OutcomeFatal, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// classifyBody decodes a 200 response. The GraphQL layer reports its own
// errors inside the envelope, so a 200 can still be anything from
// not-found to throttling.
func (c *Client) classifyBody(item model.WorkItem, cred *credentials.Credential, r io.Reader) Outcome {
	raw, err := io.ReadAll(r)
	if err != nil {
		return outcomeErr(OutcomeTransient, fmt.Errorf("reading response: %w", err))
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		// A body that does not decode will not decode on a retry either.
		return outcomeErr(OutcomeFatal, fmt.Errorf("malformed response body: %w", err))
	}

	if rl := envelope.Data.RateLimit; rl != nil {
		c.pool.Report(cred, rl.Remaining, rl.ResetAt)
		c.logger.Debug("rate limit status",
			"remaining", rl.Remaining,
			"reset_at", rl.ResetAt.Format(time.RFC3339),
			"cost", rl.Cost)
	}

	if len(envelope.Errors) > 0 {
		return c.classifyGraphQLErrors(item, envelope.Errors)
	}

	if len(envelope.Data.Repository) == 0 || string(envelope.Data.Repository) == "null" {
		return outcomeErr(OutcomeNotFound, fmt.Errorf("repository %s absent from response", item))
	}

	return success(envelope.Data.Repository)
}

func (c *Client) classifyGraphQLErrors(item model.WorkItem, errs []graphQLError) Outcome {
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		messages = append(messages, e.Message)
		switch e.Type {
		case "NOT_FOUND":
			return outcomeErr(OutcomeNotFound, fmt.Errorf("repository %s: %s", item, e.Message))
		case "RATE_LIMITED":
			return rateLimited(c.defaultRetryAfter, fmt.Errorf("graphql throttled: %s", e.Message))
		}
	}
	return outcomeErr(OutcomeFatal, fmt.Errorf("graphql errors: %s", strings.Join(messages, "; ")))
}

// retryAfter derives a wait from the Retry-After header, falling back to
// the reset timestamp and finally to the configured default.
func (c *Client) retryAfter(h http.Header, resetAt time.Time) time.Duration {
	if v := h.Get(headerRetryAfter); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if !resetAt.IsZero() {
		if wait := time.Until(resetAt); wait > 0 {
			return wait
		}
	}
	return c.defaultRetryAfter
}

func parseRateHeaders(h http.Header) (remaining int, resetAt time.Time, ok bool) {
	v := h.Get(headerRateRemaining)
	if v == "" {
		return 0, time.Time{}, false
	}
	remaining, err := strconv.Atoi(v)
	if err != nil {
		return 0, time.Time{}, false
	}
	if r := h.Get(headerRateReset); r != "" {
		if unix, err := strconv.ParseInt(r, 10, 64); err == nil {
			resetAt = time.Unix(unix, 0)
		}
	}
	return remaining, resetAt, true
}
