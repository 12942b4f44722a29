// internal/transform/transform.go
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github-metadata-harvester/internal/model"
)

// ErrMissingEssential marks a payload whose essential identity fields
// (id, name, owner login) are absent. Such records are skipped, not
// failed.
var ErrMissingEssential = errors.New("essential repository fields missing")

// rawRepository mirrors the repository object of the GraphQL response.
type rawRepository struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Owner       *struct {
		Login string `json:"login"`
	} `json:"owner"`
	Description     *string `json:"description"`
	StargazerCount  int     `json:"stargazerCount"`
	ForkCount       int     `json:"forkCount"`
	PrimaryLanguage *struct {
		Name string `json:"name"`
	} `json:"primaryLanguage"`
	CreatedAt   string `json:"createdAt"`
	PushedAt    string `json:"pushedAt"`
	LicenseInfo *struct {
		Name string `json:"name"`
	} `json:"licenseInfo"`
	IsArchived bool   `json:"isArchived"`
	IsDisabled bool   `json:"isDisabled"`
	IsFork     bool   `json:"isFork"`
	URL        string `json:"url"`
}

// Repository flattens one raw repository payload into a ProjectRecord,
// stamping it with extractedAt. Pure function: no I/O, no shared state.
func Repository(raw json.RawMessage, extractedAt time.Time) (model.ProjectRecord, error) {
	var repo rawRepository
	if err := json.Unmarshal(raw, &repo); err != nil {
		return model.ProjectRecord{}, fmt.Errorf("decoding repository payload: %w", err)
	}

	ownerLogin := ""
	if repo.Owner != nil {
		ownerLogin = repo.Owner.Login
	}
	if repo.ID == "" || repo.Name == "" || ownerLogin == "" {
		return model.ProjectRecord{}, fmt.Errorf("%w: id=%q name=%q owner=%q", ErrMissingEssential, repo.ID, repo.Name, ownerLogin)
	}

	createdAt, err := parseTimestamp(repo.CreatedAt)
	if err != nil {
		return model.ProjectRecord{}, fmt.Errorf("parsing createdAt: %w", err)
	}
	pushedAt, err := parseTimestamp(repo.PushedAt)
	if err != nil {
		return model.ProjectRecord{}, fmt.Errorf("parsing pushedAt: %w", err)
	}

	rec := model.ProjectRecord{
		ID:              repo.ID,
		Name:            repo.Name,
		OwnerLogin:      ownerLogin,
		Description:     repo.Description,
		StargazerCount:  repo.StargazerCount,
		ForkCount:       repo.ForkCount,
		CreatedAt:       createdAt,
		PushedAt:        pushedAt,
		IsArchived:      repo.IsArchived,
		IsDisabled:      repo.IsDisabled,
		IsFork:          repo.IsFork,
		URL:             repo.URL,
		LastExtractedAt: extractedAt.UTC(),
	}
	if repo.PrimaryLanguage != nil {
		rec.PrimaryLanguage = &repo.PrimaryLanguage.Name
	}
	if repo.LicenseInfo != nil {
		rec.LicenseName = &repo.LicenseInfo.Name
	}
	return rec, nil
}

func parseTimestamp(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
