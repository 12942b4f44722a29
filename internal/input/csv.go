// internal/input/csv.go
package input

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	apperrors "github-metadata-harvester/internal/errors"
	"github-metadata-harvester/internal/model"
)

// Expected header columns of the work list. The display name and the
// owner/repo identifier are required; the download count is carried by
// the file but unused here.
var requiredColumns = []string{"name", "num_downloads", "owners_and_repo"}

// LoadWorkItems reads the work list CSV. Rows with a malformed
// owner/repo identifier are skipped with a warning rather than failing
// the whole file.
func LoadWorkItems(path string, logger *slog.Logger) ([]model.WorkItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening work list: %w", err)
	}
	defer f.Close()

	items, err := parseWorkItems(f, logger)
	if err != nil {
		return nil, fmt.Errorf("reading work list %s: %w", path, err)
	}
	logger.Info("work list loaded", "path", path, "items", len(items))
	return items, nil
}

func parseWorkItems(r io.Reader, logger *slog.Logger) ([]model.WorkItem, error) {
	reader := csv.NewReader(r)
	// Hand-maintained work lists carry the occasional short or long row;
	// skip those instead of failing the whole file on a count mismatch.
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.TrimSpace(col)] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}
	repoCol := idx["owners_and_repo"]

	var items []model.WorkItem
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if repoCol >= len(row) {
			continue
		}

		item, err := parseIdentifier(row[repoCol])
		if err != nil {
			logger.Warn("skipping row with invalid identifier", "value", row[repoCol])
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// parseIdentifier splits an "owner/repo" identifier on the first slash.
func parseIdentifier(s string) (model.WorkItem, error) {
	owner, name, found := strings.Cut(s, "/")
	owner, name = strings.TrimSpace(owner), strings.TrimSpace(name)
	if !found || owner == "" || name == "" {
		return model.WorkItem{}, &apperrors.ErrInvalidRepoFormat{Repo: s}
	}
	return model.WorkItem{Owner: owner, Name: name}, nil
}
