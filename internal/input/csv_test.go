// internal/input/csv_test.go
package input

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github-metadata-harvester/internal/errors"
	"github-metadata-harvester/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestParseWorkItems(t *testing.T) {
	csv := strings.NewReader(`name,num_downloads,owners_and_repo
requests,5000000,psf/requests
flask,3000000,pallets/flask
weird,100,noslashhere
nested,200,org/repo/with/slashes
`)
	items, err := parseWorkItems(csv, testLogger())
	require.NoError(t, err)

	assert.Equal(t, []model.WorkItem{
		{Owner: "psf", Name: "requests"},
		{Owner: "pallets", Name: "flask"},
		// Split on the first slash only.
		{Owner: "org", Name: "repo/with/slashes"},
	}, items)
}

func TestParseWorkItems_RaggedRows(t *testing.T) {
	// Rows with too few or too many fields are skipped, not fatal.
	csv := strings.NewReader(`name,num_downloads,owners_and_repo
short,100
requests,5000000,psf/requests
long,200,pallets/flask,stray-field
`)
	items, err := parseWorkItems(csv, testLogger())
	require.NoError(t, err)

	assert.Equal(t, []model.WorkItem{
		{Owner: "psf", Name: "requests"},
		{Owner: "pallets", Name: "flask"},
	}, items)
}

func TestParseWorkItems_MissingColumn(t *testing.T) {
	csv := strings.NewReader("name,owners_and_repo\nrequests,psf/requests\n")

	_, err := parseWorkItems(csv, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "num_downloads")
}

func TestParseWorkItems_EmptyBody(t *testing.T) {
	csv := strings.NewReader("name,num_downloads,owners_and_repo\n")

	items, err := parseWorkItems(csv, testLogger())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestParseIdentifier(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		item, err := parseIdentifier(" psf / requests ")
		require.NoError(t, err)
		assert.Equal(t, model.WorkItem{Owner: "psf", Name: "requests"}, item)
	})

	t.Run("invalid formats", func(t *testing.T) {
		for _, s := range []string{"", "noslash", "/repo", "owner/"} {
			_, err := parseIdentifier(s)
			var invalid *apperrors.ErrInvalidRepoFormat
			assert.ErrorAs(t, err, &invalid, "identifier %q", s)
		}
	})
}

func TestLoadWorkItems_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repos.csv")
	require.NoError(t, os.WriteFile(path, []byte("name,num_downloads,owners_and_repo\nrequests,1,psf/requests\n"), 0o644))

	items, err := LoadWorkItems(path, testLogger())
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = LoadWorkItems(filepath.Join(t.TempDir(), "missing.csv"), testLogger())
	assert.Error(t, err)
}
