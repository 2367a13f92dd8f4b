package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/riverbulk/internal/domain"
	"github.com/utafrali/riverbulk/pkg/validator"
)

func TestValidateBatch(t *testing.T) {
	var valErr *validator.ValidationError

	t.Run("empty batch", func(t *testing.T) {
		err := ValidateBatch(nil)
		require.ErrorAs(t, err, &valErr)
		assert.Equal(t, "no requests added", valErr.Message)
	})

	t.Run("control operation", func(t *testing.T) {
		err := ValidateBatch(domain.Batch{domain.NewControlOperation(domain.ControlDropAndRecreateMapping)})
		assert.ErrorIs(t, err, ErrControlOperation)
	})

	t.Run("index without source", func(t *testing.T) {
		err := ValidateBatch(domain.Batch{
			domain.NewDeleteOperation("a", "", ""),
			domain.NewIndexOperation("b", nil, "", ""),
		})
		require.ErrorAs(t, err, &valErr)
		assert.Contains(t, err.Error(), "item 1")
	})

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, ValidateBatch(domain.Batch{
			domain.NewIndexOperation("a", map[string]any{"k": "v"}, "", ""),
			domain.NewDeleteOperation("b", "r", ""),
		}))
	})
}

func TestBulkResult(t *testing.T) {
	ok := &BulkResult{Items: []ItemResult{
		{ID: "a", Action: "index", Status: 201},
		{ID: "b", Action: "delete", Status: 404},
	}}
	assert.False(t, ok.HasFailures())
	assert.Empty(t, ok.FailureMessage())

	failed := &BulkResult{Items: []ItemResult{
		{ID: "a", Action: "index", Status: 201},
		{ID: "b", Action: "index", Status: 400, Error: "mapper_parsing_exception: bad"},
	}}
	assert.True(t, failed.HasFailures())
	require.Len(t, failed.Failures(), 1)
	assert.Equal(t, "[index] id=b status=400: mapper_parsing_exception: bad", failed.FailureMessage())
}

func TestPortableSettings(t *testing.T) {
	got := PortableSettings(map[string]any{
		"number_of_shards": "1",
		"uuid":             "abc",
		"analysis":         map[string]any{"analyzer": map[string]any{}},
		"provided_name":    "idx",
	})
	assert.Equal(t, map[string]any{
		"number_of_shards": "1",
		"analysis":         map[string]any{"analyzer": map[string]any{}},
	}, got)

	assert.Nil(t, PortableSettings(map[string]any{"uuid": "abc"}))
	assert.Nil(t, PortableSettings(nil))
}
