package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/AIShowrunner/internal/errors"
	"github.com/Corphon/AIShowrunner/internal/models"
	"github.com/Corphon/AIShowrunner/internal/storage"
)

func TestSectionServiceSkipsFailedResults(t *testing.T) {
	sections, _ := newTestSections(t)
	ctx := context.Background()

	_, saved, err := sections.SaveResult(ctx, "u1", "b1", "arc-0", &models.GenerationResult{Stage: models.StageBudget, State: models.StateFailed})
	require.NoError(t, err)
	assert.False(t, saved)

	key, saved, err := sections.SaveResult(ctx, "u1", "b1", "arc-0", &models.GenerationResult{
		Stage:   models.StageBudget,
		State:   models.StateSucceeded,
		Success: true,
		Payload: &models.BudgetPayload{Total: 10},
	})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, "u1/b1/arc-0/budget", key.Path())

	raw, err := sections.Get(ctx, key)
	require.NoError(t, err)
	var budget models.BudgetPayload
	require.NoError(t, json.Unmarshal(raw, &budget))
	assert.Equal(t, 10.0, budget.Total)
}

func TestSectionServiceGetMissing(t *testing.T) {
	sections, _ := newTestSections(t)
	_, err := sections.Get(context.Background(), models.SectionKey{UserID: "u1", StoryBibleID: "b1", Scope: "arc-0", Section: "budget"})
	assert.True(t, apperrors.IsNotFoundError(err))

	_, err = sections.Get(context.Background(), models.SectionKey{UserID: "u1", StoryBibleID: "..", Scope: "arc-0", Section: "budget"})
	assert.True(t, apperrors.IsValidationError(err))
}

func TestSectionServiceLoadPayloadMissingIsNil(t *testing.T) {
	sections, _ := newTestSections(t)
	payload, err := sections.LoadPayload(context.Background(), "u1", "b1", "arc-0", models.StageLocations)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestSectionServiceList(t *testing.T) {
	sections, _ := newTestSections(t)
	ctx := context.Background()

	_, err := sections.List(ctx, storage.SectionPrefix{UserID: "u1"})
	assert.True(t, apperrors.IsValidationError(err))

	keys, err := sections.List(ctx, storage.SectionPrefix{UserID: "u1", StoryBibleID: "b1"})
	require.NoError(t, err)
	assert.NotNil(t, keys)
	assert.Empty(t, keys)
}
