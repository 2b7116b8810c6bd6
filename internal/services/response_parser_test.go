package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/AIShowrunner/internal/models"
)

func TestParseJSONObjectStrategies(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		strategy string
		key      string
	}{
		{name: "direct", raw: `  {"total": 10}  `, strategy: StrategyDirect, key: "total"},
		{name: "fenced json", raw: "Here you go:\n```json\n{\"total\": 10}\n```\nThanks", strategy: StrategyFenced, key: "total"},
		{name: "fenced untagged", raw: "```\n{\"logline\": \"x\"}\n```", strategy: StrategyFenced, key: "logline"},
		{name: "brace in prose", raw: `Sure! The plan is {"locations": []} and that's it.`, strategy: StrategyBrace, key: "locations"},
		{name: "braces inside strings", raw: `Result: {"notes": "use } and { freely", "total": 1} done`, strategy: StrategyBrace, key: "notes"},
		{name: "full-width punctuation", raw: "结果：{\"total\"：5，\"currency\"：\"USD\"}", strategy: StrategyBrace, key: "currency"},
		{name: "zero-width prefix", raw: "\ufeff{\"total\": 3}", strategy: StrategyDirect, key: "total"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obj, strategy, ok := ParseJSONObject(tc.raw)
			require.True(t, ok)
			assert.Equal(t, tc.strategy, strategy)
			assert.Contains(t, obj, tc.key)
		})
	}
}

func TestParseJSONObjectRejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"I'm sorry, I can't help with that.",
		`[1, 2, 3]`,
		`{"unterminated": `,
		"```json\nnot json\n```",
	} {
		_, _, ok := ParseJSONObject(raw)
		assert.False(t, ok, raw)
	}
}

func TestParseResponseFallback(t *testing.T) {
	result := ParseResponse("no json here", func() map[string]interface{} {
		return map[string]interface{}{"fallback": true}
	})
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, StrategyFallback, result.Strategy)
	assert.Equal(t, true, result.Object["fallback"])

	result = ParseResponse("still nothing", nil)
	assert.True(t, result.FallbackUsed)
	assert.NotNil(t, result.Object)
}

func TestParseResponseRecoversFromPanickingFallback(t *testing.T) {
	calls := 0
	assert.NotPanics(t, func() {
		result := ParseResponse("nothing", func() map[string]interface{} {
			calls++
			if calls == 1 {
				panic("boom")
			}
			return map[string]interface{}{"second": true}
		})
		assert.True(t, result.FallbackUsed)
	})
}

func TestParseStageResponseRefusalUsesEpisodeFallback(t *testing.T) {
	req := sampleRequest(models.StageScript)
	req.BeatSheet = "1. Maya finds the ledger.\n\n2. Theo lies.\n3. Fire.\n4. Not included."

	payload, result := ParseStageResponse(req, "I'm sorry, I can't write that.")
	require.True(t, result.FallbackUsed)

	script, ok := payload.(*models.EpisodeScriptPayload)
	require.True(t, ok)
	ep := script.Episode
	assert.Equal(t, 2, ep.Number)
	assert.Equal(t, "Night Shift", ep.Title)
	require.Len(t, ep.Scenes, 1)
	assert.Equal(t, "1. Maya finds the ledger.\n2. Theo lies.\n3. Fire.", ep.Scenes[0].Action)
	require.Len(t, ep.BranchingOptions, 3)
	assert.True(t, ep.BranchingOptions[0].IsCanonical)
	assert.Equal(t, 1, ep.CanonicalCount())
}

func TestParseStageResponseFencedBudget(t *testing.T) {
	req := sampleRequest(models.StageBudget)
	raw := "Here is the budget you asked for:\n```json\n{\"lineItems\":[{\"category\":\"Cast\",\"amount\":5000}],\"total\":5000}\n```\nLet me know if you need changes."

	payload, result := ParseStageResponse(req, raw)
	assert.False(t, result.FallbackUsed)
	assert.Equal(t, StrategyFenced, result.Strategy)

	budget, ok := payload.(*models.BudgetPayload)
	require.True(t, ok)
	assert.Equal(t, 5000.0, budget.Total)
	require.Len(t, budget.LineItems, 1)
	assert.Equal(t, "Cast", budget.LineItems[0].Category)
}

func TestParseStageResponseScriptNormalizesCanonical(t *testing.T) {
	req := sampleRequest(models.StageScript)
	payload, result := ParseStageResponse(req, cannedResponse(models.StageScript))
	require.False(t, result.FallbackUsed)

	script := payload.(*models.EpisodeScriptPayload)
	assert.Equal(t, 1, script.Episode.CanonicalCount())
	assert.True(t, script.Episode.BranchingOptions[0].IsCanonical)
}

func TestParseStageResponseUnwrappedEpisode(t *testing.T) {
	req := sampleRequest(models.StageScript)
	payload, result := ParseStageResponse(req, `{"title":"Night Shift","scenes":[{"number":1}]}`)
	require.False(t, result.FallbackUsed)

	script := payload.(*models.EpisodeScriptPayload)
	assert.Equal(t, 2, script.Episode.Number)
	assert.Len(t, script.Episode.Scenes, 1)
}

func TestParseStageResponseEpisodeWithoutScenesFallsBack(t *testing.T) {
	req := sampleRequest(models.StageScript)
	payload, result := ParseStageResponse(req, `{"title":"x","scenes":[]}`)
	assert.True(t, result.FallbackUsed)

	script := payload.(*models.EpisodeScriptPayload)
	assert.Len(t, script.Episode.Scenes, 1)
	assert.Equal(t, 1, script.Episode.CanonicalCount())
}

func TestParseStageResponseWrongShapeFallsBack(t *testing.T) {
	req := sampleRequest(models.StageLocations)
	payload, result := ParseStageResponse(req, `{"locations": "Diner and Harbor"}`)
	assert.True(t, result.FallbackUsed)

	locations := payload.(*models.LocationsPayload)
	require.Len(t, locations.Locations, 2)
	assert.Equal(t, "Diner", locations.Locations[0].Name)
}

func TestParseStageResponseBeatSheetIsText(t *testing.T) {
	req := sampleRequest(models.StageBeatSheet)

	payload, result := ParseStageResponse(req, "  1. Teaser beat\n2. Act one beat  ")
	assert.False(t, result.FallbackUsed)
	assert.Equal(t, StrategyText, result.Strategy)
	assert.Equal(t, models.BeatSheet("1. Teaser beat\n2. Act one beat"), payload.(*models.BeatSheetPayload).BeatSheet)

	payload, result = ParseStageResponse(req, `{"beatSheet":"1. From JSON"}`)
	assert.False(t, result.FallbackUsed)
	assert.Equal(t, models.BeatSheet("1. From JSON"), payload.(*models.BeatSheetPayload).BeatSheet)

	payload, result = ParseStageResponse(req, "   ")
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, models.BeatSheet("1. Maya finds the ledger."), payload.(*models.BeatSheetPayload).BeatSheet)
}

func TestFallbackPayloadCoversEveryStage(t *testing.T) {
	for _, stage := range models.AllStages {
		req := sampleRequest(stage)
		payload := FallbackPayload(req)
		require.NotNil(t, payload, stage)
		assert.Equal(t, stage, payload.Stage())
	}
}

func TestFallbackScheduleUsesLocations(t *testing.T) {
	req := sampleRequest(models.StageSchedule)
	req.Prior = map[models.Stage]models.StagePayload{
		models.StageLocations: &models.LocationsPayload{Locations: []models.Location{{Name: "Diner"}, {Name: "Harbor"}}},
	}
	schedule := FallbackPayload(req).(*models.SchedulePayload)
	assert.Equal(t, 2, schedule.TotalDays)
	assert.Equal(t, "Harbor", schedule.ShootDays[1].Location)
}
