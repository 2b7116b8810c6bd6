package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/AIShowrunner/internal/models"
)

func TestBuildPromptIsDeterministic(t *testing.T) {
	for _, stage := range models.AllStages {
		req := sampleRequest(stage)
		req.Prior = map[models.Stage]models.StagePayload{
			models.StageLocations: &models.LocationsPayload{Locations: []models.Location{{Name: "Diner"}}},
			models.StageSchedule:  &models.SchedulePayload{TotalDays: 1},
			models.StageCasting:   &models.CastingPayload{Roles: []models.CastingRole{{Character: "Maya"}}},
		}
		first := BuildPrompt(req)
		second := BuildPrompt(req.Clone())
		assert.Equal(t, first, second, stage)
		assert.NotEmpty(t, first.Prompt, stage)
		assert.NotEmpty(t, first.System, stage)
	}
}

func TestBuildPromptPlaceholdersForEmptyBible(t *testing.T) {
	req := &models.GenerationRequest{Stage: models.StageCasting, StoryBible: &models.StoryBible{}}
	prompt := BuildPrompt(req)

	require.NoError(t, containsAll(prompt.Prompt,
		"Title: "+placeholderTitle,
		"Genre: "+placeholderGenre,
		"Premise: "+placeholderPremise,
		"No characters have been defined yet.",
	))
}

func TestBuildPromptNilRequest(t *testing.T) {
	assert.NotPanics(t, func() {
		prompt := BuildPrompt(nil)
		assert.Contains(t, prompt.Prompt, placeholderTitle)
	})
}

func TestBuildPromptStructuredStagesAskForJSON(t *testing.T) {
	for _, stage := range models.AllStages {
		prompt := BuildPrompt(sampleRequest(stage))
		if stage == models.StageBeatSheet {
			assert.NotContains(t, prompt.System, jsonOnlyInstruction)
			continue
		}
		assert.True(t, strings.HasSuffix(prompt.System, jsonOnlyInstruction), stage)
		assert.Contains(t, prompt.Prompt, "## Output schema", stage)
	}
}

func TestBuildPromptIncludesEveryPreviousEpisode(t *testing.T) {
	req := sampleRequest(models.StageBeatSheet)
	req.EpisodeNumber = 3
	prompt := BuildPrompt(req)

	require.NoError(t, containsAll(prompt.Prompt,
		"Episode 1: Closing Time",
		"Episode 2: Night Shift",
		"Episode 3: Low Tide",
	))
	assert.Less(t, strings.Index(prompt.Prompt, "Episode 1: Closing Time"), strings.Index(prompt.Prompt, "Episode 2: Night Shift"))
}

func TestBuildPromptScriptUsesBeatSheet(t *testing.T) {
	req := sampleRequest(models.StageScript)
	req.BeatSheet = "1. Maya finds the ledger."
	prompt := BuildPrompt(req)
	assert.Contains(t, prompt.Prompt, "1. Maya finds the ledger.")
	assert.Contains(t, prompt.Prompt, `"number": 2`)

	req.BeatSheet = ""
	assert.Contains(t, BuildPrompt(req).Prompt, "No beat sheet is available.")
}

func TestBuildPromptMissingPrerequisite(t *testing.T) {
	schedule := BuildPrompt(sampleRequest(models.StageSchedule))
	assert.Contains(t, schedule.Prompt, "Locations results are not available. Make reasonable assumptions")

	marketing := BuildPrompt(sampleRequest(models.StageMarketing))
	assert.Contains(t, marketing.Prompt, "Casting results are not available. They are optional")
}

func TestBuildPromptRendersPrerequisiteJSON(t *testing.T) {
	req := sampleRequest(models.StageBudget)
	req.Prior = map[models.Stage]models.StagePayload{
		models.StageSchedule: &models.SchedulePayload{ShootDays: []models.ShootDay{{Day: 1, Location: "Harbor"}}, TotalDays: 1},
	}
	prompt := BuildPrompt(req)
	assert.Contains(t, prompt.Prompt, `"location": "Harbor"`)
	assert.Contains(t, prompt.Prompt, "Locations results are not available.")
}

func TestBuildPromptNotes(t *testing.T) {
	req := sampleRequest(models.StageEquipment)
	req.Notes = "  Shooting on a micro budget.  "
	assert.Contains(t, BuildPrompt(req).Prompt, "## Notes from the showrunner\nShooting on a micro budget.")
}

func TestDescribeVibeBuckets(t *testing.T) {
	cases := []struct {
		value int
		tone  string
	}{
		{0, "light and comedic"},
		{20, "light and comedic"},
		{21, "light-hearted with serious moments"},
		{50, "balanced between light and dark"},
		{80, "serious and dramatic"},
		{100, "dark and intense"},
		{150, "dark and intense"},
	}
	for _, tc := range cases {
		desc := DescribeVibe(models.VibeSettings{Tone: tc.value, Pacing: 50, DialogueStyle: 50})
		assert.Contains(t, desc, "Tone: "+tc.tone, tc.value)
	}

	desc := DescribeVibe(models.VibeSettings{Tone: 10, Pacing: 90, DialogueStyle: 30})
	assert.Equal(t, "Tone: light and comedic (10/100). Pacing: relentless, with rapid cuts (90/100). Dialogue: grounded and conversational (30/100).", desc)
}

func TestBuildPromptArcScope(t *testing.T) {
	req := &models.GenerationRequest{Stage: models.StageLocations, StoryBible: sampleBible(), ArcIndex: 0}
	prompt := BuildPrompt(req)
	require.NoError(t, containsAll(prompt.Prompt, "## Arc 1: The Ledger", "Episode 3: Low Tide - The ring closes in."))
}
