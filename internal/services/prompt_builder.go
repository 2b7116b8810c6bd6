// internal/services/prompt_builder.go
package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Corphon/AIShowrunner/internal/models"
)

// PromptSet 用户提示和系统提示
type PromptSet struct {
	Prompt string `json:"prompt"`
	System string `json:"system"`
}

// 结构化阶段的系统提示都以这句结尾
const jsonOnlyInstruction = "Return your response in valid JSON format, following the provided output schema, without adding explanations or preambles."

const (
	placeholderTitle   = "Untitled Series"
	placeholderGenre   = "Unspecified genre"
	placeholderTone    = "Unspecified tone"
	placeholderPremise = "No premise provided"
)

const (
	proseSystem = "You are an experienced television showrunner and head writer. " +
		"You write vivid, production-ready material that stays consistent with the series bible, " +
		"its characters and every episode that came before."
	productionSystem = "You are a veteran line producer and production manager for scripted series. " +
		"You turn creative material into concrete, realistic production plans."
	marketingSystem   = "You are a marketing lead for a streaming studio who writes sharp, on-brand launch copy."
	developmentSystem = "You are a development executive helping a writer sharpen a new series."
)

// BuildPrompt 按阶段生成提示，同样的输入总是得到同样的输出
func BuildPrompt(req *models.GenerationRequest) PromptSet {
	if req == nil {
		req = &models.GenerationRequest{}
	}
	b := &promptWriter{}

	switch req.Stage {
	case models.StageBeatSheet:
		return buildBeatSheetPrompt(b, req)
	case models.StageScript:
		return buildScriptPrompt(b, req)
	case models.StageCasting:
		return buildCastingPrompt(b, req)
	case models.StageLocations:
		return buildLocationsPrompt(b, req)
	case models.StageSchedule:
		return buildSchedulePrompt(b, req)
	case models.StageBudget:
		return buildBudgetPrompt(b, req)
	case models.StagePropsWardrobe:
		return buildPropsWardrobePrompt(b, req)
	case models.StageEquipment:
		return buildEquipmentPrompt(b, req)
	case models.StagePermits:
		return buildPermitsPrompt(b, req)
	case models.StageMarketing:
		return buildMarketingPrompt(b, req)
	case models.StageQuestionnaire:
		return buildQuestionnairePrompt(b, req)
	default:
		b.seriesOverview(req)
		b.line("Describe the next production step for this series.")
		return PromptSet{Prompt: b.String(), System: structuredSystem(productionSystem)}
	}
}

func buildBeatSheetPrompt(b *promptWriter, req *models.GenerationRequest) PromptSet {
	b.seriesOverview(req)
	b.characters(req.StoryBible)
	b.world(req.StoryBible)
	b.previousEpisodes(req)
	b.section("Episode")
	b.line(episodeHeading(req))
	if ep := targetEpisode(req); ep != nil && ep.Synopsis != "" {
		b.line("Synopsis: " + ep.Synopsis)
	}
	b.vibe(req.Vibe)
	b.notes(req.Notes)
	b.section("Task")
	b.line(fmt.Sprintf("Write a detailed beat sheet for %s. Use numbered beats grouped by act "+
		"(teaser, act one, act two, act three, tag). Each beat names the characters involved and what changes.", episodeHeading(req)))
	b.line("Return plain text only.")
	return PromptSet{Prompt: b.String(), System: proseSystem}
}

func buildScriptPrompt(b *promptWriter, req *models.GenerationRequest) PromptSet {
	b.seriesOverview(req)
	b.characters(req.StoryBible)
	b.world(req.StoryBible)
	b.previousEpisodes(req)
	b.section("Beat sheet")
	if strings.TrimSpace(string(req.BeatSheet)) != "" {
		b.line(strings.TrimSpace(string(req.BeatSheet)))
	} else {
		b.line("No beat sheet is available. Build the episode structure yourself from the synopsis.")
	}
	b.vibe(req.Vibe)
	b.notes(req.Notes)
	b.section("Task")
	b.line(fmt.Sprintf("Write the full script for %s following the beat sheet. "+
		"Every scene needs a slug-line heading, the characters present, action lines and dialogue. "+
		"End with exactly three branching options for what happens next, and mark exactly one of them as canonical.", episodeHeading(req)))
	b.schema(episodeSchema(req))
	return PromptSet{Prompt: b.String(), System: structuredSystem(proseSystem)}
}

func buildCastingPrompt(b *promptWriter, req *models.GenerationRequest) PromptSet {
	b.seriesOverview(req)
	b.characters(req.StoryBible)
	b.episodeContext(req)
	b.vibe(req.Vibe)
	b.notes(req.Notes)
	b.section("Task")
	b.line("Create a casting breakdown with one entry per speaking role: a short description, the playing age range, " +
		"two or three casting archetypes, and a priority (lead, supporting or day player).")
	b.schema(castingSchema)
	return PromptSet{Prompt: b.String(), System: structuredSystem(productionSystem)}
}

func buildLocationsPrompt(b *promptWriter, req *models.GenerationRequest) PromptSet {
	b.seriesOverview(req)
	b.world(req.StoryBible)
	b.episodeContext(req)
	b.notes(req.Notes)
	b.section("Task")
	b.line("List every distinct shooting location needed, whether it is interior or exterior, " +
		"the scene numbers it serves and any practical requirements (power, access, set dressing).")
	b.schema(locationsSchema)
	return PromptSet{Prompt: b.String(), System: structuredSystem(productionSystem)}
}

func buildSchedulePrompt(b *promptWriter, req *models.GenerationRequest) PromptSet {
	b.seriesOverview(req)
	b.episodeContext(req)
	b.prior(req, models.StageLocations, "Locations")
	b.notes(req.Notes)
	b.section("Task")
	b.line("Build a shooting schedule that groups scenes by location to minimise company moves. " +
		"Give each shoot day a number, location, scene list and call time.")
	b.schema(scheduleSchema)
	return PromptSet{Prompt: b.String(), System: structuredSystem(productionSystem)}
}

func buildBudgetPrompt(b *promptWriter, req *models.GenerationRequest) PromptSet {
	b.seriesOverview(req)
	b.episodeContext(req)
	b.prior(req, models.StageLocations, "Locations")
	b.prior(req, models.StageSchedule, "Shooting schedule")
	b.notes(req.Notes)
	b.section("Task")
	b.line("Estimate a production budget in USD broken into line items (cast, crew, locations, equipment, " +
		"art department, post-production, contingency). Amounts are numbers, and total is their sum.")
	b.schema(budgetSchema)
	return PromptSet{Prompt: b.String(), System: structuredSystem(productionSystem)}
}

func buildPropsWardrobePrompt(b *promptWriter, req *models.GenerationRequest) PromptSet {
	b.seriesOverview(req)
	b.characters(req.StoryBible)
	b.episodeContext(req)
	b.notes(req.Notes)
	b.section("Task")
	b.line("List the hero props and the wardrobe looks this material needs. Tie each item to scene numbers " +
		"and, for wardrobe, to the character who wears it.")
	b.schema(propsWardrobeSchema)
	return PromptSet{Prompt: b.String(), System: structuredSystem(productionSystem)}
}

func buildEquipmentPrompt(b *promptWriter, req *models.GenerationRequest) PromptSet {
	b.seriesOverview(req)
	b.episodeContext(req)
	b.notes(req.Notes)
	b.section("Task")
	b.line("List the camera, grip, electric and sound equipment needed, with quantities.")
	b.schema(equipmentSchema)
	return PromptSet{Prompt: b.String(), System: structuredSystem(productionSystem)}
}

func buildPermitsPrompt(b *promptWriter, req *models.GenerationRequest) PromptSet {
	b.seriesOverview(req)
	b.world(req.StoryBible)
	b.episodeContext(req)
	b.notes(req.Notes)
	b.section("Task")
	b.line("List the filming permits likely required for these locations: permit type, issuing authority " +
		"and typical lead time in days.")
	b.schema(permitsSchema)
	return PromptSet{Prompt: b.String(), System: structuredSystem(productionSystem)}
}

func buildMarketingPrompt(b *promptWriter, req *models.GenerationRequest) PromptSet {
	b.seriesOverview(req)
	b.characters(req.StoryBible)
	b.episodeContext(req)
	b.prior(req, models.StageCasting, "Casting")
	b.vibe(req.Vibe)
	b.notes(req.Notes)
	b.section("Task")
	b.line("Write launch marketing copy: a logline, a tagline, a short synopsis, the target audience, " +
		"one social post each for Instagram, TikTok and X, and a handful of hashtags.")
	b.schema(marketingSchema)
	return PromptSet{Prompt: b.String(), System: structuredSystem(marketingSystem)}
}

func buildQuestionnairePrompt(b *promptWriter, req *models.GenerationRequest) PromptSet {
	b.seriesOverview(req)
	b.characters(req.StoryBible)
	b.world(req.StoryBible)
	b.notes(req.Notes)
	b.section("Task")
	b.line("Write eight questions that would help the creator deepen this series. " +
		"Each question has a short purpose and, where useful, a few suggested answers.")
	b.schema(questionnaireSchema)
	return PromptSet{Prompt: b.String(), System: structuredSystem(developmentSystem)}
}

func structuredSystem(base string) string {
	return base + "\n\n" + jsonOnlyInstruction
}

// DescribeVibe 把三个滑块翻译成描述文字
func DescribeVibe(v models.VibeSettings) string {
	v = v.Clamp()
	return fmt.Sprintf("Tone: %s (%d/100). Pacing: %s (%d/100). Dialogue: %s (%d/100).",
		vibeBucket(v.Tone, toneBuckets), v.Tone,
		vibeBucket(v.Pacing, pacingBuckets), v.Pacing,
		vibeBucket(v.DialogueStyle, dialogueBuckets), v.DialogueStyle)
}

var (
	toneBuckets = [5]string{
		"light and comedic",
		"light-hearted with serious moments",
		"balanced between light and dark",
		"serious and dramatic",
		"dark and intense",
	}
	pacingBuckets = [5]string{
		"slow and contemplative",
		"measured, giving scenes room to breathe",
		"steady",
		"brisk",
		"relentless, with rapid cuts",
	}
	dialogueBuckets = [5]string{
		"sparse and naturalistic",
		"grounded and conversational",
		"balanced",
		"stylised and witty",
		"heightened and theatrical",
	}
)

// 0-20, 21-40, 41-60, 61-80, 81-100
func vibeBucket(value int, buckets [5]string) string {
	switch {
	case value <= 20:
		return buckets[0]
	case value <= 40:
		return buckets[1]
	case value <= 60:
		return buckets[2]
	case value <= 80:
		return buckets[3]
	default:
		return buckets[4]
	}
}

func targetEpisode(req *models.GenerationRequest) *models.Episode {
	if req.EpisodeNumber <= 0 {
		return nil
	}
	ep, ok := req.StoryBible.FindEpisode(req.EpisodeNumber)
	if !ok {
		return nil
	}
	return ep
}

func episodeHeading(req *models.GenerationRequest) string {
	if req.EpisodeNumber <= 0 {
		return "the series"
	}
	heading := fmt.Sprintf("Episode %d", req.EpisodeNumber)
	if ep := targetEpisode(req); ep != nil && ep.Title != "" {
		heading += ": " + ep.Title
	}
	return heading
}

func orPlaceholder(value, placeholder string) string {
	if strings.TrimSpace(value) == "" {
		return placeholder
	}
	return strings.TrimSpace(value)
}

// promptWriter 按固定顺序拼接提示片段
type promptWriter struct {
	sb strings.Builder
}

func (w *promptWriter) String() string {
	return strings.TrimSpace(w.sb.String())
}

func (w *promptWriter) section(title string) {
	if w.sb.Len() > 0 {
		w.sb.WriteString("\n")
	}
	w.sb.WriteString("## " + title + "\n")
}

func (w *promptWriter) line(text string) {
	w.sb.WriteString(text)
	w.sb.WriteString("\n")
}

func (w *promptWriter) seriesOverview(req *models.GenerationRequest) {
	bible := req.StoryBible
	if bible == nil {
		bible = &models.StoryBible{}
	}
	w.section("Series")
	w.line("Title: " + orPlaceholder(bible.Title, placeholderTitle))
	w.line("Genre: " + orPlaceholder(bible.Genre, placeholderGenre))
	w.line("Tone: " + orPlaceholder(bible.Tone, placeholderTone))
	w.line("Premise: " + orPlaceholder(bible.Premise, placeholderPremise))
}

func (w *promptWriter) characters(bible *models.StoryBible) {
	w.section("Characters")
	if bible == nil || len(bible.Characters) == 0 {
		w.line("No characters have been defined yet.")
		return
	}
	for _, c := range bible.Characters {
		parts := []string{orPlaceholder(c.Name, "Unnamed character")}
		if c.Role != "" {
			parts = append(parts, "role: "+c.Role)
		}
		if c.Age != "" {
			parts = append(parts, "age: "+c.Age)
		}
		if c.Description != "" {
			parts = append(parts, c.Description)
		}
		if len(c.Traits) > 0 {
			parts = append(parts, "traits: "+strings.Join(c.Traits, ", "))
		}
		if c.Arc != "" {
			parts = append(parts, "arc: "+c.Arc)
		}
		w.line("- " + strings.Join(parts, "; "))
	}
}

func (w *promptWriter) world(bible *models.StoryBible) {
	w.section("World")
	if bible == nil {
		w.line("No world-building details provided.")
		return
	}
	wb := bible.WorldBuilding
	w.line("Setting: " + orPlaceholder(wb.Setting, "Unspecified setting"))
	w.line("Time period: " + orPlaceholder(wb.TimePeriod, "Unspecified period"))
	if len(wb.Rules) > 0 {
		w.line("Rules of the world:")
		for _, rule := range wb.Rules {
			w.line("- " + rule)
		}
	}
	if len(wb.Locations) > 0 {
		w.line("Known locations:")
		for _, loc := range wb.Locations {
			w.line("- " + loc)
		}
	}
}

// previousEpisodes 列出之前所有剧集，不截断
func (w *promptWriter) previousEpisodes(req *models.GenerationRequest) {
	if req.EpisodeNumber <= 1 {
		return
	}
	episodes := req.StoryBible.EpisodesBefore(req.EpisodeNumber)
	w.section("Previously")
	if len(episodes) == 0 {
		w.line("No earlier episodes are recorded.")
		return
	}
	for _, ep := range episodes {
		entry := fmt.Sprintf("Episode %d: %s", ep.Number, orPlaceholder(ep.Title, fmt.Sprintf("Episode %d", ep.Number)))
		if ep.Synopsis != "" {
			entry += " - " + ep.Synopsis
		}
		for _, opt := range ep.BranchingOptions {
			if opt.IsCanonical {
				entry += " (continued with: " + opt.Text + ")"
			}
		}
		w.line(entry)
	}
}

// episodeContext 有剧本时列出全部场次，否则给出叙事弧概要
func (w *promptWriter) episodeContext(req *models.GenerationRequest) {
	if ep := targetEpisode(req); ep != nil {
		w.section(episodeHeading(req))
		if ep.Synopsis != "" {
			w.line("Synopsis: " + ep.Synopsis)
		}
		if len(ep.Scenes) == 0 {
			w.line("No scenes have been written yet.")
			return
		}
		for _, scene := range ep.Scenes {
			entry := fmt.Sprintf("Scene %d: %s", scene.Number, orPlaceholder(scene.Heading, scene.Location))
			if len(scene.Characters) > 0 {
				entry += " [" + strings.Join(scene.Characters, ", ") + "]"
			}
			if scene.Action != "" {
				entry += " - " + scene.Action
			}
			w.line(entry)
		}
		return
	}

	bible := req.StoryBible
	if bible == nil || req.ArcIndex < 0 || req.ArcIndex >= len(bible.NarrativeArcs) {
		w.section("Scope")
		w.line("Plan for the series as a whole.")
		return
	}
	arc := bible.NarrativeArcs[req.ArcIndex]
	w.section("Arc " + fmt.Sprint(req.ArcIndex+1) + ": " + orPlaceholder(arc.Title, "Untitled arc"))
	if arc.Description != "" {
		w.line(arc.Description)
	}
	for _, ep := range arc.Episodes {
		entry := fmt.Sprintf("Episode %d: %s", ep.Number, orPlaceholder(ep.Title, fmt.Sprintf("Episode %d", ep.Number)))
		if ep.Synopsis != "" {
			entry += " - " + ep.Synopsis
		}
		w.line(entry)
	}
}

func (w *promptWriter) vibe(v models.VibeSettings) {
	w.section("Vibe")
	w.line(DescribeVibe(v))
}

func (w *promptWriter) notes(notes string) {
	if strings.TrimSpace(notes) == "" {
		return
	}
	w.section("Notes from the showrunner")
	w.line(strings.TrimSpace(notes))
}

// prior 渲染前置阶段输出；缺失时明确说明
func (w *promptWriter) prior(req *models.GenerationRequest, stage models.Stage, title string) {
	w.section(title)
	payload := req.PriorPayload(stage)
	if payload == nil {
		if isSoftPrerequisite(req.Stage, stage) {
			w.line(fmt.Sprintf("%s results are not available. They are optional; work from the series material alone.", stage.DisplayName()))
		} else {
			w.line(fmt.Sprintf("%s results are not available. Make reasonable assumptions and state them.", stage.DisplayName()))
		}
		return
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		w.line(fmt.Sprintf("%s results are not available.", stage.DisplayName()))
		return
	}
	w.line("```json")
	w.line(string(data))
	w.line("```")
}

func (w *promptWriter) schema(schema string) {
	w.section("Output schema")
	w.line(schema)
}

func episodeSchema(req *models.GenerationRequest) string {
	number := req.EpisodeNumber
	if number <= 0 {
		number = 1
	}
	return fmt.Sprintf(`{
  "episode": {
    "number": %d,
    "title": "string",
    "synopsis": "string",
    "scenes": [
      {
        "number": 1,
        "heading": "INT. LOCATION - DAY",
        "location": "string",
        "characters": ["string"],
        "action": "string",
        "dialogue": [{"character": "string", "line": "string"}]
      }
    ],
    "branchingOptions": [
      {"id": "A", "text": "string", "isCanonical": true},
      {"id": "B", "text": "string", "isCanonical": false},
      {"id": "C", "text": "string", "isCanonical": false}
    ],
    "rundown": "string"
  }
}`, number)
}

const castingSchema = `{
  "roles": [
    {"character": "string", "description": "string", "ageRange": "30-40", "archetypes": ["string"], "priority": "lead"}
  ],
  "notes": "string"
}`

const locationsSchema = `{
  "locations": [
    {"name": "string", "type": "INT", "description": "string", "scenes": [1, 2], "requirements": ["string"]}
  ]
}`

const scheduleSchema = `{
  "shootDays": [
    {"day": 1, "location": "string", "scenes": [1, 4], "callTime": "07:00", "notes": "string"}
  ],
  "totalDays": 1,
  "notes": "string"
}`

const budgetSchema = `{
  "lineItems": [
    {"category": "string", "description": "string", "amount": 0}
  ],
  "total": 0,
  "currency": "USD",
  "notes": "string"
}`

const propsWardrobeSchema = `{
  "props": [{"name": "string", "description": "string", "scenes": [1]}],
  "wardrobe": [{"name": "string", "description": "string", "character": "string", "scenes": [1]}]
}`

const equipmentSchema = `{
  "items": [{"name": "string", "category": "camera", "quantity": 1, "notes": "string"}]
}`

const permitsSchema = `{
  "permits": [{"location": "string", "type": "string", "authority": "string", "leadTimeDays": 10, "notes": "string"}]
}`

const marketingSchema = `{
  "logline": "string",
  "tagline": "string",
  "synopsis": "string",
  "targetAudience": "string",
  "socialPosts": [{"platform": "instagram", "copy": "string"}],
  "hashtags": ["string"]
}`

const questionnaireSchema = `{
  "questions": [{"id": "q1", "question": "string", "purpose": "string", "options": ["string"]}]
}`
