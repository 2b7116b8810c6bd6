package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/AIShowrunner/internal/config"
	"github.com/Corphon/AIShowrunner/internal/llm"
	"github.com/Corphon/AIShowrunner/internal/models"
)

// fakeProvider 记录每次调用的时间，按脚本返回
type fakeProvider struct {
	name    string
	mu      sync.Mutex
	calls   []time.Time
	models  []string
	respond func(call int, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

func (f *fakeProvider) Initialize(map[string]string) error { return nil }
func (f *fakeProvider) GetName() string                    { return f.name }
func (f *fakeProvider) GetSupportedModels() []string       { return []string{"fake-model"} }

func (f *fakeProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	f.models = append(f.models, req.Model)
	call := len(f.calls)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.respond(call, req)
}

func (f *fakeProvider) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

func alwaysStatus(provider string, status int) func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, llm.NewProviderError(provider, status, []byte(http.StatusText(status)))
	}
}

func alwaysText(text string) func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Text: text, TokensUsed: 10}, nil
	}
}

// testGenerationConfig 两个目标：primary/m1 然后 backup/m2
func testGenerationConfig(backoff time.Duration) *config.GenerationConfig {
	cfg := config.DefaultGenerationConfig()
	cfg.Retry = config.RetryPolicy{MaxAttempts: 3, Backoff: backoff}
	route := config.Route{
		Primary:     config.Target{Provider: "primary", Model: "m1"},
		Fallbacks:   []config.Target{{Provider: "backup", Model: "m2"}},
		Temperature: 0.5,
		MaxTokens:   1000,
	}
	cfg.Prose = route
	cfg.Structured = route
	return cfg
}

// stageCall 一次模拟生成
type stageCall struct {
	Stage  models.Stage
	Prompt string
	Start  time.Time
	End    time.Time
}

// fakeGenerator 按阶段返回预设输出，可选延迟和失败
type fakeGenerator struct {
	mu       sync.Mutex
	delay    map[models.Stage]time.Duration
	failures map[models.Stage]error
	texts    map[models.Stage]string
	calls    []stageCall
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		delay:    map[models.Stage]time.Duration{},
		failures: map[models.Stage]error{},
		texts:    map[models.Stage]string{},
	}
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt, system string, opts GenerateOptions) (*GenerateOutput, error) {
	start := time.Now()
	g.mu.Lock()
	delay := g.delay[opts.Stage]
	failure := g.failures[opts.Stage]
	text, ok := g.texts[opts.Stage]
	g.mu.Unlock()
	if !ok {
		text = cannedResponse(opts.Stage)
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			g.record(stageCall{Stage: opts.Stage, Prompt: prompt, Start: start, End: time.Now()})
			return nil, contextError(ctx.Err(), opts.Stage)
		case <-time.After(delay):
		}
	}
	g.record(stageCall{Stage: opts.Stage, Prompt: prompt, Start: start, End: time.Now()})

	if failure != nil {
		return nil, failure
	}
	return &GenerateOutput{Text: text, Provider: "fake", Model: "fake-model", Attempts: 1}, nil
}

func (g *fakeGenerator) record(call stageCall) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
}

func (g *fakeGenerator) call(stage models.Stage) (stageCall, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.calls {
		if c.Stage == stage {
			return c, true
		}
	}
	return stageCall{}, false
}

func (g *fakeGenerator) calledStages() []models.Stage {
	g.mu.Lock()
	defer g.mu.Unlock()
	var stages []models.Stage
	for _, c := range g.calls {
		stages = append(stages, c.Stage)
	}
	return stages
}

func cannedResponse(stage models.Stage) string {
	switch stage {
	case models.StageBeatSheet:
		return "1. Maya finds the ledger.\n2. Theo lies about the night shift.\n3. The diner burns."
	case models.StageScript:
		return `{"episode":{"number":2,"title":"Night Shift","scenes":[{"number":1,"heading":"INT. DINER - NIGHT","action":"Maya counts the till."}],"branchingOptions":[{"id":"A","text":"Maya calls the police","isCanonical":true},{"id":"B","text":"Maya hides the ledger","isCanonical":true},{"id":"C","text":"Maya confronts Theo","isCanonical":false}]}}`
	case models.StageCasting:
		return `{"roles":[{"character":"Maya","ageRange":"30-40","priority":"lead"}]}`
	case models.StageLocations:
		return `{"locations":[{"name":"Diner","type":"INT","scenes":[1,2]},{"name":"Harbor","type":"EXT","scenes":[3]}]}`
	case models.StageSchedule:
		return `{"shootDays":[{"day":1,"location":"Diner","scenes":[1,2]}],"totalDays":1}`
	case models.StageBudget:
		return `{"lineItems":[{"category":"Cast","amount":1200}],"total":1200,"currency":"USD"}`
	case models.StagePropsWardrobe:
		return `{"props":[{"name":"Ledger"}],"wardrobe":[{"name":"Apron","character":"Maya"}]}`
	case models.StageEquipment:
		return `{"items":[{"name":"ARRI Alexa Mini","category":"camera","quantity":1}]}`
	case models.StagePermits:
		return `{"permits":[{"location":"Harbor","type":"Street filming"}]}`
	case models.StageMarketing:
		return `{"logline":"A waitress uncovers her town's secret.","hashtags":["#NightShift"]}`
	case models.StageQuestionnaire:
		return `{"questions":[{"id":"q1","question":"What does Maya fear?"}]}`
	default:
		return `{}`
	}
}

func sampleBible() *models.StoryBible {
	return &models.StoryBible{
		ID:      "bible-1",
		Title:   "Harbor Lights",
		Genre:   "Mystery",
		Tone:    "Moody",
		Premise: "A waitress in a fading port town uncovers a smuggling ring.",
		Characters: []models.Character{
			{Name: "Maya", Role: "protagonist", Age: "34", Description: "Night-shift waitress"},
			{Name: "Theo", Role: "antagonist", Description: "Diner owner"},
		},
		WorldBuilding: models.WorldBuilding{
			Setting:    "Fictional New England harbor town",
			TimePeriod: "Present day",
			Locations:  []string{"Diner", "Harbor"},
		},
		NarrativeArcs: []models.NarrativeArc{{
			Title: "The Ledger",
			Episodes: []models.Episode{
				{Number: 1, Title: "Closing Time", Synopsis: "Maya notices a strange delivery."},
				{Number: 2, Title: "Night Shift", Synopsis: "Maya finds the ledger."},
				{Number: 3, Title: "Low Tide", Synopsis: "The ring closes in."},
			},
		}},
	}
}

func sampleRequest(stage models.Stage) *models.GenerationRequest {
	return &models.GenerationRequest{
		Stage:         stage,
		StoryBible:    sampleBible(),
		EpisodeNumber: 2,
		Vibe:          models.DefaultVibeSettings(),
	}
}

func containsAll(s string, parts ...string) error {
	for _, part := range parts {
		if !strings.Contains(s, part) {
			return fmt.Errorf("missing %q", part)
		}
	}
	return nil
}
