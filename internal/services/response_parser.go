// internal/services/response_parser.go
package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/Corphon/AIShowrunner/internal/models"
)

// 解析策略名称
const (
	StrategyDirect   = "direct"
	StrategyFenced   = "fenced"
	StrategyBrace    = "brace"
	StrategyText     = "text"
	StrategyFallback = "fallback"
)

// ParseResult 解析结果，Object 永远不为 nil
type ParseResult struct {
	Object       map[string]interface{} `json:"object"`
	FallbackUsed bool                   `json:"fallbackUsed"`
	Strategy     string                 `json:"strategy"`
}

type parseStrategy struct {
	name    string
	extract func(raw string) (map[string]interface{}, bool)
}

// 按顺序尝试，第一个成功的生效
var parseStrategies = []parseStrategy{
	{name: StrategyDirect, extract: parseDirect},
	{name: StrategyFenced, extract: parseFenced},
	{name: StrategyBrace, extract: parseBraceMatched},
}

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json|JSON)?[ \\t]*\\r?\\n?(.*?)```")

// ParseJSONObject 依次尝试直接解析、代码块和括号匹配
func ParseJSONObject(raw string) (map[string]interface{}, string, bool) {
	cleaned := stripInvisible(raw)
	for _, strategy := range parseStrategies {
		if obj, ok := strategy.extract(cleaned); ok {
			return obj, strategy.name, true
		}
	}
	return nil, "", false
}

// ParseResponse 解析模型输出，所有策略失败时使用 fallback，不会 panic
func ParseResponse(raw string, fallback func() map[string]interface{}) (result ParseResult) {
	defer func() {
		if r := recover(); r != nil {
			result = fallbackResult(fallback)
		}
	}()

	if obj, strategy, ok := ParseJSONObject(raw); ok {
		return ParseResult{Object: obj, Strategy: strategy}
	}
	return fallbackResult(fallback)
}

func fallbackResult(fallback func() map[string]interface{}) ParseResult {
	var obj map[string]interface{}
	if fallback != nil {
		obj = fallback()
	}
	if obj == nil {
		obj = map[string]interface{}{}
	}
	return ParseResult{Object: obj, FallbackUsed: true, Strategy: StrategyFallback}
}

func parseDirect(raw string) (map[string]interface{}, bool) {
	return decodeObject(strings.TrimSpace(raw))
}

// parseFenced 只尝试第一个代码块
func parseFenced(raw string) (map[string]interface{}, bool) {
	match := fencedBlockPattern.FindStringSubmatch(raw)
	if match == nil {
		return nil, false
	}
	return decodeObject(strings.TrimSpace(match[1]))
}

// parseBraceMatched 截取第一个顶层的 {...}，字符串里的括号不计数
func parseBraceMatched(raw string) (map[string]interface{}, bool) {
	candidate, ok := firstBalancedObject(raw)
	if !ok {
		return nil, false
	}
	if obj, ok := decodeObject(candidate); ok {
		return obj, true
	}
	// 模型偶尔输出全角标点或弯引号
	return decodeObject(normalizeJSONPunctuation(candidate))
}

func decodeObject(text string) (map[string]interface{}, bool) {
	if text == "" || text[0] != '{' {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexAny(s, "{｛")
	if start == -1 {
		return "", false
	}

	balance := 0
	inString := false
	escaped := false
	for i, r := range s[start:] {
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch r {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{', '｛':
			balance++
		case '}', '｝':
			balance--
			if balance == 0 {
				end := start + i + len(string(r))
				return s[start:end], true
			}
		}
	}
	return "", false
}

// 移除零宽字符及除换行/制表符外的控制字符
func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
}

var structuralPunctuation = map[rune]rune{
	'：': ':',
	'﹕': ':',
	'，': ',',
	'﹐': ',',
	'【': '[',
	'】': ']',
	'［': '[',
	'］': ']',
	'｛': '{',
	'｝': '}',
}

var quotePairs = map[rune]rune{
	'“': '”',
	'„': '”',
	'「': '」',
	'『': '』',
}

// normalizeJSONPunctuation 只替换字符串外的结构标点，字符串内容保持不变
func normalizeJSONPunctuation(s string) string {
	var builder strings.Builder
	builder.Grow(len(s))
	inString := false
	escaped := false
	closing := '"'

	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == closing || r == '"':
				inString = false
				builder.WriteRune('"')
				continue
			}
			builder.WriteRune(r)
			continue
		}

		if replacement, ok := structuralPunctuation[r]; ok {
			builder.WriteRune(replacement)
			continue
		}
		if pair, ok := quotePairs[r]; ok {
			inString = true
			closing = pair
			builder.WriteRune('"')
			continue
		}
		if r == '"' {
			inString = true
			closing = '"'
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

// ParseStageResponse 把模型输出解析成阶段载荷；失败时返回该阶段的固定兜底载荷
func ParseStageResponse(req *models.GenerationRequest, raw string) (models.StagePayload, ParseResult) {
	if req == nil {
		req = &models.GenerationRequest{}
	}

	if req.Stage == models.StageBeatSheet {
		return parseBeatSheet(req, raw)
	}

	result := ParseResponse(raw, func() map[string]interface{} {
		return payloadObject(FallbackPayload(req))
	})
	if result.FallbackUsed {
		return FallbackPayload(req), result
	}

	payload, err := decodeStagePayload(req, result.Object)
	if err != nil {
		// JSON 合法但形状不对
		fallback := FallbackPayload(req)
		return fallback, ParseResult{Object: payloadObject(fallback), FallbackUsed: true, Strategy: StrategyFallback}
	}
	return payload, result
}

// 节拍表是纯文本，模型返回 JSON 时取其中的 beatSheet 字段
func parseBeatSheet(req *models.GenerationRequest, raw string) (models.StagePayload, ParseResult) {
	if obj, strategy, ok := ParseJSONObject(raw); ok {
		if text, ok := obj["beatSheet"].(string); ok && strings.TrimSpace(text) != "" {
			return &models.BeatSheetPayload{BeatSheet: models.BeatSheet(strings.TrimSpace(text))},
				ParseResult{Object: obj, Strategy: strategy}
		}
	}

	text := strings.TrimSpace(raw)
	if text != "" {
		payload := &models.BeatSheetPayload{BeatSheet: models.BeatSheet(text)}
		return payload, ParseResult{Object: payloadObject(payload), Strategy: StrategyText}
	}

	fallback := FallbackPayload(req)
	return fallback, ParseResult{Object: payloadObject(fallback), FallbackUsed: true, Strategy: StrategyFallback}
}

func decodeStagePayload(req *models.GenerationRequest, obj map[string]interface{}) (models.StagePayload, error) {
	payload := models.NewPayload(req.Stage)
	if payload == nil {
		return nil, fmt.Errorf("unknown stage %q", req.Stage)
	}

	// 剧本既可能包在 episode 字段里，也可能直接是剧集对象
	source := interface{}(obj)
	if req.Stage == models.StageScript {
		if inner, ok := obj["episode"].(map[string]interface{}); ok {
			source = inner
		}
		data, err := json.Marshal(source)
		if err != nil {
			return nil, err
		}
		script := payload.(*models.EpisodeScriptPayload)
		if err := json.Unmarshal(data, &script.Episode); err != nil {
			return nil, err
		}
		if len(script.Episode.Scenes) == 0 {
			return nil, fmt.Errorf("episode has no scenes")
		}
		if script.Episode.Number == 0 {
			script.Episode.Number = req.EpisodeNumber
		}
		script.Episode.NormalizeCanonical()
		return script, nil
	}

	data, err := json.Marshal(source)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func payloadObject(payload models.StagePayload) map[string]interface{} {
	data, err := json.Marshal(payload)
	if err != nil {
		return map[string]interface{}{}
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return map[string]interface{}{}
	}
	return obj
}

// FallbackPayload 每个阶段的固定兜底载荷，只使用请求里已有的数据
func FallbackPayload(req *models.GenerationRequest) models.StagePayload {
	bible := req.StoryBible
	if bible == nil {
		bible = &models.StoryBible{}
	}

	switch req.Stage {
	case models.StageBeatSheet:
		return &models.BeatSheetPayload{BeatSheet: models.BeatSheet(fallbackBeatSheet(req))}
	case models.StageScript:
		return &models.EpisodeScriptPayload{Episode: fallbackEpisode(req)}
	case models.StageCasting:
		roles := make([]models.CastingRole, 0, len(bible.Characters))
		for _, c := range bible.Characters {
			roles = append(roles, models.CastingRole{
				Character:   c.Name,
				Description: c.Description,
				AgeRange:    c.Age,
				Priority:    "supporting",
			})
		}
		return &models.CastingPayload{Roles: roles, Notes: "Generated from the series bible; regenerate for a full breakdown."}
	case models.StageLocations:
		locations := make([]models.Location, 0, len(bible.WorldBuilding.Locations))
		for _, name := range bible.WorldBuilding.Locations {
			locations = append(locations, models.Location{Name: name})
		}
		return &models.LocationsPayload{Locations: locations}
	case models.StageSchedule:
		schedule := &models.SchedulePayload{
			ShootDays: []models.ShootDay{},
			Notes:     "Schedule could not be generated; regenerate this section.",
		}
		if locations, ok := req.PriorPayload(models.StageLocations).(*models.LocationsPayload); ok && locations != nil {
			for i, loc := range locations.Locations {
				schedule.ShootDays = append(schedule.ShootDays, models.ShootDay{Day: i + 1, Location: loc.Name, Scenes: loc.Scenes})
			}
		}
		schedule.TotalDays = len(schedule.ShootDays)
		return schedule
	case models.StageBudget:
		return &models.BudgetPayload{
			LineItems: []models.BudgetLineItem{},
			Currency:  "USD",
			Notes:     "Budget could not be generated; regenerate this section.",
		}
	case models.StagePropsWardrobe:
		return &models.PropsWardrobePayload{Props: []models.ProductionItem{}, Wardrobe: []models.ProductionItem{}}
	case models.StageEquipment:
		return &models.EquipmentPayload{Items: []models.EquipmentItem{}}
	case models.StagePermits:
		return &models.PermitsPayload{Permits: []models.Permit{}}
	case models.StageMarketing:
		return &models.MarketingPayload{
			Logline:  orPlaceholder(bible.Premise, orPlaceholder(bible.Title, placeholderTitle)),
			Synopsis: bible.Premise,
		}
	case models.StageQuestionnaire:
		return &models.QuestionnairePayload{Questions: []models.Question{
			{ID: "q1", Question: "What does the protagonist want most, and what stops them?", Purpose: "Clarify the central drive"},
			{ID: "q2", Question: "What should the audience feel at the end of each episode?", Purpose: "Set the emotional target"},
			{ID: "q3", Question: "Which relationship changes the most over the season?", Purpose: "Find the emotional spine"},
		}}
	default:
		return nil
	}
}

func fallbackBeatSheet(req *models.GenerationRequest) string {
	if ep := targetEpisode(req); ep != nil && ep.Synopsis != "" {
		return "1. " + ep.Synopsis
	}
	return "1. " + orPlaceholder(premiseOf(req), placeholderPremise)
}

func premiseOf(req *models.GenerationRequest) string {
	if req.StoryBible == nil {
		return ""
	}
	return req.StoryBible.Premise
}

// fallbackEpisode 一场戏，取节拍表开头几行；三个分支，第一个为正史
func fallbackEpisode(req *models.GenerationRequest) models.Episode {
	number := req.EpisodeNumber
	if number <= 0 {
		number = 1
	}
	ep := models.Episode{Number: number, Title: fmt.Sprintf("Episode %d", number)}
	if existing := targetEpisode(req); existing != nil {
		if existing.Title != "" {
			ep.Title = existing.Title
		}
		ep.Synopsis = existing.Synopsis
	}

	action := leadingLines(string(req.BeatSheet), 3)
	if action == "" {
		action = orPlaceholder(ep.Synopsis, "Scene details unavailable; regenerate this episode.")
	}
	ep.Scenes = []models.Scene{{Number: 1, Heading: "INT. UNSPECIFIED - DAY", Action: action}}
	ep.BranchingOptions = []models.BranchingOption{
		{ID: "A", Text: "Continue the story as planned.", IsCanonical: true},
		{ID: "B", Text: "Take an unexpected detour.", IsCanonical: false},
		{ID: "C", Text: "Confront the central conflict head-on.", IsCanonical: false},
	}
	return ep
}

func leadingLines(text string, n int) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == n {
			break
		}
	}
	return strings.Join(lines, "\n")
}
