// internal/models/vibe.go
package models

import "fmt"

const (
	VibeMin     = 0
	VibeMax     = 100
	VibeDefault = 50
)

// VibeSettings 三个独立滑块，取值 [0,100]
type VibeSettings struct {
	Tone          int `json:"tone"`
	Pacing        int `json:"pacing"`
	DialogueStyle int `json:"dialogueStyle"`
}

// DefaultVibeSettings 所有滑块居中
func DefaultVibeSettings() VibeSettings {
	return VibeSettings{Tone: VibeDefault, Pacing: VibeDefault, DialogueStyle: VibeDefault}
}

// Validate 返回超出范围的字段说明
func (v VibeSettings) Validate() []string {
	var problems []string
	check := func(field string, value int) {
		if value < VibeMin || value > VibeMax {
			problems = append(problems, fmt.Sprintf("vibeSettings.%s must be between %d and %d, got %d", field, VibeMin, VibeMax, value))
		}
	}
	check("tone", v.Tone)
	check("pacing", v.Pacing)
	check("dialogueStyle", v.DialogueStyle)
	return problems
}

// Clamp 返回截断到合法范围的副本
func (v VibeSettings) Clamp() VibeSettings {
	return VibeSettings{
		Tone:          clampVibe(v.Tone),
		Pacing:        clampVibe(v.Pacing),
		DialogueStyle: clampVibe(v.DialogueStyle),
	}
}

func clampVibe(value int) int {
	if value < VibeMin {
		return VibeMin
	}
	if value > VibeMax {
		return VibeMax
	}
	return value
}
