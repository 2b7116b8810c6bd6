// internal/models/stage.go
package models

import (
	"fmt"
	"strings"
)

// Stage 表示一个生成阶段
type Stage string

const (
	StageBeatSheet     Stage = "beat-sheet"
	StageScript        Stage = "script"
	StageCasting       Stage = "casting"
	StageLocations     Stage = "locations"
	StageSchedule      Stage = "schedule"
	StageBudget        Stage = "budget"
	StagePropsWardrobe Stage = "props-wardrobe"
	StageEquipment     Stage = "equipment"
	StagePermits       Stage = "permits"
	StageMarketing     Stage = "marketing"
	StageQuestionnaire Stage = "questionnaire"
)

// AllStages 按固定顺序列出所有阶段
var AllStages = []Stage{
	StageBeatSheet,
	StageScript,
	StageCasting,
	StageLocations,
	StageSchedule,
	StageBudget,
	StagePropsWardrobe,
	StageEquipment,
	StagePermits,
	StageMarketing,
	StageQuestionnaire,
}

// PipelineStages 可以参与"全部重新生成"的阶段
var PipelineStages = []Stage{
	StageLocations,
	StageSchedule,
	StageBudget,
	StageCasting,
	StagePropsWardrobe,
	StageEquipment,
	StagePermits,
	StageMarketing,
}

var stageDisplayNames = map[Stage]string{
	StageBeatSheet:     "Beat Sheet",
	StageScript:        "Episode Script",
	StageCasting:       "Casting",
	StageLocations:     "Locations",
	StageSchedule:      "Shooting Schedule",
	StageBudget:        "Budget",
	StagePropsWardrobe: "Props & Wardrobe",
	StageEquipment:     "Equipment",
	StagePermits:       "Permits",
	StageMarketing:     "Marketing",
	StageQuestionnaire: "Questionnaire",
}

// 兼容前端旧的阶段名称
var stageAliases = map[string]Stage{
	"beatsheet":      StageBeatSheet,
	"beat_sheet":     StageBeatSheet,
	"episode":        StageScript,
	"props":          StagePropsWardrobe,
	"wardrobe":       StagePropsWardrobe,
	"propswardrobe":  StagePropsWardrobe,
	"props_wardrobe": StagePropsWardrobe,
}

// ParseStage 解析阶段名称
func ParseStage(name string) (Stage, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, stage := range AllStages {
		if string(stage) == normalized {
			return stage, nil
		}
	}
	if stage, ok := stageAliases[normalized]; ok {
		return stage, nil
	}
	return "", fmt.Errorf("unknown stage: %q", name)
}

// DisplayName 返回用于进度展示的名称
func (s Stage) DisplayName() string {
	if name, ok := stageDisplayNames[s]; ok {
		return name
	}
	return string(s)
}

// IsPipelineStage 检查阶段是否可以放入流水线
func (s Stage) IsPipelineStage() bool {
	for _, stage := range PipelineStages {
		if stage == s {
			return true
		}
	}
	return false
}

// IsProse 散文类阶段使用独立的文本模型
func (s Stage) IsProse() bool {
	return s == StageBeatSheet || s == StageScript
}

// StageState 单个阶段在一次流水线运行中的状态
type StageState string

const (
	StatePending   StageState = "pending"
	StateRunning   StageState = "running"
	StateSucceeded StageState = "succeeded"
	StateFailed    StageState = "failed"
)

// IsTerminal 终态不再迁移
func (s StageState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// CanTransition Pending -> Running -> {Succeeded, Failed}
func (s StageState) CanTransition(to StageState) bool {
	switch s {
	case StatePending:
		return to == StateRunning
	case StateRunning:
		return to == StateSucceeded || to == StateFailed
	default:
		return false
	}
}
