// internal/models/payloads.go
package models

// StagePayload 按阶段区分的结构化输出，封闭集合
type StagePayload interface {
	Stage() Stage
	isStagePayload()
}

// NewPayload 返回阶段对应的空载荷
func NewPayload(stage Stage) StagePayload {
	switch stage {
	case StageBeatSheet:
		return &BeatSheetPayload{}
	case StageScript:
		return &EpisodeScriptPayload{}
	case StageCasting:
		return &CastingPayload{}
	case StageLocations:
		return &LocationsPayload{}
	case StageSchedule:
		return &SchedulePayload{}
	case StageBudget:
		return &BudgetPayload{}
	case StagePropsWardrobe:
		return &PropsWardrobePayload{}
	case StageEquipment:
		return &EquipmentPayload{}
	case StagePermits:
		return &PermitsPayload{}
	case StageMarketing:
		return &MarketingPayload{}
	case StageQuestionnaire:
		return &QuestionnairePayload{}
	default:
		return nil
	}
}

// BeatSheetPayload 节拍表，脚本阶段把它当作不透明文本
type BeatSheetPayload struct {
	BeatSheet BeatSheet `json:"beatSheet"`
}

// BeatSheet 节拍表文本
type BeatSheet string

// EpisodeScriptPayload 剧本阶段输出
type EpisodeScriptPayload struct {
	Episode Episode `json:"episode"`
}

// CastingPayload 选角
type CastingPayload struct {
	Roles []CastingRole `json:"roles"`
	Notes string        `json:"notes,omitempty"`
}

type CastingRole struct {
	Character   string   `json:"character"`
	Description string   `json:"description,omitempty"`
	AgeRange    string   `json:"ageRange,omitempty"`
	Archetypes  []string `json:"archetypes,omitempty"`
	Priority    string   `json:"priority,omitempty"`
}

// LocationsPayload 拍摄地点
type LocationsPayload struct {
	Locations []Location `json:"locations"`
}

type Location struct {
	Name         string   `json:"name"`
	Type         string   `json:"type,omitempty"` // INT / EXT
	Description  string   `json:"description,omitempty"`
	Scenes       []int    `json:"scenes,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
}

// SchedulePayload 拍摄日程，依赖地点
type SchedulePayload struct {
	ShootDays []ShootDay `json:"shootDays"`
	TotalDays int        `json:"totalDays"`
	Notes     string     `json:"notes,omitempty"`
}

type ShootDay struct {
	Day      int    `json:"day"`
	Location string `json:"location"`
	Scenes   []int  `json:"scenes,omitempty"`
	CallTime string `json:"callTime,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// BudgetPayload 预算，依赖日程
type BudgetPayload struct {
	LineItems []BudgetLineItem `json:"lineItems"`
	Total     float64          `json:"total"`
	Currency  string           `json:"currency,omitempty"`
	Notes     string           `json:"notes,omitempty"`
}

type BudgetLineItem struct {
	Category    string  `json:"category"`
	Description string  `json:"description,omitempty"`
	Amount      float64 `json:"amount"`
}

// PropsWardrobePayload 道具与服装
type PropsWardrobePayload struct {
	Props    []ProductionItem `json:"props"`
	Wardrobe []ProductionItem `json:"wardrobe"`
}

type ProductionItem struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Character   string `json:"character,omitempty"`
	Scenes      []int  `json:"scenes,omitempty"`
}

// EquipmentPayload 器材清单
type EquipmentPayload struct {
	Items []EquipmentItem `json:"items"`
}

type EquipmentItem struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Quantity int    `json:"quantity,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// PermitsPayload 拍摄许可
type PermitsPayload struct {
	Permits []Permit `json:"permits"`
}

type Permit struct {
	Location     string `json:"location"`
	Type         string `json:"type"`
	Authority    string `json:"authority,omitempty"`
	LeadTimeDays int    `json:"leadTimeDays,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// MarketingPayload 营销物料，选角结果可选
type MarketingPayload struct {
	Logline        string       `json:"logline"`
	Tagline        string       `json:"tagline,omitempty"`
	Synopsis       string       `json:"synopsis,omitempty"`
	TargetAudience string       `json:"targetAudience,omitempty"`
	SocialPosts    []SocialPost `json:"socialPosts,omitempty"`
	Hashtags       []string     `json:"hashtags,omitempty"`
}

type SocialPost struct {
	Platform string `json:"platform"`
	Copy     string `json:"copy"`
}

// QuestionnairePayload 创作问卷
type QuestionnairePayload struct {
	Questions []Question `json:"questions"`
}

type Question struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Purpose  string   `json:"purpose,omitempty"`
	Options  []string `json:"options,omitempty"`
}

func (*BeatSheetPayload) Stage() Stage     { return StageBeatSheet }
func (*EpisodeScriptPayload) Stage() Stage { return StageScript }
func (*CastingPayload) Stage() Stage       { return StageCasting }
func (*LocationsPayload) Stage() Stage     { return StageLocations }
func (*SchedulePayload) Stage() Stage      { return StageSchedule }
func (*BudgetPayload) Stage() Stage        { return StageBudget }
func (*PropsWardrobePayload) Stage() Stage { return StagePropsWardrobe }
func (*EquipmentPayload) Stage() Stage     { return StageEquipment }
func (*PermitsPayload) Stage() Stage       { return StagePermits }
func (*MarketingPayload) Stage() Stage     { return StageMarketing }
func (*QuestionnairePayload) Stage() Stage { return StageQuestionnaire }

func (*BeatSheetPayload) isStagePayload()     {}
func (*EpisodeScriptPayload) isStagePayload() {}
func (*CastingPayload) isStagePayload()       {}
func (*LocationsPayload) isStagePayload()     {}
func (*SchedulePayload) isStagePayload()      {}
func (*BudgetPayload) isStagePayload()        {}
func (*PropsWardrobePayload) isStagePayload() {}
func (*EquipmentPayload) isStagePayload()     {}
func (*PermitsPayload) isStagePayload()       {}
func (*MarketingPayload) isStagePayload()     {}
func (*QuestionnairePayload) isStagePayload() {}
