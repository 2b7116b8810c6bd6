// internal/models/story_bible.go
package models

// StoryBible 表示剧集级别的创意简报
type StoryBible struct {
	ID            string         `json:"id,omitempty"`
	Title         string         `json:"title"`
	Genre         string         `json:"genre"`
	Tone          string         `json:"tone"`
	Premise       string         `json:"premise"`
	Characters    []Character    `json:"characters"`
	WorldBuilding WorldBuilding  `json:"worldBuilding"`
	NarrativeArcs []NarrativeArc `json:"narrativeArcs"`
}

// Character 角色
type Character struct {
	Name        string   `json:"name"`
	Role        string   `json:"role,omitempty"`
	Description string   `json:"description,omitempty"`
	Arc         string   `json:"arc,omitempty"`
	Age         string   `json:"age,omitempty"`
	Traits      []string `json:"traits,omitempty"`
}

// WorldBuilding 世界观设定
type WorldBuilding struct {
	Setting    string   `json:"setting,omitempty"`
	TimePeriod string   `json:"timePeriod,omitempty"`
	Rules      []string `json:"rules,omitempty"`
	Locations  []string `json:"locations,omitempty"`
}

// NarrativeArc 叙事弧，包含有序的剧集
type NarrativeArc struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Episodes    []Episode `json:"episodes"`
}

// Episode 单集剧本
type Episode struct {
	Number           int               `json:"number"`
	Title            string            `json:"title"`
	Synopsis         string            `json:"synopsis"`
	Scenes           []Scene           `json:"scenes"`
	BranchingOptions []BranchingOption `json:"branchingOptions"`
	Rundown          string            `json:"rundown,omitempty"`
}

// Scene 剧集中的一场戏
type Scene struct {
	Number     int            `json:"number"`
	Heading    string         `json:"heading,omitempty"`
	Location   string         `json:"location,omitempty"`
	Characters []string       `json:"characters,omitempty"`
	Action     string         `json:"action,omitempty"`
	Dialogue   []DialogueLine `json:"dialogue,omitempty"`
}

// DialogueLine 一句台词
type DialogueLine struct {
	Character string `json:"character"`
	Line      string `json:"line"`
}

// BranchingOption 剧情分支选项
type BranchingOption struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	IsCanonical bool   `json:"isCanonical"`
}

// NormalizeCanonical 保证每集最多一个正史分支，保留第一个
func (e *Episode) NormalizeCanonical() {
	seen := false
	for i := range e.BranchingOptions {
		if !e.BranchingOptions[i].IsCanonical {
			continue
		}
		if seen {
			e.BranchingOptions[i].IsCanonical = false
			continue
		}
		seen = true
	}
}

// CanonicalCount 返回正史分支数量
func (e *Episode) CanonicalCount() int {
	count := 0
	for _, opt := range e.BranchingOptions {
		if opt.IsCanonical {
			count++
		}
	}
	return count
}

// FindEpisode 在所有叙事弧中按集数查找
func (b *StoryBible) FindEpisode(number int) (*Episode, bool) {
	if b == nil {
		return nil, false
	}
	for i := range b.NarrativeArcs {
		for j := range b.NarrativeArcs[i].Episodes {
			if b.NarrativeArcs[i].Episodes[j].Number == number {
				return &b.NarrativeArcs[i].Episodes[j], true
			}
		}
	}
	return nil, false
}

// EpisodesBefore 返回集数小于 number 的所有剧集，按弧和顺序排列
func (b *StoryBible) EpisodesBefore(number int) []Episode {
	if b == nil {
		return nil
	}
	var episodes []Episode
	for _, arc := range b.NarrativeArcs {
		for _, ep := range arc.Episodes {
			if ep.Number < number {
				episodes = append(episodes, ep)
			}
		}
	}
	return episodes
}

// ArcForEpisode 返回剧集所在叙事弧的下标，找不到返回 -1
func (b *StoryBible) ArcForEpisode(number int) int {
	if b == nil {
		return -1
	}
	for i, arc := range b.NarrativeArcs {
		for _, ep := range arc.Episodes {
			if ep.Number == number {
				return i
			}
		}
	}
	return -1
}

// Clone 深拷贝，供并发阶段各自持有
func (b *StoryBible) Clone() *StoryBible {
	if b == nil {
		return nil
	}
	out := *b
	out.Characters = make([]Character, len(b.Characters))
	for i, c := range b.Characters {
		c.Traits = append([]string(nil), c.Traits...)
		out.Characters[i] = c
	}
	out.WorldBuilding.Rules = append([]string(nil), b.WorldBuilding.Rules...)
	out.WorldBuilding.Locations = append([]string(nil), b.WorldBuilding.Locations...)
	out.NarrativeArcs = make([]NarrativeArc, len(b.NarrativeArcs))
	for i, arc := range b.NarrativeArcs {
		arc.Episodes = append([]Episode(nil), arc.Episodes...)
		for j := range arc.Episodes {
			arc.Episodes[j] = arc.Episodes[j].clone()
		}
		out.NarrativeArcs[i] = arc
	}
	return &out
}

func (e Episode) clone() Episode {
	out := e
	out.Scenes = make([]Scene, len(e.Scenes))
	for i, s := range e.Scenes {
		s.Characters = append([]string(nil), s.Characters...)
		s.Dialogue = append([]DialogueLine(nil), s.Dialogue...)
		out.Scenes[i] = s
	}
	out.BranchingOptions = append([]BranchingOption(nil), e.BranchingOptions...)
	return out
}
