package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/Corphon/AIShowrunner/internal/app"
	"github.com/Corphon/AIShowrunner/internal/di"
	"github.com/Corphon/AIShowrunner/internal/models"
	"github.com/Corphon/AIShowrunner/internal/services"
)

var runOpts struct {
	biblePath    string
	stages       []string
	episode      int
	arc          int
	notes        string
	tone         int
	pacing       int
	dialogue     int
	persist      bool
	userID       string
	storyBibleID string
	output       string
}

var runCmd = &cobra.Command{
	Use:     "run --bible <file>",
	Short:   "Run the production pipeline once and print the result as JSON",
	GroupID: "tools",
	Example: `  showrunner run --bible harbor-lights.yaml --stages locations,schedule,budget
  showrunner run --bible bible.json --persist --user writer-1 --bible-id harbor-lights -o run.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bible, err := loadStoryBible(runOpts.biblePath)
		if err != nil {
			return err
		}
		stages, err := parseStages(runOpts.stages)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := app.Prepare(cfg); err != nil {
			return err
		}
		defer app.Shutdown()

		showrunner, err := di.MustResolve[*services.ShowrunnerService](app.GetDIContainer(), "showrunner")
		if err != nil {
			return err
		}

		storyBibleID := runOpts.storyBibleID
		if storyBibleID == "" {
			storyBibleID = bible.ID
		}
		req := services.PipelineRequest{
			UserID:       runOpts.userID,
			StoryBibleID: storyBibleID,
			Stages:       stages,
			Persist:      runOpts.persist,
			Base: &models.GenerationRequest{
				StoryBible:    bible,
				EpisodeNumber: runOpts.episode,
				ArcIndex:      runOpts.arc,
				Notes:         runOpts.notes,
				Vibe: models.VibeSettings{
					Tone:          runOpts.tone,
					Pacing:        runOpts.pacing,
					DialogueStyle: runOpts.dialogue,
				},
			},
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		printer := newProgressPrinter(cmd.ErrOrStderr())
		run, err := showrunner.Pipeline.Run(ctx, req, printer.onProgress)
		printer.finish()
		if err != nil {
			return err
		}
		return writeRun(cmd.OutOrStdout(), run)
	},
}

func init() {
	flags := runCmd.Flags()
	flags.StringVar(&runOpts.biblePath, "bible", "", "story bible file (.json, .yaml or .yml)")
	flags.StringSliceVar(&runOpts.stages, "stages", nil, "stages to run, comma separated (default: all production stages)")
	flags.IntVar(&runOpts.episode, "episode", 0, "episode number used for scoping")
	flags.IntVar(&runOpts.arc, "arc", 0, "narrative arc index")
	flags.StringVar(&runOpts.notes, "notes", "", "extra direction passed to every stage")
	flags.IntVar(&runOpts.tone, "tone", models.VibeDefault, "tone slider 0-100")
	flags.IntVar(&runOpts.pacing, "pacing", models.VibeDefault, "pacing slider 0-100")
	flags.IntVar(&runOpts.dialogue, "dialogue", models.VibeDefault, "dialogue style slider 0-100")
	flags.BoolVar(&runOpts.persist, "persist", false, "save stage results to the section store")
	flags.StringVar(&runOpts.userID, "user", "cli", "owner used when persisting")
	flags.StringVar(&runOpts.storyBibleID, "bible-id", "", "story bible ID used when persisting (default: bible id field)")
	flags.StringVarP(&runOpts.output, "output", "o", "", "write the run JSON to a file instead of stdout")
	_ = runCmd.MarkFlagRequired("bible")
}

// loadStoryBible 按扩展名解析 JSON 或 YAML，YAML 先转成 JSON 以复用 json 标签
func loadStoryBible(path string) (*models.StoryBible, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read story bible: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("convert %s: %w", path, err)
		}
	}

	var bible models.StoryBible
	if err := json.Unmarshal(data, &bible); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if bible.Title == "" && bible.Premise == "" {
		return nil, fmt.Errorf("%s: story bible needs at least a title or premise", path)
	}
	return &bible, nil
}

func parseStages(names []string) ([]models.Stage, error) {
	stages := make([]models.Stage, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		stage, err := models.ParseStage(name)
		if err != nil {
			return nil, err
		}
		if !stage.IsPipelineStage() {
			return nil, fmt.Errorf("%s cannot run in the pipeline", stage)
		}
		stages = append(stages, stage)
	}
	return services.NormalizeStages(stages)
}

func writeRun(stdout io.Writer, run *models.PipelineRun) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}
	if runOpts.output == "" {
		_, err = fmt.Fprintln(stdout, string(data))
		return err
	}
	return os.WriteFile(runOpts.output, append(data, '\n'), 0644)
}

// progressPrinter 终端上原地刷新一行，否则每个阶段输出一行
type progressPrinter struct {
	out         io.Writer
	interactive bool
	dirty       bool
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	p := &progressPrinter{out: out}
	if f, ok := out.(*os.File); ok {
		p.interactive = term.IsTerminal(int(f.Fd()))
	}
	return p
}

func (p *progressPrinter) onProgress(progress models.PipelineProgress, result models.GenerationResult) {
	mark := "✅"
	switch {
	case result.State == models.StateFailed:
		mark = "❌"
	case result.FallbackUsed:
		mark = "⚠️"
	}
	line := fmt.Sprintf("[%d/%d %3d%%] %s %s", progress.Completed, progress.Total, progress.Percent, mark, result.Stage.DisplayName())
	if result.Error != "" {
		line += ": " + result.Error
	}

	if p.interactive {
		fmt.Fprintf(p.out, "\r\033[K%s", line)
		p.dirty = true
		return
	}
	fmt.Fprintln(p.out, line)
}

func (p *progressPrinter) finish() {
	if p.dirty {
		fmt.Fprintln(p.out)
	}
}
