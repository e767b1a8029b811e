package manager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/surveyforge/internal/decode"
	"github.com/Sumatoshi-tech/surveyforge/internal/pipeline"
	"github.com/Sumatoshi-tech/surveyforge/internal/resultstore"
	"github.com/Sumatoshi-tech/surveyforge/internal/survey"
)

// SectionWriter produces the prose for one ready section. Implementations
// range from model-backed writers to the deterministic DraftWriter.
type SectionWriter interface {
	Write(ctx context.Context, work decode.SectionWork) (string, error)
}

// PipelineConfig sizes the survey pipeline stages.
type PipelineConfig struct {
	Workers   int
	QueueSize int

	// HarvestInterval is the harvester rescan period.
	HarvestInterval time.Duration
}

// SurveyPipeline bundles the generation Sequential with the harvester that
// feeds it, so both start and stop together.
type SurveyPipeline struct {
	seq       *pipeline.Sequential
	harvester *decode.Harvester
}

// BuildSurveyPipeline assembles the generation pipeline:
//
//	sections (head) -> assemble (tail)
//
// The head consumes task ids from the manager and SectionWork from the
// harvester; section text is written and qualified back into the in-flight
// registry, which makes parents ready for the next harvest. Finished surveys
// flow to the tail where citations are rewritten and the result is published.
func BuildSurveyPipeline(cfg PipelineConfig, inflight *decode.Registry, writer SectionWriter, results resultstore.Store, logger *slog.Logger) *SurveyPipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	sections := pipeline.NewNode(pipeline.Config{
		Name:       "sections",
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		NoInput:    true,
		DiscardNil: true,
		SkipErrors: true,
	}, func(ctx context.Context, v any) (any, error) {
		return processSection(ctx, v, inflight, writer, logger)
	}, logger)

	assemble := pipeline.NewNode(pipeline.Config{
		Name:       "assemble",
		Workers:    1,
		QueueSize:  cfg.QueueSize,
		NoOutput:   true,
		SkipErrors: true,
	}, func(ctx context.Context, v any) (any, error) {
		return publishSurvey(ctx, v, results, logger)
	}, logger)

	pipeline.Connect(sections, assemble, nil)

	seq := pipeline.NewSequential("survey", logger, sections, assemble)
	harvester := decode.NewHarvester(inflight, sections, cfg.HarvestInterval, logger)

	return &SurveyPipeline{seq: seq, harvester: harvester}
}

// Start implements Pipeline.
func (p *SurveyPipeline) Start(ctx context.Context) error {
	err := p.seq.Start(ctx)
	if err != nil {
		return err
	}

	p.harvester.Start(ctx)

	return nil
}

// End implements Pipeline: the harvester's stop token drains through the
// Sequential.
func (p *SurveyPipeline) End() {
	p.harvester.Stop()
}

// Put implements Pipeline.
func (p *SurveyPipeline) Put(v any) {
	p.seq.Put(v)
}

// Running implements Pipeline.
func (p *SurveyPipeline) Running() bool {
	return p.seq.Running()
}

// Stats implements Pipeline.
func (p *SurveyPipeline) Stats() []pipeline.Stats {
	return p.seq.Stats()
}

// processSection handles one head-queue item: task ids are intake markers,
// SectionWork gets written and qualified, finished surveys pass through.
func processSection(ctx context.Context, v any, inflight *decode.Registry, writer SectionWriter, logger *slog.Logger) (any, error) {
	switch item := v.(type) {
	case string:
		// Task intake: the payload is already in the in-flight registry,
		// the harvester picks its leaves up from there.
		if _, ok := inflight.Get(item); !ok {
			return nil, fmt.Errorf("%w: %s", decode.ErrUnknownTask, item)
		}

		logger.Debug("task entered pipeline", slog.String("task_id", item))

		return nil, nil

	case decode.SectionWork:
		text, err := writer.Write(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("write section %d of %s: %w", item.Index, item.TaskID, err)
		}

		item.Survey.Content.Nodes[item.Index].Text = text

		err = inflight.Qualify(item.TaskID, item.Index)
		if err != nil {
			return nil, err
		}

		return nil, nil

	case *survey.Survey:
		return item, nil

	default:
		return nil, fmt.Errorf("unexpected pipeline item %T", v)
	}
}

// publishSurvey rewrites citations and stores the finished document.
func publishSurvey(ctx context.Context, v any, results resultstore.Store, logger *slog.Logger) (any, error) {
	s, ok := v.(*survey.Survey)
	if !ok {
		return nil, fmt.Errorf("unexpected assemble item %T", v)
	}

	decode.RewriteCitations(s)

	data, err := s.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode survey %s: %w", s.TaskID, err)
	}

	err = results.Save(ctx, &resultstore.Record{
		TaskID:     s.TaskID,
		Title:      s.Title,
		SurveyData: string(data),
		Status:     resultstore.StatusCompleted,
		Metadata: map[string]any{
			"citation_ratio": s.CitationRatio,
			"references":     len(s.References),
			"sections":       s.Content.Len(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("save survey %s: %w", s.TaskID, err)
	}

	logger.Info("survey published",
		slog.String("task_id", s.TaskID),
		slog.String("title", s.Title))

	return nil, nil
}

// DraftWriter is the built-in deterministic section writer: it composes
// section text from the outline guidance and the digests citing each group.
// It stands in where a model-backed writer would be plugged.
type DraftWriter struct{}

// Write implements SectionWriter.
func (DraftWriter) Write(_ context.Context, work decode.SectionWork) (string, error) {
	outline := work.Survey.Outline.Nodes[work.Index]
	content := work.Survey.Content.Nodes[work.Index]

	var b strings.Builder

	b.WriteString(outline.Title)
	b.WriteString("\n\n")

	if outline.Text != "" {
		b.WriteString(outline.Text)
		b.WriteString("\n\n")
	}

	if len(content.Children) == 0 {
		// Leaf: cite every digest group relevant to this survey.
		for _, keys := range work.Survey.Digests.Groups() {
			for _, key := range keys {
				b.WriteString("[" + key + "] ")
			}
		}
	} else {
		// Parent: summarise from the children's first lines.
		for _, child := range content.Children {
			text := work.Survey.Content.Nodes[child].Text

			line, _, _ := strings.Cut(text, "\n")
			b.WriteString(line)
			b.WriteString(" ")
		}
	}

	return strings.TrimSpace(b.String()), nil
}
