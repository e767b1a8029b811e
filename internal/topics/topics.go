// Package topics turns a free-form topic submission into an initial survey
// payload: reference search, web search, crawling, and a skeleton outline the
// pipeline can decode. The searcher is pluggable; without one the processor
// still produces a usable outline-only payload.
package topics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Sumatoshi-tech/surveyforge/internal/survey"
	"github.com/Sumatoshi-tech/surveyforge/internal/task"
)

// DefaultMaxResults caps the reference search when the config does not.
const DefaultMaxResults = 50

// digestGroupSize is how many references share one digest group.
const digestGroupSize = 5

// Searcher finds reference papers for a topic. Implementations wrap an
// external search or crawl API.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]*survey.Paper, error)
}

// Config tunes the outline processor.
type Config struct {
	// MaxResults caps the number of references collected per submission.
	MaxResults int
}

// OutlineProcessor prepares topic submissions. It reports its phase through
// the progress callback so the task record tracks a long preparation.
type OutlineProcessor struct {
	cfg      Config
	searcher Searcher
	logger   *slog.Logger
}

// NewOutlineProcessor wires a processor. searcher may be nil, in which case
// the search and crawl phases are skipped.
func NewOutlineProcessor(cfg Config, searcher Searcher, logger *slog.Logger) *OutlineProcessor {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &OutlineProcessor{cfg: cfg, searcher: searcher, logger: logger}
}

// Process builds the payload for topic. An abort mid-phase surfaces as an
// error naming the phase, which the caller records on the failed task.
func (p *OutlineProcessor) Process(ctx context.Context, topic string, _ map[string]any, progress func(task.Status)) (*survey.Survey, error) {
	s := survey.New(topic)

	err := p.collectReferences(ctx, s, topic, progress)
	if err != nil {
		return nil, err
	}

	err = phaseErr(ctx, "crawling")
	if err != nil {
		return nil, err
	}

	progress(task.StatusCrawling)

	err = buildSkeleton(s, topic)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("topic payload prepared",
		slog.String("topic", topic),
		slog.Int("references", len(s.References)),
		slog.Int("sections", s.Outline.Len()))

	return s, nil
}

// collectReferences runs the search phases and registers digest groups for
// the found papers.
func (p *OutlineProcessor) collectReferences(ctx context.Context, s *survey.Survey, topic string, progress func(task.Status)) error {
	if p.searcher == nil {
		return nil
	}

	err := phaseErr(ctx, "searching")
	if err != nil {
		return err
	}

	progress(task.StatusSearching)

	papers, err := p.searcher.Search(ctx, topic, p.cfg.MaxResults)
	if err != nil {
		return fmt.Errorf("reference search: %w", err)
	}

	err = phaseErr(ctx, "searching web")
	if err != nil {
		return err
	}

	progress(task.StatusSearchingWeb)

	if len(papers) > p.cfg.MaxResults {
		papers = papers[:p.cfg.MaxResults]
	}

	group := make([]string, 0, digestGroupSize)

	for _, paper := range papers {
		key := s.AddReference(paper)
		group = append(group, key)

		if len(group) == digestGroupSize {
			err = registerGroup(s, group)
			if err != nil {
				return err
			}

			group = group[:0]
		}
	}

	if len(group) > 0 {
		return registerGroup(s, group)
	}

	return nil
}

// registerGroup stores one digest group summarising the member abstracts.
func registerGroup(s *survey.Survey, keys []string) error {
	d := &survey.Digest{Summary: summarise(s, keys)}

	_, err := s.Digests.Register(append([]string(nil), keys...), d)
	if err != nil {
		return fmt.Errorf("register digest group: %w", err)
	}

	return nil
}

// summarise concatenates the first abstract line of each member paper.
func summarise(s *survey.Survey, keys []string) string {
	out := ""

	for _, k := range keys {
		paper, ok := s.References[k]
		if !ok || paper.Abstract == "" {
			continue
		}

		if out != "" {
			out += " "
		}

		out += paper.Abstract
	}

	return out
}

// skeletonSections is the default top-level outline of a generated survey.
var skeletonSections = []string{
	"Introduction",
	"Background",
	"Core Approaches",
	"Open Challenges",
	"Conclusion",
}

// buildSkeleton grows the root-only outline into the default section tree and
// mirrors it into the content arena.
func buildSkeleton(s *survey.Survey, topic string) error {
	for _, title := range skeletonSections {
		_, err := s.Outline.AddChild(survey.RootIndex, survey.OutlineNode{
			Title:              title,
			DigestConstruction: fmt.Sprintf("%s in the context of %s", title, topic),
		})
		if err != nil {
			return fmt.Errorf("build outline: %w", err)
		}
	}

	s.RebuildContent()

	return nil
}

// phaseErr maps a cancelled context to an error naming the preparation phase
// that was interrupted.
func phaseErr(ctx context.Context, phase string) error {
	err := ctx.Err()
	if err != nil {
		return fmt.Errorf("aborted while %s: %w", phase, err)
	}

	return nil
}
