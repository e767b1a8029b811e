package survey

import (
	"time"
)

// Paper is one reference document keyed by its bibkey.
type Paper struct {
	Title    string `json:"title"`
	Abstract string `json:"abstract,omitempty"`
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
}

// IterationConfig snapshots the knobs of the last refinement iteration so a
// resumed or inspected payload explains how its scores were produced.
type IterationConfig struct {
	Round          int     `json:"round"`
	ConvolutionDim int     `json:"convolution_dim,omitempty"`
	ScoreThreshold float64 `json:"score_threshold,omitempty"`
	Model          string  `json:"model,omitempty"`
}

// Survey is the mutable job payload carried through the pipeline. It is
// self-contained: ToJSON produces a blob from which FromJSON rebuilds an
// equal payload.
type Survey struct {
	TaskID string `json:"task_id,omitempty"`
	Title  string `json:"title"`

	// References maps bibkey (slugified paper title) to the paper.
	References map[string]*Paper `json:"references,omitempty"`

	Outline *OutlineArena   `json:"outline,omitempty"`
	Content *ContentArena   `json:"content,omitempty"`
	Digests *DigestRegistry `json:"digests,omitempty"`

	// BlockScores holds whole-payload scores from the last refinement pass.
	BlockScores map[string]float64 `json:"block_scores,omitempty"`

	Iteration IterationConfig `json:"iteration"`

	// CitationRatio is 1 - unreferenced/total references, set by the
	// citation rewrite stage.
	CitationRatio float64 `json:"citation_ratio,omitempty"`

	// Finished marks the survey fully decoded.
	Finished bool `json:"finished,omitempty"`

	// ProducedBy is the name of the last pipeline node that emitted this
	// payload, set by the label middleware for observability.
	ProducedBy string `json:"produced_by,omitempty"`

	// Timestamp is the snapshot instant, UTC.
	Timestamp time.Time `json:"timestamp"`
}

// New creates an empty survey with the given title, a root-only outline, and
// its mirrored content arena.
func New(title string) *Survey {
	outline := NewOutlineArena(title)

	return &Survey{
		Title:      title,
		References: make(map[string]*Paper),
		Outline:    outline,
		Content:    BuildContentArena(outline),
		Digests:    NewDigestRegistry(),
		Timestamp:  time.Now().UTC(),
	}
}

// AddReference registers a paper under its slugified title and returns the
// bibkey.
func (s *Survey) AddReference(p *Paper) string {
	key := Slugify(p.Title)

	if s.References == nil {
		s.References = make(map[string]*Paper)
	}

	s.References[key] = p

	return key
}

// Bibkeys returns the known citation key set.
func (s *Survey) Bibkeys() map[string]bool {
	keys := make(map[string]bool, len(s.References))
	for k := range s.References {
		keys[k] = true
	}

	return keys
}

// SetProducedBy implements the pipeline label contract.
func (s *Survey) SetProducedBy(node string) {
	s.ProducedBy = node
}

// Empty reports whether the payload has no usable input: no references and
// no outline beyond the bare root.
func (s *Survey) Empty() bool {
	hasOutline := s.Outline != nil && s.Outline.Len() > 1

	return len(s.References) == 0 && !hasOutline
}

// RebuildContent resets the content arena to mirror the current outline.
// Called after outline refinement changes the tree shape.
func (s *Survey) RebuildContent() {
	if s.Outline != nil {
		s.Content = BuildContentArena(s.Outline)
	}
}

// DeepCopy returns a full structural copy of the payload. It satisfies the
// pipeline Copier interface for put-deep-copy edges.
func (s *Survey) DeepCopy() any {
	clone := *s

	if s.References != nil {
		clone.References = make(map[string]*Paper, len(s.References))
		for k, p := range s.References {
			pc := *p
			clone.References[k] = &pc
		}
	}

	if s.Outline != nil {
		clone.Outline = s.Outline.Copy()
	}

	if s.Content != nil {
		clone.Content = s.Content.Copy()
	}

	if s.Digests != nil {
		clone.Digests = s.Digests.Copy()
	}

	if s.BlockScores != nil {
		clone.BlockScores = make(map[string]float64, len(s.BlockScores))
		for k, v := range s.BlockScores {
			clone.BlockScores[k] = v
		}
	}

	return &clone
}
