package decode

import (
	"fmt"
	"strings"

	"github.com/Sumatoshi-tech/surveyforge/internal/survey"
)

// RewriteCitations renumbers bibkey citations across the content tree to
// 1-based numeric indices in order of first use, walking sections depth-first
// from the root. Citations to unknown keys are stripped first, so every number
// resolves to a real reference. The ordered bibkeys are returned (number i+1
// cites the paper at index i) and the survey's CitationRatio is set to
// 1 - unreferenced/total over the reference set.
func RewriteCitations(s *survey.Survey) []string {
	known := s.Bibkeys()
	content := s.Content

	order := depthFirst(content)

	// First pass: strip unknown keys and fix the numbering by first use.
	var numbered []string

	numberOf := make(map[string]int)

	for _, idx := range order {
		node := &content.Nodes[idx]
		node.Text = survey.StripUnknownCitations(node.Text, known)

		for _, key := range survey.ExtractCitations(node.Text) {
			if _, ok := numberOf[key]; ok {
				continue
			}

			numbered = append(numbered, key)
			numberOf[key] = len(numbered)
		}
	}

	// Second pass: rewrite tokens.
	if len(numbered) > 0 {
		pairs := make([]string, 0, 2*len(numbered))
		for key, n := range numberOf {
			pairs = append(pairs, "["+key+"]", fmt.Sprintf("[%d]", n))
		}

		replacer := strings.NewReplacer(pairs...)

		for _, idx := range order {
			content.Nodes[idx].Text = replacer.Replace(content.Nodes[idx].Text)
		}
	}

	total := len(s.References)
	if total == 0 {
		s.CitationRatio = 1
	} else {
		unreferenced := total - len(numbered)
		s.CitationRatio = 1 - float64(unreferenced)/float64(total)
	}

	return numbered
}

// depthFirst returns every arena index in pre-order from the root.
func depthFirst(content *survey.ContentArena) []int {
	if content.Len() == 0 {
		return nil
	}

	order := make([]int, 0, content.Len())
	stack := []int{survey.RootIndex}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, idx)

		children := content.Nodes[idx].Children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	return order
}
