// Package survey defines the job payload carried end-to-end through the
// pipeline: the reference set, the hierarchical outline (skeleton), the
// parallel content tree, and the digest registry.
//
// Both trees are arenas: nodes live in a slab and parent/child links are
// indices into it. This keeps the payload free of cyclic pointers, makes deep
// copy a slice copy, and lets the outline and content trees share structure
// (the same index addresses the same section in both).
package survey

import (
	"errors"
	"fmt"
)

// RootIndex is the arena index of the tree root.
const RootIndex = 0

// noParent marks the root's parent link.
const noParent = -1

// ErrBadIndex is returned for arena indices out of range.
var ErrBadIndex = errors.New("arena index out of range")

// OutlineNode is one section of the survey skeleton, annotated with the
// per-section digest guidance used by the generation stages.
type OutlineNode struct {
	Title              string `json:"title"`
	DigestConstruction string `json:"digest_construction,omitempty"`
	DigestAnalysis     string `json:"digest_analysis,omitempty"`
	Text               string `json:"text,omitempty"`

	Parent   int   `json:"parent"`
	Children []int `json:"children,omitempty"`
}

// ContentNode holds the generated prose for one section, parallel to the
// outline node at the same index.
type ContentNode struct {
	Text string `json:"text,omitempty"`

	// Qualified marks the section complete. A parent becomes ready for
	// decoding once all of its children are qualified.
	Qualified bool `json:"qualified"`

	// Scores holds per-block quality scores from the last refinement pass.
	Scores map[string]float64 `json:"scores,omitempty"`

	Parent   int   `json:"parent"`
	Children []int `json:"children,omitempty"`
}

// OutlineArena is the slab of outline nodes. Index 0 is the root.
type OutlineArena struct {
	Nodes []OutlineNode `json:"nodes"`
}

// ContentArena is the slab of content nodes, structurally identical to the
// outline arena it was built from.
type ContentArena struct {
	Nodes []ContentNode `json:"nodes"`
}

// NewOutlineArena creates an arena containing only a root with the given
// title.
func NewOutlineArena(title string) *OutlineArena {
	return &OutlineArena{Nodes: []OutlineNode{{Title: title, Parent: noParent}}}
}

// Len returns the number of nodes in the arena.
func (a *OutlineArena) Len() int {
	return len(a.Nodes)
}

// AddChild appends node as a child of parent and returns its index.
func (a *OutlineArena) AddChild(parent int, node OutlineNode) (int, error) {
	if parent < 0 || parent >= len(a.Nodes) {
		return 0, fmt.Errorf("%w: parent %d", ErrBadIndex, parent)
	}

	idx := len(a.Nodes)
	node.Parent = parent
	node.Children = nil
	a.Nodes = append(a.Nodes, node)
	a.Nodes[parent].Children = append(a.Nodes[parent].Children, idx)

	return idx, nil
}

// Leaves returns the indices of all leaf sections in insertion order.
func (a *OutlineArena) Leaves() []int {
	var leaves []int

	for i, n := range a.Nodes {
		if len(n.Children) == 0 {
			leaves = append(leaves, i)
		}
	}

	return leaves
}

// Path returns the index path from the root to idx (root first).
func (a *OutlineArena) Path(idx int) ([]int, error) {
	if idx < 0 || idx >= len(a.Nodes) {
		return nil, fmt.Errorf("%w: %d", ErrBadIndex, idx)
	}

	var rev []int

	for i := idx; i != noParent; i = a.Nodes[i].Parent {
		rev = append(rev, i)
	}

	path := make([]int, len(rev))
	for i, v := range rev {
		path[len(rev)-1-i] = v
	}

	return path, nil
}

// Copy returns an independent copy of the arena.
func (a *OutlineArena) Copy() *OutlineArena {
	clone := &OutlineArena{Nodes: make([]OutlineNode, len(a.Nodes))}
	copy(clone.Nodes, a.Nodes)

	for i := range clone.Nodes {
		if a.Nodes[i].Children != nil {
			clone.Nodes[i].Children = append([]int(nil), a.Nodes[i].Children...)
		}
	}

	return clone
}

// BuildContentArena creates a content arena mirroring the outline's
// structure: same length, same parent and child indices, empty text.
func BuildContentArena(outline *OutlineArena) *ContentArena {
	content := &ContentArena{Nodes: make([]ContentNode, len(outline.Nodes))}

	for i, n := range outline.Nodes {
		content.Nodes[i] = ContentNode{Parent: n.Parent}
		if n.Children != nil {
			content.Nodes[i].Children = append([]int(nil), n.Children...)
		}
	}

	return content
}

// Len returns the number of nodes in the arena.
func (a *ContentArena) Len() int {
	return len(a.Nodes)
}

// Leaves returns the indices of all leaf sections in insertion order.
func (a *ContentArena) Leaves() []int {
	var leaves []int

	for i, n := range a.Nodes {
		if len(n.Children) == 0 {
			leaves = append(leaves, i)
		}
	}

	return leaves
}

// ChildrenQualified reports whether every child of idx is qualified. A leaf
// is trivially true.
func (a *ContentArena) ChildrenQualified(idx int) (bool, error) {
	if idx < 0 || idx >= len(a.Nodes) {
		return false, fmt.Errorf("%w: %d", ErrBadIndex, idx)
	}

	for _, c := range a.Nodes[idx].Children {
		if !a.Nodes[c].Qualified {
			return false, nil
		}
	}

	return true, nil
}

// Qualify marks idx complete.
func (a *ContentArena) Qualify(idx int) error {
	if idx < 0 || idx >= len(a.Nodes) {
		return fmt.Errorf("%w: %d", ErrBadIndex, idx)
	}

	a.Nodes[idx].Qualified = true

	return nil
}

// Copy returns an independent copy of the arena.
func (a *ContentArena) Copy() *ContentArena {
	clone := &ContentArena{Nodes: make([]ContentNode, len(a.Nodes))}
	copy(clone.Nodes, a.Nodes)

	for i := range clone.Nodes {
		if a.Nodes[i].Children != nil {
			clone.Nodes[i].Children = append([]int(nil), a.Nodes[i].Children...)
		}

		if a.Nodes[i].Scores != nil {
			scores := make(map[string]float64, len(a.Nodes[i].Scores))
			for k, v := range a.Nodes[i].Scores {
				scores[k] = v
			}

			clone.Nodes[i].Scores = scores
		}
	}

	return clone
}

// SameShape reports whether the outline and content arenas share structure:
// equal length with identical parent and child links at every index.
func SameShape(outline *OutlineArena, content *ContentArena) bool {
	if outline == nil || content == nil || len(outline.Nodes) != len(content.Nodes) {
		return false
	}

	for i := range outline.Nodes {
		if outline.Nodes[i].Parent != content.Nodes[i].Parent {
			return false
		}

		oc, cc := outline.Nodes[i].Children, content.Nodes[i].Children
		if len(oc) != len(cc) {
			return false
		}

		for j := range oc {
			if oc[j] != cc[j] {
				return false
			}
		}
	}

	return true
}
