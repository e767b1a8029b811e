package survey

import (
	"errors"
	"fmt"
	"sort"
)

// ErrBibkeyTaken is returned when a bibkey is registered into a second digest
// group; one bibkey belongs to exactly one group.
var ErrBibkeyTaken = errors.New("bibkey already belongs to a digest group")

// Digest is a structured extract of one or more reference papers, aligned to
// the outline tree.
type Digest struct {
	// Sections maps outline indices to the extract text for that section.
	Sections map[int]string `json:"sections,omitempty"`

	// Summary is the group-level abstract of the member papers.
	Summary string `json:"summary,omitempty"`
}

// DigestRegistry maps sets of bibkeys to digest objects. Digests live in an
// identity-indexed table; set membership is derived from the bibkey index,
// which keeps the multi-key dictionary serialisable and cheap to copy.
type DigestRegistry struct {
	// Digests is the identity-indexed digest table.
	Digests []*Digest `json:"digests,omitempty"`

	// ByBibkey maps each bibkey to the id of its digest group.
	ByBibkey map[string]int `json:"by_bibkey,omitempty"`
}

// NewDigestRegistry creates an empty registry.
func NewDigestRegistry() *DigestRegistry {
	return &DigestRegistry{ByBibkey: make(map[string]int)}
}

// Register stores d under the given bibkey set and returns the digest id.
// Every key must be unbound; on conflict nothing is stored.
func (r *DigestRegistry) Register(keys []string, d *Digest) (int, error) {
	for _, k := range keys {
		if id, taken := r.ByBibkey[k]; taken {
			return 0, fmt.Errorf("%w: %s (group %d)", ErrBibkeyTaken, k, id)
		}
	}

	id := len(r.Digests)
	r.Digests = append(r.Digests, d)

	if r.ByBibkey == nil {
		r.ByBibkey = make(map[string]int)
	}

	for _, k := range keys {
		r.ByBibkey[k] = id
	}

	return id, nil
}

// Lookup returns the digest owning the given bibkey.
func (r *DigestRegistry) Lookup(bibkey string) (*Digest, bool) {
	id, ok := r.ByBibkey[bibkey]
	if !ok || id < 0 || id >= len(r.Digests) {
		return nil, false
	}

	return r.Digests[id], true
}

// Keys returns the sorted bibkey set of the given digest id.
func (r *DigestRegistry) Keys(id int) []string {
	var keys []string

	for k, v := range r.ByBibkey {
		if v == id {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys
}

// Groups returns every digest id with its sorted bibkey set.
func (r *DigestRegistry) Groups() map[int][]string {
	groups := make(map[int][]string, len(r.Digests))
	for id := range r.Digests {
		groups[id] = r.Keys(id)
	}

	return groups
}

// Len returns the number of digest groups.
func (r *DigestRegistry) Len() int {
	return len(r.Digests)
}

// Copy returns an independent copy of the registry.
func (r *DigestRegistry) Copy() *DigestRegistry {
	clone := &DigestRegistry{
		Digests:  make([]*Digest, len(r.Digests)),
		ByBibkey: make(map[string]int, len(r.ByBibkey)),
	}

	for i, d := range r.Digests {
		if d == nil {
			continue
		}

		dc := &Digest{Summary: d.Summary}
		if d.Sections != nil {
			dc.Sections = make(map[int]string, len(d.Sections))
			for k, v := range d.Sections {
				dc.Sections[k] = v
			}
		}

		clone.Digests[i] = dc
	}

	for k, v := range r.ByBibkey {
		clone.ByBibkey[k] = v
	}

	return clone
}
