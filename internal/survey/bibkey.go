package survey

import (
	"regexp"
	"strings"
	"unicode"
)

// maxBibkeyLen bounds slug length so keys stay readable in generated text.
const maxBibkeyLen = 80

// citationPattern matches citation tokens of the form [key] in generated
// text. Keys never contain brackets.
var citationPattern = regexp.MustCompile(`\[([^\[\]]+)\]`)

// Slugify turns a paper title into a bibkey: lowercase ASCII words joined by
// underscores, truncated to a readable length.
func Slugify(title string) string {
	var b strings.Builder

	lastUnderscore := true // Suppress a leading separator.

	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) && r < unicode.MaxASCII, unicode.IsDigit(r):
			b.WriteRune(r)

			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')

				lastUnderscore = true
			}
		}

		if b.Len() >= maxBibkeyLen {
			break
		}
	}

	return strings.Trim(b.String(), "_")
}

// ExtractCitations returns every citation key found in text, in order of
// first appearance, without duplicates.
func ExtractCitations(text string) []string {
	var keys []string

	seen := make(map[string]bool)

	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		key := strings.TrimSpace(m[1])
		if key == "" || seen[key] {
			continue
		}

		seen[key] = true
		keys = append(keys, key)
	}

	return keys
}

// StripUnknownCitations removes citation tokens whose key is not in the known
// set. Every citation surviving in generated text refers to a real reference.
func StripUnknownCitations(text string, known map[string]bool) string {
	return citationPattern.ReplaceAllStringFunc(text, func(tok string) string {
		key := strings.TrimSpace(tok[1 : len(tok)-1])
		if known[key] {
			return tok
		}

		return ""
	})
}
