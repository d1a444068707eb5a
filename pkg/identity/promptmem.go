package identity

import "strings"

// DefaultPromptMemoryLimit bounds the prompt memory projection in bytes.
const DefaultPromptMemoryLimit = 2000

// BuildPromptMemory renders the size-bounded textual projection of the
// index fed back into the next chunk's extraction request: one line per
// character with its stable id, canonical name, and summary, ordered by id.
//
// The projection is derived state. It can be rebuilt from the index at any
// time and losing it costs only extraction quality, never correctness.
func BuildPromptMemory(x *Index, limit int) string {
	if limit <= 0 {
		limit = DefaultPromptMemoryLimit
	}

	var b strings.Builder
	for _, entry := range x.Roster() {
		line := entry.ID + " " + entry.CanonicalName
		if entry.Summary != "" {
			line += ": " + entry.Summary
		}
		line += "\n"

		if b.Len()+len(line) > limit {
			break
		}
		b.WriteString(line)
	}

	return strings.TrimRight(b.String(), "\n")
}
