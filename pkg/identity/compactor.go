package identity

import (
	"strconv"
	"strings"
)

const (
	// DefaultMaxSummaryLen bounds a character's condensed summary.
	DefaultMaxSummaryLen = 500

	// minRelevantDetail is the relevance cutoff: timeline details shorter
	// than this carry too little narrative signal to survive compaction.
	minRelevantDetail = 8
)

// Compactor keeps per-character memory bounded. Without it, documents with
// thousands of chunks would accumulate unbounded summary text; with it, a
// character's summary never exceeds MaxSummaryLen after a chunk that
// triggers compaction.
type Compactor struct {
	// MaxSummaryLen is the summary size bound in bytes.
	MaxSummaryLen int
}

// NewCompactor creates a compactor with the given bound; zero or negative
// means DefaultMaxSummaryLen.
func NewCompactor(maxLen int) Compactor {
	if maxLen <= 0 {
		maxLen = DefaultMaxSummaryLen
	}
	return Compactor{MaxSummaryLen: maxLen}
}

// Fold appends a chunk's new event details to the character's running
// summary, then compacts when the bound is crossed. Returns true if
// compaction ran.
func (c Compactor) Fold(m *CharacterMemory, events []Event) bool {
	var b strings.Builder
	b.WriteString(m.Summary)

	for _, ev := range events {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString("[" + strconv.Itoa(ev.Chunk) + "] " + ev.Detail)
	}
	m.Summary = b.String()

	if len(m.Summary) <= c.MaxSummaryLen {
		return false
	}

	c.Compact(m)
	return true
}

// Compact rebuilds the condensed summary from the full timeline, discarding
// detail below the relevance cutoff and keeping the most recent events that
// fit the bound. The rebuild is a pure function of (names, first
// appearance, timeline, bound), so compacting twice in a row produces an
// identical summary with no further reduction.
func (c Compactor) Compact(m *CharacterMemory) {
	header := m.CanonicalName()
	if len(m.Names) > 1 {
		header += " (aka " + strings.Join(m.Names[1:], ", ") + ")"
	}
	header += ", first seen in chunk " + strconv.Itoa(m.FirstAppearanceChunk) + "."

	// Walk the timeline newest-first, keeping relevant details while they
	// fit, then restore chronological order.
	budget := c.MaxSummaryLen - len(header)
	var kept []string
	for i := len(m.Timeline) - 1; i >= 0; i-- {
		ev := m.Timeline[i]
		detail := strings.TrimSpace(ev.Detail)
		if len(detail) < minRelevantDetail {
			continue
		}

		line := " [" + strconv.Itoa(ev.Chunk) + "] " + detail
		if len(line) > budget {
			break
		}
		budget -= len(line)
		kept = append(kept, line)
	}

	var b strings.Builder
	b.WriteString(header)
	for i := len(kept) - 1; i >= 0; i-- {
		b.WriteString(kept[i])
	}

	m.Summary = truncate(b.String(), c.MaxSummaryLen)
}

// truncate hard-caps s at max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
