// Package speaker attributes dialogue lines whose speaker the extraction
// step left ambiguous.
//
// Three heuristics compete per line, each producing a confidence score:
// nearest preceding character mention, a said/asked/replied attribution
// pattern, and continuation of the previous confident speaker. The
// highest-scoring candidate wins, and only a winner at or above the
// configured threshold is applied; otherwise the line stays unknown.
// Resolution itself is side-effect free: the caller applies the returned
// records by rewriting dialogue speaker fields.
package speaker

import (
	"regexp"
	"sort"
	"strings"

	"github.com/inkstonelab/koma/pkg/extract"
)

// Heuristic names, reported on each resolution for auditing.
const (
	HeuristicProximity    = "proximity"
	HeuristicVerbPattern  = "verb_pattern"
	HeuristicContinuation = "last_speaker"
)

// Confidence constants of the model. Proximity decays linearly from
// proximityBase down to proximityBase-proximityDecay across the window;
// the verb pattern and continuation heuristics score fixed values.
const (
	proximityBase      = 0.9
	proximityDecay     = 0.4
	verbConfidence     = 0.85
	continueConfidence = 0.6
)

// Config tunes the resolver.
type Config struct {
	// ProximityWindow is how far back (in bytes of chunk text) the
	// proximity heuristic looks for a character mention.
	ProximityWindow int `json:"proximity_window"`

	// EnableVerbPatterns toggles the said/asked/replied heuristic.
	EnableVerbPatterns bool `json:"enable_verb_patterns"`

	// AttributionVerbs lists extra verb forms matched as literal
	// substrings next to a mention, for prose in languages the built-in
	// English and Japanese forms do not cover.
	AttributionVerbs []string `json:"attribution_verbs"`

	// EnableLastSpeaker toggles the continuation heuristic.
	EnableLastSpeaker bool `json:"enable_last_speaker"`

	// MinConfidenceThreshold gates resolution: a candidate below the
	// threshold leaves the line unattributed.
	MinConfidenceThreshold float64 `json:"min_confidence_threshold"`
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		ProximityWindow:        200,
		EnableVerbPatterns:     true,
		EnableLastSpeaker:      true,
		MinConfidenceThreshold: 0.55,
	}
}

// Character is one character visible in the chunk: its stable id and every
// surface form it may be mentioned under.
type Character struct {
	ID    string
	Names []string
}

// Resolution is the outcome for one dialogue line. Speaker is empty when no
// candidate cleared the threshold; Confidence and Heuristic describe the
// winning (or best losing) candidate.
type Resolution struct {
	Line       int
	Speaker    string
	Confidence float64
	Heuristic  string
}

// Stats aggregates a chunk's resolution outcomes.
type Stats struct {
	Total          int `json:"total"`
	AlreadyKnown   int `json:"already_known"`
	ByProximity    int `json:"by_proximity"`
	ByVerbPattern  int `json:"by_verb_pattern"`
	ByContinuation int `json:"by_continuation"`
	Unknown        int `json:"unknown"`
}

// Resolved returns how many lines gained a speaker from the heuristics.
func (s Stats) Resolved() int {
	return s.ByProximity + s.ByVerbPattern + s.ByContinuation
}

// attributionVerbs matches an English speech-attribution verb.
var attributionVerbs = regexp.MustCompile(`\b(said|says|asked|asks|replied|replies|answered|shouted|whispered|muttered|exclaimed|called|cried|continued|added)\b`)

// japaneseAttributionVerbs are common surface forms of Japanese speech
// verbs. They are matched as plain substrings: \b word boundaries are
// meaningless in CJK text, which has no spaces between words.
var japaneseAttributionVerbs = []string{
	"言った", "言う", "尋ねた", "聞いた", "答えた", "叫んだ", "続けた", "つぶやいた", "ささやいた",
}

// mention is one occurrence of a character name in the chunk text.
type mention struct {
	pos  int
	end  int
	id   string
	name string
}

// Resolver resolves unknown speakers within one chunk.
type Resolver struct {
	config Config
}

// NewResolver creates a resolver with the given config; a zero config gets
// defaults applied.
func NewResolver(config Config) *Resolver {
	if config.ProximityWindow <= 0 {
		config.ProximityWindow = DefaultConfig().ProximityWindow
	}
	if config.MinConfidenceThreshold <= 0 {
		config.MinConfidenceThreshold = DefaultConfig().MinConfidenceThreshold
	}
	return &Resolver{config: config}
}

// ResolveChunk evaluates every dialogue line of the chunk and returns one
// resolution per line that lacked a confident speaker, plus aggregate
// stats. Dialogues must already be rewritten to stable ids; lines whose
// speaker is anything but the unknown sentinel are counted and skipped.
func (r *Resolver) ResolveChunk(text string, dialogues []extract.Dialogue, characters []Character) ([]Resolution, Stats) {
	stats := Stats{Total: len(dialogues)}
	mentions := findMentions(text, characters)

	var resolutions []Resolution
	lastSpeaker := ""
	lastEnd := -1

	for i, d := range dialogues {
		if d.Speaker != "" && d.Speaker != extract.SpeakerUnknown {
			stats.AlreadyKnown++
			lastSpeaker = d.Speaker
			lastEnd = d.Start + len(d.Text)
			continue
		}

		best := r.bestCandidate(text, d, mentions, lastSpeaker, lastEnd)
		best.Line = i

		if best.Speaker != "" && best.Confidence >= r.config.MinConfidenceThreshold {
			switch best.Heuristic {
			case HeuristicProximity:
				stats.ByProximity++
			case HeuristicVerbPattern:
				stats.ByVerbPattern++
			case HeuristicContinuation:
				stats.ByContinuation++
			}
			lastSpeaker = best.Speaker
		} else {
			best.Speaker = ""
			stats.Unknown++
			lastSpeaker = ""
		}

		lastEnd = d.Start + len(d.Text)
		resolutions = append(resolutions, best)
	}

	return resolutions, stats
}

// bestCandidate runs the enabled heuristics and keeps the highest scorer.
func (r *Resolver) bestCandidate(text string, d extract.Dialogue, mentions []mention, lastSpeaker string, lastEnd int) Resolution {
	var best Resolution

	if id, conf := r.byProximity(d.Start, mentions); conf > best.Confidence {
		best = Resolution{Speaker: id, Confidence: conf, Heuristic: HeuristicProximity}
	}

	if r.config.EnableVerbPatterns {
		if id, conf := r.byVerbPattern(text, d.Start, mentions); conf > best.Confidence {
			best = Resolution{Speaker: id, Confidence: conf, Heuristic: HeuristicVerbPattern}
		}
	}

	if r.config.EnableLastSpeaker {
		if id, conf := r.byContinuation(d.Start, mentions, lastSpeaker, lastEnd); conf > best.Confidence {
			best = Resolution{Speaker: id, Confidence: conf, Heuristic: HeuristicContinuation}
		}
	}

	return best
}

// byProximity scores the nearest mention before the line, bounded by the
// window; confidence decays linearly with distance.
func (r *Resolver) byProximity(start int, mentions []mention) (string, float64) {
	window := r.config.ProximityWindow

	var nearest *mention
	for i := range mentions {
		m := mentions[i]
		if m.end > start {
			break
		}
		if start-m.end <= window {
			nearest = &mentions[i]
		}
	}

	if nearest == nil {
		return "", 0
	}

	dist := start - nearest.end
	conf := proximityBase - proximityDecay*float64(dist)/float64(window)

	return nearest.id, conf
}

// byVerbPattern looks for an attribution clause naming a character in the
// text just before the line ("..., Taro said", "Hana asked: ...").
func (r *Resolver) byVerbPattern(text string, start int, mentions []mention) (string, float64) {
	window := r.config.ProximityWindow
	lo := start - window
	if lo < 0 {
		lo = 0
	}

	for i := len(mentions) - 1; i >= 0; i-- {
		m := mentions[i]
		if m.end > start || m.pos < lo {
			continue
		}

		// Verb adjacent to the mention, either side.
		before := clause(text, m.pos-24, m.pos)
		after := clause(text, m.end, m.end+24)
		if r.matchVerb(after) || r.matchVerb(before) {
			return m.id, verbConfidence
		}
	}

	return "", 0
}

// matchVerb reports whether the clause contains a speech-attribution
// verb in any recognized form, built-in or configured.
func (r *Resolver) matchVerb(s string) bool {
	if s == "" {
		return false
	}
	if attributionVerbs.MatchString(s) {
		return true
	}
	for _, v := range japaneseAttributionVerbs {
		if strings.Contains(s, v) {
			return true
		}
	}
	for _, v := range r.config.AttributionVerbs {
		if v != "" && strings.Contains(s, v) {
			return true
		}
	}
	return false
}

// byContinuation continues the previous confident speaker when no other
// character is mentioned in the intervening narration.
func (r *Resolver) byContinuation(start int, mentions []mention, lastSpeaker string, lastEnd int) (string, float64) {
	if lastSpeaker == "" || lastEnd < 0 || lastEnd > start {
		return "", 0
	}

	for _, m := range mentions {
		if m.pos >= lastEnd && m.end <= start && m.id != lastSpeaker {
			return "", 0
		}
	}

	return lastSpeaker, continueConfidence
}

// findMentions locates every occurrence of every known surface form in the
// chunk text, ordered by position. Overlapping mentions keep the longest
// name (so "Taro Yamada" wins over "Taro" at the same position).
func findMentions(text string, characters []Character) []mention {
	var mentions []mention

	for _, ch := range characters {
		for _, name := range ch.Names {
			if name == "" {
				continue
			}
			for from := 0; ; {
				idx := strings.Index(text[from:], name)
				if idx < 0 {
					break
				}
				pos := from + idx
				mentions = append(mentions, mention{pos: pos, end: pos + len(name), id: ch.ID, name: name})
				from = pos + len(name)
			}
		}
	}

	// Order by position; longer mention first on ties.
	sort.Slice(mentions, func(i, j int) bool {
		if mentions[i].pos != mentions[j].pos {
			return mentions[i].pos < mentions[j].pos
		}
		return len(mentions[i].name) > len(mentions[j].name)
	})

	// Drop shorter mentions fully covered by an earlier, longer one.
	var kept []mention
	coveredTo := -1
	for _, m := range mentions {
		if m.end <= coveredTo {
			continue
		}
		kept = append(kept, m)
		if m.end > coveredTo {
			coveredTo = m.end
		}
	}

	return kept
}

// clause returns the text slice [lo,hi) clamped to bounds.
func clause(text string, lo, hi int) string {
	if lo < 0 {
		lo = 0
	}
	if hi > len(text) {
		hi = len(text)
	}
	if lo >= hi {
		return ""
	}
	return text[lo:hi]
}
