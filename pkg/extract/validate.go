package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnusable marks an extraction result that is structurally unusable
// (missing required arrays, unparseable JSON). The pipeline treats it like
// an extraction failure and retries the chunk.
var ErrUnusable = errors.New("extraction result structurally unusable")

// Warning is a non-fatal validation finding. The chunk proceeds with
// best-effort data; warnings are logged for quality auditing.
type Warning struct {
	Field  string
	Detail string
}

func (w Warning) String() string {
	return w.Field + ": " + w.Detail
}

// resultEnvelope mirrors Result with pointer slices so a missing array can
// be told apart from a present-but-empty one.
type resultEnvelope struct {
	Characters *[]Character `json:"characters"`
	Events     *[]Event     `json:"character_events"`
	Dialogues  *[]Dialogue  `json:"dialogues"`
}

// ParseResult decodes a raw collaborator payload. Markdown code fences are
// stripped first since chat models habitually wrap JSON in them. A payload
// missing any of the three required arrays is unusable.
func ParseResult(data []byte) (*Result, error) {
	payload := stripCodeFence(string(data))

	var env resultEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnusable, err)
	}

	if env.Characters == nil || env.Events == nil || env.Dialogues == nil {
		return nil, fmt.Errorf("%w: missing required arrays", ErrUnusable)
	}

	return &Result{
		Characters: *env.Characters,
		Events:     *env.Events,
		Dialogues:  *env.Dialogues,
	}, nil
}

// Validate checks a parsed result against the chunk it was extracted from
// and normalizes it in place. Findings that do not make the result unusable
// are returned as warnings: the offending entry is dropped or clamped and
// the chunk proceeds with best-effort data.
//
// Normalizations applied:
//   - characters with an empty name or duplicate temp id are dropped
//   - dialogue offsets outside [0, len(text)] are clamped to bounds
//   - dialogues with empty text are dropped
//   - empty speaker references become the unknown sentinel
func Validate(res *Result, textLen int) []Warning {
	var warnings []Warning

	seen := make(map[string]bool, len(res.Characters))
	characters := res.Characters[:0]
	for _, ch := range res.Characters {
		if strings.TrimSpace(ch.Name) == "" {
			warnings = append(warnings, Warning{Field: "characters", Detail: "dropped character with empty name"})
			continue
		}
		if ch.TempID != "" && seen[ch.TempID] {
			warnings = append(warnings, Warning{Field: "characters", Detail: "dropped duplicate temp id " + ch.TempID})
			continue
		}
		seen[ch.TempID] = true
		characters = append(characters, ch)
	}
	res.Characters = characters

	events := res.Events[:0]
	for _, ev := range res.Events {
		if strings.TrimSpace(ev.Character) == "" {
			warnings = append(warnings, Warning{Field: "character_events", Detail: "dropped event with no character reference"})
			continue
		}
		events = append(events, ev)
	}
	res.Events = events

	dialogues := res.Dialogues[:0]
	for _, d := range res.Dialogues {
		if strings.TrimSpace(d.Text) == "" {
			warnings = append(warnings, Warning{Field: "dialogues", Detail: "dropped dialogue with empty text"})
			continue
		}
		if d.Start < 0 || d.Start > textLen {
			warnings = append(warnings, Warning{
				Field:  "dialogues",
				Detail: fmt.Sprintf("offset %d outside chunk bounds [0,%d], clamped", d.Start, textLen),
			})
			if d.Start < 0 {
				d.Start = 0
			} else {
				d.Start = textLen
			}
		}
		if strings.TrimSpace(d.Speaker) == "" {
			d.Speaker = SpeakerUnknown
		}
		dialogues = append(dialogues, d)
	}
	res.Dialogues = dialogues

	return warnings
}

// stripCodeFence removes a surrounding markdown code fence, if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")

	return strings.TrimSpace(s)
}
