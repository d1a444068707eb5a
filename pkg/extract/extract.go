// Package extract defines the boundary to the external extraction
// collaborator: the text-generation call that turns one chunk of prose into
// structured characters, character events, and dialogue lines.
//
// The collaborator is a black box that may time out or return malformed
// output. Everything downstream of [Extractor] only ever sees a
// [Result] that has passed [Validate]; the pipeline never hands an
// unvalidated payload to the identity or speaker resolvers.
//
// Character references inside a result are chunk-local temporary ids
// (e.g. "temp_3"); they are meaningless outside the chunk and are rewritten
// to stable ids by the identity resolver before anything is recorded.
package extract

import "context"

// SpeakerUnknown is the sentinel speaker reference for a dialogue line the
// extraction step could not attribute.
const SpeakerUnknown = "unknown"

// Character is one character surfaced by the extraction step, carrying a
// chunk-local temporary reference and every surface form observed.
type Character struct {
	TempID  string   `json:"temp_id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
	Role    string   `json:"role,omitempty"`
}

// Event is a narrative event attributed to a character. Character holds a
// temporary reference from this chunk or an already-stable id carried in via
// prompt memory.
type Event struct {
	Character string `json:"character"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
}

// Dialogue is a spoken line with its start offset into the chunk text.
// Speaker is a character reference or [SpeakerUnknown].
type Dialogue struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Start   int    `json:"start"`
}

// Result is one chunk's extraction output.
type Result struct {
	Characters []Character `json:"characters"`
	Events     []Event     `json:"character_events"`
	Dialogues  []Dialogue  `json:"dialogues"`
}

// Request carries one chunk plus its context to the extraction collaborator.
// PrevText and NextText are the immediate neighbor chunks (empty at document
// edges). PromptMemory is the condensed character roster from prior chunks.
type Request struct {
	ChunkIndex   int
	Text         string
	PrevText     string
	NextText     string
	PromptMemory string
}

// Extractor performs the external extraction call for one chunk.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Result, error)
}

// Func adapts an ordinary function to the Extractor interface.
type Func func(ctx context.Context, req Request) (*Result, error)

func (f Func) Extract(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}
