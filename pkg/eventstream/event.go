// Package eventstream publishes pipeline lifecycle events for downstream
// consumers (rendering, export, quality dashboards). Publishing is
// best-effort: a failed publish is logged by the caller, never fails a
// chunk.
package eventstream

import "time"

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeChunkProcessed is emitted after a chunk's memory state has
	// been persisted.
	EventTypeChunkProcessed = "koma.chunk.processed"

	// EventTypeChunkFailed is emitted when a chunk exhausts its retry
	// budget and is marked failed.
	EventTypeChunkFailed = "koma.chunk.failed"

	// EventTypeJobCompleted is emitted once after the last chunk.
	EventTypeJobCompleted = "koma.job.completed"
)

// ChunkEvent is a transport-neutral event payload for one chunk outcome.
type ChunkEvent struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EmittedAt     time.Time `json:"emitted_at"`
	JobID         string    `json:"job_id"`
	ChunkIndex    int       `json:"chunk_index"`
	Attempts      int       `json:"attempts,omitempty"`
	Error         string    `json:"error,omitempty"`

	// Counts describes what the chunk contributed, for quality auditing.
	Counts ChunkCounts `json:"counts"`
}

// ChunkCounts captures per-chunk resolution statistics.
type ChunkCounts struct {
	Characters      int `json:"characters"`
	NewCharacters   int `json:"new_characters"`
	Events          int `json:"events"`
	Dialogues       int `json:"dialogues"`
	SpeakersUnknown int `json:"speakers_unknown"`
}
