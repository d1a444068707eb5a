package pipeline

import (
	"github.com/inkstonelab/koma/pkg/extract"
	"github.com/inkstonelab/koma/pkg/identity"
	"github.com/inkstonelab/koma/pkg/speaker"
)

// ChunkOutcome is the per-chunk entry of a job result. Extraction is nil
// for failed chunks; downstream consumers use the per-chunk flags to decide
// whether overall quality is acceptable.
type ChunkOutcome struct {
	Index      int             `json:"index"`
	Failed     bool            `json:"failed"`
	FromCache  bool            `json:"from_cache"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	Extraction *extract.Result `json:"extraction"`

	NewCharacters    int           `json:"new_characters"`
	ReusedCharacters int           `json:"reused_characters"`
	Collisions       int           `json:"collisions"`
	Warnings         int           `json:"warnings"`
	Speakers         speaker.Stats `json:"speakers"`
}

// Metrics aggregates quality numbers across the whole job.
type Metrics struct {
	ChunksTotal  int `json:"chunks_total"`
	ChunksFailed int `json:"chunks_failed"`

	AvgCharactersPerChunk float64 `json:"avg_characters_per_chunk"`
	AvgEventsPerChunk     float64 `json:"avg_events_per_chunk"`
	AvgDialoguesPerChunk  float64 `json:"avg_dialogues_per_chunk"`

	// SpeakerResolutionRate is resolved ambiguous lines over all
	// ambiguous lines; UnknownSpeakerRate is lines left unknown over all
	// dialogue lines.
	SpeakerResolutionRate float64 `json:"speaker_resolution_rate"`
	UnknownSpeakerRate    float64 `json:"unknown_speaker_rate"`
}

// Result is the job-level outcome exposed to callers.
type Result struct {
	JobID   string                 `json:"job_id"`
	Chunks  []ChunkOutcome         `json:"chunks"`
	Roster  []identity.RosterEntry `json:"roster"`
	Metrics Metrics                `json:"metrics"`
}

// buildMetrics folds the chunk outcomes into job-level quality numbers.
func buildMetrics(outcomes []ChunkOutcome) Metrics {
	m := Metrics{ChunksTotal: len(outcomes)}

	var succeeded, characters, events, dialogues int
	var ambiguous, resolved, unknown int

	for _, o := range outcomes {
		if o.Failed {
			m.ChunksFailed++
			continue
		}
		succeeded++

		if o.Extraction != nil {
			characters += len(o.Extraction.Characters)
			events += len(o.Extraction.Events)
			dialogues += len(o.Extraction.Dialogues)
		}

		resolved += o.Speakers.Resolved()
		unknown += o.Speakers.Unknown
		ambiguous += o.Speakers.Resolved() + o.Speakers.Unknown
	}

	if succeeded > 0 {
		m.AvgCharactersPerChunk = float64(characters) / float64(succeeded)
		m.AvgEventsPerChunk = float64(events) / float64(succeeded)
		m.AvgDialoguesPerChunk = float64(dialogues) / float64(succeeded)
	}
	if ambiguous > 0 {
		m.SpeakerResolutionRate = float64(resolved) / float64(ambiguous)
	}
	if dialogues > 0 {
		m.UnknownSpeakerRate = float64(unknown) / float64(dialogues)
	}

	return m
}
