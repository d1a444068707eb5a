// Package identity maintains stable character identity across the chunks of
// a document.
//
// The extraction step sees each chunk independently, so the same character
// resurfaces under different names, pronouns, or chunk-local temporary ids.
// The [Index] is the per-job memory of every character seen so far; the
// [Resolver] decides, chunk by chunk, whether a freshly extracted character
// is new or a recurrence, and produces the temp-ref → stable-id mapping the
// pipeline uses to rewrite events and dialogue speakers.
//
// An Index is owned by exactly one job and is not safe for concurrent use.
// Jobs for different documents each get their own Index, which is what
// allows them to run in parallel.
package identity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// IDPrefix is the prefix of every stable character id.
const IDPrefix = "char_"

// Event is one timeline entry of a character: something that happened to or
// was done by the character in a given chunk.
type Event struct {
	Chunk  int    `json:"chunk"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// CharacterMemory is everything remembered about one character.
// Names holds every surface form observed, in first-seen order; the first
// entry is the canonical name. Timeline is append-only and chronological by
// chunk. Summary is the condensed biography maintained by the Compactor.
type CharacterMemory struct {
	ID                   string   `json:"id"`
	Names                []string `json:"names"`
	FirstAppearanceChunk int      `json:"first_appearance_chunk"`
	LastSeenChunk        int      `json:"last_seen_chunk"`
	Timeline             []Event  `json:"timeline"`
	Summary              string   `json:"summary"`
}

// HasName reports whether the given surface form is already attached.
func (m *CharacterMemory) HasName(name string) bool {
	for _, n := range m.Names {
		if n == name {
			return true
		}
	}
	return false
}

// CanonicalName returns the primary surface form (first name observed).
func (m *CharacterMemory) CanonicalName() string {
	if len(m.Names) == 0 {
		return m.ID
	}
	return m.Names[0]
}

// Index is the character memory of one job: stable id → memory record, plus
// the derived alias index (surface form → stable id) and the monotonic id
// counter. The alias index is never persisted on its own; it is rebuilt
// from the records on load.
type Index struct {
	characters map[string]*CharacterMemory
	aliases    map[string]string
	nextID     int
}

// NewIndex creates an empty index. The id counter starts at 1 so the first
// character of a job is char_1.
func NewIndex() *Index {
	return &Index{
		characters: make(map[string]*CharacterMemory),
		aliases:    make(map[string]string),
		nextID:     1,
	}
}

// Len returns the number of known characters.
func (x *Index) Len() int {
	return len(x.characters)
}

// Character returns the memory record for a stable id.
func (x *Index) Character(id string) (*CharacterMemory, bool) {
	m, ok := x.characters[id]
	return m, ok
}

// Lookup resolves a surface form to a stable id via the alias index.
// Lookups are case-sensitive: the extraction step emits surface forms
// verbatim, and "rose" the flower is not "Rose" the person.
func (x *Index) Lookup(name string) (string, bool) {
	id, ok := x.aliases[name]
	return id, ok
}

// allocate creates a new character with the next stable id.
func (x *Index) allocate(firstChunk int) *CharacterMemory {
	id := IDPrefix + strconv.Itoa(x.nextID)
	x.nextID++

	m := &CharacterMemory{
		ID:                   id,
		FirstAppearanceChunk: firstChunk,
		LastSeenChunk:        firstChunk,
	}
	x.characters[id] = m

	return m
}

// attachName registers a surface form for a character in both the record
// and the alias index. Returns false without mutating anything when the
// name already belongs to a different character: aliases are bijective on
// write, and an established owner keeps its name.
func (x *Index) attachName(m *CharacterMemory, name string) bool {
	if name == "" {
		return false
	}

	if owner, ok := x.aliases[name]; ok {
		return owner == m.ID
	}

	x.aliases[name] = m.ID
	m.Names = append(m.Names, name)

	return true
}

// RecordEvent appends an event to a character's timeline and advances its
// last-seen chunk. Recording is idempotent per (chunk, kind, detail):
// replaying a cached chunk after a resume must not duplicate timeline
// entries.
func (x *Index) RecordEvent(id string, ev Event) bool {
	m, ok := x.characters[id]
	if !ok {
		return false
	}

	for i := len(m.Timeline) - 1; i >= 0; i-- {
		prev := m.Timeline[i]
		if prev.Chunk < ev.Chunk {
			break
		}
		if prev == ev {
			return false
		}
	}

	m.Timeline = append(m.Timeline, ev)
	if ev.Chunk > m.LastSeenChunk {
		m.LastSeenChunk = ev.Chunk
	}

	return true
}

// Touch advances a character's last-seen chunk without recording an event.
func (x *Index) Touch(id string, chunk int) {
	if m, ok := x.characters[id]; ok && chunk > m.LastSeenChunk {
		m.LastSeenChunk = chunk
	}
}

// RosterEntry is the read-only projection of one character used by job
// results and the memory dump operation.
type RosterEntry struct {
	ID            string   `json:"id"`
	CanonicalName string   `json:"canonical_name"`
	Aliases       []string `json:"aliases"`
	FirstSeen     int      `json:"first_seen_chunk"`
	LastSeen      int      `json:"last_seen_chunk"`
	Summary       string   `json:"summary"`
}

// Roster returns all characters ordered by stable id number.
func (x *Index) Roster() []RosterEntry {
	entries := make([]RosterEntry, 0, len(x.characters))
	for _, m := range x.characters {
		entries = append(entries, RosterEntry{
			ID:            m.ID,
			CanonicalName: m.CanonicalName(),
			Aliases:       append([]string(nil), m.Names...),
			FirstSeen:     m.FirstAppearanceChunk,
			LastSeen:      m.LastSeenChunk,
			Summary:       m.Summary,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return idNumber(entries[i].ID) < idNumber(entries[j].ID)
	})

	return entries
}

func idNumber(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, IDPrefix))
	return n
}

// indexPayload is the serialized form of an Index. The alias index is
// deliberately absent: it is derived state, rebuilt on load.
type indexPayload struct {
	Characters map[string]*CharacterMemory `json:"characters"`
	NextID     int                         `json:"next_id"`
}

// MarshalJSON serializes the characters and the id counter.
func (x *Index) MarshalJSON() ([]byte, error) {
	return json.Marshal(indexPayload{
		Characters: x.characters,
		NextID:     x.nextID,
	})
}

// UnmarshalJSON restores an Index and rebuilds the alias index from the
// character records.
func (x *Index) UnmarshalJSON(data []byte) error {
	var payload indexPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decoding character memory: %w", err)
	}

	x.characters = payload.Characters
	if x.characters == nil {
		x.characters = make(map[string]*CharacterMemory)
	}
	x.nextID = payload.NextID
	if x.nextID < 1 {
		x.nextID = 1
	}

	x.aliases = make(map[string]string)
	for id, m := range x.characters {
		m.ID = id
		for _, name := range m.Names {
			if _, taken := x.aliases[name]; !taken {
				x.aliases[name] = id
			}
		}
	}

	return nil
}
