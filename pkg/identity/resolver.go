package identity

import (
	"strings"

	"github.com/inkstonelab/koma/pkg/extract"
)

// Mapping is the per-chunk, throwaway mapping from a chunk-local temporary
// reference to a stable id. It is consumed immediately to rewrite every
// character reference the chunk's extraction emitted, then discarded.
type Mapping map[string]string

// Resolve translates a character reference through the mapping. Stable ids
// and unknown references pass through unchanged, so event subjects that
// already carry a stable id (fed back via prompt memory) survive rewriting.
func (m Mapping) Resolve(ref string) string {
	if id, ok := m[ref]; ok {
		return id
	}
	return ref
}

// Collision records an incoming alias set that matched more than one
// pre-existing character, for quality auditing. The resolver never merges
// the pre-existing characters; the primary-name match wins and the losing
// aliases stay with their owners.
type Collision struct {
	TempID   string
	Name     string
	ChosenID string
	OtherIDs []string
}

// ResolveOutcome reports what a chunk's identity resolution did.
type ResolveOutcome struct {
	Mapping    Mapping
	New        int
	Reused     int
	Collisions []Collision
}

// Resolver assigns stable identities to freshly extracted characters.
// It mutates the Index in place; resolution has no error conditions and
// always produces a full mapping (worst case, everything is new).
//
// Resolution is idempotent: running the same chunk's extraction against the
// resulting index again reuses every identity and allocates nothing.
type Resolver struct {
	index *Index
}

// NewResolver creates a resolver over the given index.
func NewResolver(index *Index) *Resolver {
	return &Resolver{index: index}
}

// ResolveChunk maps every extracted character of chunk i to a stable id.
//
// Per character: if exactly one existing identity matches any of its names,
// it is reused and new aliases are merged in. If none match, a new identity
// is allocated. If several distinct identities match different names, the
// one matching the primary name is preferred (falling back to the first
// alias match) and the collision is reported rather than silently merging
// pre-existing characters.
func (r *Resolver) ResolveChunk(chunkIndex int, characters []extract.Character) ResolveOutcome {
	outcome := ResolveOutcome{Mapping: make(Mapping, len(characters))}

	for _, ch := range characters {
		names := surfaceForms(ch)
		if len(names) == 0 {
			continue
		}

		matched := r.matchIdentities(names)

		var m *CharacterMemory
		switch {
		case len(matched) == 0:
			m = r.index.allocate(chunkIndex)
			outcome.New++

		case len(matched) == 1:
			m, _ = r.index.Character(matched[0])
			outcome.Reused++

		default:
			chosen := r.preferPrimary(names[0], matched)
			m, _ = r.index.Character(chosen)
			outcome.Reused++
			outcome.Collisions = append(outcome.Collisions, Collision{
				TempID:   ch.TempID,
				Name:     names[0],
				ChosenID: chosen,
				OtherIDs: without(matched, chosen),
			})
		}

		for _, name := range names {
			r.index.attachName(m, name)
		}
		r.index.Touch(m.ID, chunkIndex)

		if ch.TempID != "" {
			outcome.Mapping[ch.TempID] = m.ID
		}
		// The primary name itself resolves to the id as well; extraction
		// output occasionally references characters by name instead of
		// temp id.
		if _, taken := outcome.Mapping[names[0]]; !taken {
			outcome.Mapping[names[0]] = m.ID
		}
	}

	return outcome
}

// matchIdentities returns the distinct stable ids matching any of the given
// surface forms, in surface-form order.
func (r *Resolver) matchIdentities(names []string) []string {
	var matched []string
	seen := make(map[string]bool)

	for _, name := range names {
		if id, ok := r.index.Lookup(name); ok && !seen[id] {
			seen[id] = true
			matched = append(matched, id)
		}
	}

	return matched
}

// preferPrimary picks the identity owning the primary name, falling back to
// the first match when even the primary name is ambiguous or unmatched.
func (r *Resolver) preferPrimary(primary string, matched []string) string {
	if id, ok := r.index.Lookup(primary); ok {
		return id
	}
	return matched[0]
}

// surfaceForms returns the character's primary name followed by its
// aliases, trimmed, deduplicated, empty forms dropped.
func surfaceForms(ch extract.Character) []string {
	var names []string
	seen := make(map[string]bool)

	for _, name := range append([]string{ch.Name}, ch.Aliases...) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	return names
}

func without(ids []string, drop string) []string {
	var rest []string
	for _, id := range ids {
		if id != drop {
			rest = append(rest, id)
		}
	}
	return rest
}
