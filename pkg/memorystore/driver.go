// Package memorystore persists per-job character memory.
//
// Three logical records exist per job: the character memory index (the
// authoritative state; losing it corrupts every later chunk's
// resolution), the prompt memory projection (a best-effort cache, safe to
// lose), and the per-chunk extraction cache that makes interrupted jobs
// cheap to resume.
//
// Drivers are pluggable via configuration:
//
//	[storage]
//	provider = "sqlite"   # or "postgres", "inmemory"
package memorystore

import (
	"context"

	"github.com/inkstonelab/koma/pkg/extract"
	"github.com/inkstonelab/koma/pkg/identity"
)

// Driver is the read/write contract of the durable backend. Writes are
// per-job overwrite style; no cross-job locking is required.
type Driver interface {
	// LoadCharacterMemory returns the persisted index for a job, or
	// ErrNotFound when no checkpoint exists.
	LoadCharacterMemory(ctx context.Context, jobID string) (*identity.Index, error)

	// SaveCharacterMemory overwrites the persisted index for a job.
	SaveCharacterMemory(ctx context.Context, jobID string, index *identity.Index) error

	// LoadPromptMemory returns the persisted prompt memory projection,
	// or ErrNotFound. Absence is not an error condition for the caller:
	// the projection can always be rebuilt from the index.
	LoadPromptMemory(ctx context.Context, jobID string) (string, error)

	// SavePromptMemory overwrites the prompt memory projection.
	SavePromptMemory(ctx context.Context, jobID string, promptMemory string) error

	// LoadChunkCache returns the cached, validated extraction result for
	// a chunk, or ErrNotFound.
	LoadChunkCache(ctx context.Context, jobID string, chunkIndex int) (*extract.Result, error)

	// SaveChunkCache stores a validated extraction result for a chunk.
	SaveChunkCache(ctx context.Context, jobID string, chunkIndex int, result *extract.Result) error

	// Reset discards everything persisted for a job, equivalent to
	// starting over.
	Reset(ctx context.Context, jobID string) error

	// Close releases backend resources.
	Close() error
}

// ErrNotFound is returned when a record doesn't exist in the store.
type ErrNotFound struct {
	Key string
}

func (e ErrNotFound) Error() string {
	if e.Key == "" {
		return "record not found"
	}

	return "record not found: " + e.Key
}
