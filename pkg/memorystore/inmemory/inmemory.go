// Package inmemory provides an in-memory memorystore.Driver used by tests
// and throwaway runs. Records are deep-copied through their JSON form on
// both save and load so callers never share mutable state with the store.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/inkstonelab/koma/pkg/extract"
	"github.com/inkstonelab/koma/pkg/identity"
	"github.com/inkstonelab/koma/pkg/memorystore"
)

// Driver implements memorystore.Driver using in-process maps.
type Driver struct {
	mu sync.RWMutex

	// memories maps job id -> serialized character memory index.
	memories map[string][]byte

	// prompts maps job id -> prompt memory projection.
	prompts map[string]string

	// caches maps job id / chunk index -> serialized extraction result.
	caches map[string][]byte
}

// NewDriver creates an empty in-memory store.
func NewDriver() *Driver {
	return &Driver{
		memories: make(map[string][]byte),
		prompts:  make(map[string]string),
		caches:   make(map[string][]byte),
	}
}

func cacheKey(jobID string, chunkIndex int) string {
	return jobID + "/" + strconv.Itoa(chunkIndex)
}

// LoadCharacterMemory returns the persisted index for a job.
func (d *Driver) LoadCharacterMemory(_ context.Context, jobID string) (*identity.Index, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	data, ok := d.memories[jobID]
	if !ok {
		return nil, memorystore.ErrNotFound{Key: jobID}
	}

	index := identity.NewIndex()
	if err := json.Unmarshal(data, index); err != nil {
		return nil, fmt.Errorf("decoding character memory: %w", err)
	}

	return index, nil
}

// SaveCharacterMemory overwrites the persisted index for a job.
func (d *Driver) SaveCharacterMemory(_ context.Context, jobID string, index *identity.Index) error {
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("encoding character memory: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.memories[jobID] = data
	return nil
}

// LoadPromptMemory returns the persisted prompt memory projection.
func (d *Driver) LoadPromptMemory(_ context.Context, jobID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	prompt, ok := d.prompts[jobID]
	if !ok {
		return "", memorystore.ErrNotFound{Key: jobID}
	}

	return prompt, nil
}

// SavePromptMemory overwrites the prompt memory projection.
func (d *Driver) SavePromptMemory(_ context.Context, jobID string, promptMemory string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.prompts[jobID] = promptMemory
	return nil
}

// LoadChunkCache returns the cached extraction result for a chunk.
func (d *Driver) LoadChunkCache(_ context.Context, jobID string, chunkIndex int) (*extract.Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	data, ok := d.caches[cacheKey(jobID, chunkIndex)]
	if !ok {
		return nil, memorystore.ErrNotFound{Key: cacheKey(jobID, chunkIndex)}
	}

	var result extract.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding chunk cache: %w", err)
	}

	return &result, nil
}

// SaveChunkCache stores a validated extraction result for a chunk.
func (d *Driver) SaveChunkCache(_ context.Context, jobID string, chunkIndex int, result *extract.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding chunk cache: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.caches[cacheKey(jobID, chunkIndex)] = data
	return nil
}

// Reset discards everything persisted for a job.
func (d *Driver) Reset(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.memories, jobID)
	delete(d.prompts, jobID)

	prefix := jobID + "/"
	for key := range d.caches {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(d.caches, key)
		}
	}

	return nil
}

// Close is a no-op for the in-memory driver.
func (d *Driver) Close() error {
	return nil
}
