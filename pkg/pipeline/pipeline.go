// Package pipeline drives the per-chunk processing cycle of one job:
// load-cache → extract → validate → resolve identities → resolve speakers →
// record events → compact → persist → advance.
//
// Chunks are processed strictly sequentially in document order: each
// chunk's resolution reads and mutates the memory index left by the
// previous chunk, so chunks of one job must never run concurrently.
// Different jobs own separate indexes and are fully independent.
//
// The persistence ordering is what makes a job resumable: memory state and
// the chunk's extraction cache are written before advancing, so a process
// killed between persist and advance replays the chunk from cache on the
// next run, and every resolution step is idempotent under replay.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/inkstonelab/koma/pkg/chunk"
	"github.com/inkstonelab/koma/pkg/eventstream"
	"github.com/inkstonelab/koma/pkg/eventstream/nop"
	"github.com/inkstonelab/koma/pkg/extract"
	"github.com/inkstonelab/koma/pkg/identity"
	"github.com/inkstonelab/koma/pkg/memorystore"
	"github.com/inkstonelab/koma/pkg/speaker"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 500 * time.Millisecond
)

// Config is the configuration options for a pipeline.
type Config struct {
	// Store is the durable backend for character memory. Required.
	Store memorystore.Driver

	// Extractor is the external extraction collaborator. Required.
	Extractor extract.Extractor

	// Events is the optional chunk event publisher (defaults to nop).
	Events eventstream.Publisher

	// Logger is the provided zap logger (defaults to zap.NewNop()).
	Logger *zap.Logger

	// Speaker tunes the speaker resolver.
	Speaker speaker.Config

	// MaxSummaryLen bounds per-character summaries (compactor).
	MaxSummaryLen int

	// PromptMemoryLimit bounds the prompt memory projection in bytes.
	PromptMemoryLimit int

	// MaxAttempts is the extraction retry budget per chunk (default 3).
	MaxAttempts int

	// RetryBackoff is the base backoff between extraction attempts,
	// doubled per attempt (default 500ms).
	RetryBackoff time.Duration
}

// Pipeline orchestrates chunk processing. A Pipeline is safe to share
// across jobs: all per-job state lives in locals of Run.
type Pipeline struct {
	config    Config
	compactor identity.Compactor
	speakers  *speaker.Resolver
	events    eventstream.Publisher
	logger    *zap.Logger
}

// New creates a pipeline from the given config.
func New(config Config) (*Pipeline, error) {
	if config.Store == nil {
		return nil, errors.New("pipeline requires a memory store")
	}
	if config.Extractor == nil {
		return nil, errors.New("pipeline requires an extractor")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Events == nil {
		config.Events = nop.NewPublisher()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaultRetryBackoff
	}

	return &Pipeline{
		config:    config,
		compactor: identity.NewCompactor(config.MaxSummaryLen),
		speakers:  speaker.NewResolver(config.Speaker),
		events:    config.Events,
		logger:    config.Logger,
	}, nil
}

// Run processes all chunks of a job in document order and returns the
// job-level result. A prior checkpoint for the same job id is picked up
// automatically. Chunk-level failures are recorded and skipped over;
// persistence failures abort the job since losing memory state would
// corrupt every later chunk's resolution.
//
// The context is checked once at the top of each chunk iteration; that is
// the only supported cancellation point.
func (p *Pipeline) Run(ctx context.Context, jobID string, chunks []chunk.Chunk) (*Result, error) {
	log := p.logger.With(zap.String("job_id", jobID))

	index, err := p.loadIndex(ctx, jobID)
	if err != nil {
		return nil, err
	}
	promptMemory := p.loadPromptMemory(ctx, jobID, index)

	log.Info("pipeline started",
		zap.Int("chunks", len(chunks)),
		zap.Int("known_characters", index.Len()),
	)

	outcomes := make([]ChunkOutcome, 0, len(chunks))
	for _, ck := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("job %s stopped before chunk %d: %w", jobID, ck.Index, err)
		}

		outcome, err := p.runChunk(ctx, jobID, ck, chunks, index, &promptMemory)
		if err != nil {
			p.enter(log, StateFailed, ck.Index)
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}

	result := &Result{
		JobID:   jobID,
		Chunks:  outcomes,
		Roster:  index.Roster(),
		Metrics: buildMetrics(outcomes),
	}

	// A zero-chunk job processed nothing; emitting a completion event with
	// no valid chunk index would only confuse consumers.
	if len(chunks) > 0 {
		p.publish(ctx, log, &eventstream.ChunkEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeJobCompleted,
			JobID:         jobID,
			ChunkIndex:    len(chunks) - 1,
		})
	}

	log.Info("pipeline completed",
		zap.Int("chunks_failed", result.Metrics.ChunksFailed),
		zap.Int("characters", len(result.Roster)),
	)

	return result, nil
}

// runChunk executes one full state cycle for a chunk. The returned error is
// non-nil only for fatal conditions (persistence failure); extraction
// failures are folded into the outcome.
func (p *Pipeline) runChunk(ctx context.Context, jobID string, ck chunk.Chunk, chunks []chunk.Chunk, index *identity.Index, promptMemory *string) (ChunkOutcome, error) {
	log := p.logger.With(zap.String("job_id", jobID), zap.Int("chunk", ck.Index))
	outcome := ChunkOutcome{Index: ck.Index}

	// LoadingCache: a cached extraction skips the collaborator entirely.
	p.enter(log, StateLoadingCache, ck.Index)
	res, cached := p.loadCache(ctx, jobID, ck)
	outcome.FromCache = cached

	if !cached {
		p.enter(log, StateExtracting, ck.Index)
		var err error
		res, outcome.Attempts, err = p.extractWithRetries(ctx, ck, chunks, *promptMemory)
		if err != nil {
			// Chunk failed; the job carries on with the next chunk.
			outcome.Failed = true
			outcome.Error = err.Error()
			log.Warn("chunk failed after retries",
				zap.Int("attempts", outcome.Attempts),
				zap.Error(err),
			)
			p.publish(ctx, log, p.chunkEvent(eventstream.EventTypeChunkFailed, jobID, ck.Index, outcome))
			return outcome, nil
		}
	}

	// Validating: non-fatal findings are logged and the chunk proceeds
	// with best-effort data. Structural failures were already handled by
	// the extraction retry loop.
	p.enter(log, StateValidating, ck.Index)
	warnings := extract.Validate(res, len(ck.Text))
	outcome.Warnings = len(warnings)
	for _, w := range warnings {
		log.Warn("validation warning", zap.String("warning", w.String()))
	}

	// ResolvingIdentities: stabilize every character reference. Memory
	// mutation starts here, strictly after validation passed.
	p.enter(log, StateResolvingIdentities, ck.Index)
	resolution := identity.NewResolver(index).ResolveChunk(ck.Index, res.Characters)
	outcome.NewCharacters = resolution.New
	outcome.ReusedCharacters = resolution.Reused
	outcome.Collisions = len(resolution.Collisions)
	for _, c := range resolution.Collisions {
		log.Warn("alias collision",
			zap.String("name", c.Name),
			zap.String("chosen", c.ChosenID),
			zap.Strings("others", c.OtherIDs),
		)
	}
	p.rewriteReferences(log, res, resolution.Mapping, index)

	// ResolvingSpeakers: attribute ambiguous dialogue lines.
	p.enter(log, StateResolvingSpeakers, ck.Index)
	visible := speakerCharacters(index, resolution.Mapping)
	resolutions, stats := p.speakers.ResolveChunk(ck.Text, res.Dialogues, visible)
	outcome.Speakers = stats
	for _, r := range resolutions {
		if r.Speaker == "" {
			continue
		}
		res.Dialogues[r.Line].Speaker = r.Speaker
		log.Debug("speaker resolved",
			zap.Int("line", r.Line),
			zap.String("speaker", r.Speaker),
			zap.String("heuristic", r.Heuristic),
			zap.Float64("confidence", r.Confidence),
		)
	}

	// RecordingEvents: append to timelines under stable ids. Replays of
	// a cached chunk record nothing new.
	p.enter(log, StateRecordingEvents, ck.Index)
	fresh := p.recordEvents(log, index, ck.Index, res.Events)

	// Compacting: fold fresh detail into summaries, bounded.
	p.enter(log, StateCompacting, ck.Index)
	for id, events := range fresh {
		m, ok := index.Character(id)
		if !ok {
			continue
		}
		if p.compactor.Fold(m, events) {
			log.Debug("summary compacted",
				zap.String("character_id", id),
				zap.Int("summary_len", len(m.Summary)),
			)
		}
	}

	// Persisting: memory state and chunk cache must hit the store before
	// we advance; this ordering is the resume contract.
	p.enter(log, StatePersisting, ck.Index)
	*promptMemory = identity.BuildPromptMemory(index, p.config.PromptMemoryLimit)
	if err := p.persist(ctx, jobID, ck.Index, index, *promptMemory, res, cached); err != nil {
		return outcome, err
	}

	p.enter(log, StateAdvancing, ck.Index)
	outcome.Extraction = res
	p.publish(ctx, log, p.chunkEvent(eventstream.EventTypeChunkProcessed, jobID, ck.Index, outcome))

	return outcome, nil
}

// extractWithRetries calls the collaborator with bounded retries and
// exponential backoff. Structurally unusable results count as failures.
func (p *Pipeline) extractWithRetries(ctx context.Context, ck chunk.Chunk, chunks []chunk.Chunk, promptMemory string) (*extract.Result, int, error) {
	prev, next := chunk.Neighbors(chunks, ck.Index)
	req := extract.Request{
		ChunkIndex:   ck.Index,
		Text:         ck.Text,
		PrevText:     prev,
		NextText:     next,
		PromptMemory: promptMemory,
	}

	var lastErr error
	backoff := p.config.RetryBackoff

	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, attempt - 1, fmt.Errorf("extraction aborted: %w", ctx.Err())
			}
			backoff *= 2
		}

		res, err := p.config.Extractor.Extract(ctx, req)
		if err != nil {
			lastErr = err
			p.logger.Warn("extraction attempt failed",
				zap.Int("chunk", ck.Index),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if res == nil {
			lastErr = extract.ErrUnusable
			continue
		}

		return res, attempt, nil
	}

	return nil, p.config.MaxAttempts, fmt.Errorf("extraction failed after %d attempts: %w", p.config.MaxAttempts, lastErr)
}

// rewriteReferences rewrites every character reference the chunk emitted
// through the id mapping. References that resolve to nothing known become
// the unknown sentinel (dialogues) or are dropped later (events).
func (p *Pipeline) rewriteReferences(log *zap.Logger, res *extract.Result, mapping identity.Mapping, index *identity.Index) {
	for i := range res.Events {
		res.Events[i].Character = mapping.Resolve(res.Events[i].Character)
	}

	for i := range res.Dialogues {
		spk := res.Dialogues[i].Speaker
		if spk == extract.SpeakerUnknown {
			continue
		}
		mapped := mapping.Resolve(spk)
		if _, ok := index.Character(mapped); !ok {
			log.Debug("dialogue speaker reference unresolved", zap.String("ref", spk))
			mapped = extract.SpeakerUnknown
		}
		res.Dialogues[i].Speaker = mapped
	}
}

// recordEvents appends chunk events to character timelines and returns the
// genuinely new events per character (replayed duplicates excluded).
func (p *Pipeline) recordEvents(log *zap.Logger, index *identity.Index, chunkIndex int, events []extract.Event) map[string][]identity.Event {
	fresh := make(map[string][]identity.Event)

	for _, ev := range events {
		id := ev.Character
		if _, ok := index.Character(id); !ok {
			log.Warn("event subject unresolved, dropped",
				zap.String("ref", id),
				zap.String("kind", ev.Kind),
			)
			continue
		}

		entry := identity.Event{Chunk: chunkIndex, Kind: ev.Kind, Detail: ev.Detail}
		if index.RecordEvent(id, entry) {
			fresh[id] = append(fresh[id], entry)
			log.Debug("event recorded",
				zap.String("character_id", id),
				zap.String("kind", ev.Kind),
			)
		}
	}

	return fresh
}

// persist writes memory state and the chunk cache. Errors here are fatal
// to the job.
func (p *Pipeline) persist(ctx context.Context, jobID string, chunkIndex int, index *identity.Index, promptMemory string, res *extract.Result, cached bool) error {
	if err := p.config.Store.SaveCharacterMemory(ctx, jobID, index); err != nil {
		return fmt.Errorf("persisting character memory for chunk %d: %w", chunkIndex, err)
	}
	if err := p.config.Store.SavePromptMemory(ctx, jobID, promptMemory); err != nil {
		return fmt.Errorf("persisting prompt memory for chunk %d: %w", chunkIndex, err)
	}
	if !cached {
		if err := p.config.Store.SaveChunkCache(ctx, jobID, chunkIndex, res); err != nil {
			return fmt.Errorf("persisting chunk cache for chunk %d: %w", chunkIndex, err)
		}
	}

	return nil
}

// loadIndex restores a checkpointed index or starts empty.
func (p *Pipeline) loadIndex(ctx context.Context, jobID string) (*identity.Index, error) {
	index, err := p.config.Store.LoadCharacterMemory(ctx, jobID)
	if err == nil {
		return index, nil
	}

	var notFound memorystore.ErrNotFound
	if errors.As(err, &notFound) {
		return identity.NewIndex(), nil
	}

	return nil, fmt.Errorf("loading character memory: %w", err)
}

// loadPromptMemory restores the projection, rebuilding it from the index
// when absent; it is a best-effort cache either way.
func (p *Pipeline) loadPromptMemory(ctx context.Context, jobID string, index *identity.Index) string {
	promptMemory, err := p.config.Store.LoadPromptMemory(ctx, jobID)
	if err != nil {
		return identity.BuildPromptMemory(index, p.config.PromptMemoryLimit)
	}
	return promptMemory
}

// loadCache fetches a cached extraction for the chunk, discarding cache
// entries that no longer parse as usable results.
func (p *Pipeline) loadCache(ctx context.Context, jobID string, ck chunk.Chunk) (*extract.Result, bool) {
	res, err := p.config.Store.LoadChunkCache(ctx, jobID, ck.Index)
	if err != nil || res == nil {
		return nil, false
	}
	if res.Characters == nil && res.Events == nil && res.Dialogues == nil {
		return nil, false
	}
	return res, true
}

// speakerCharacters projects the chunk's resolved characters into the
// speaker resolver's view.
func speakerCharacters(index *identity.Index, mapping identity.Mapping) []speaker.Character {
	seen := make(map[string]bool)
	var visible []speaker.Character

	for _, id := range mapping {
		if seen[id] {
			continue
		}
		seen[id] = true

		if m, ok := index.Character(id); ok {
			visible = append(visible, speaker.Character{ID: m.ID, Names: m.Names})
		}
	}

	return visible
}

func (p *Pipeline) chunkEvent(eventType, jobID string, chunkIndex int, outcome ChunkOutcome) *eventstream.ChunkEvent {
	ev := &eventstream.ChunkEvent{
		SchemaVersion: eventstream.SchemaVersionV1,
		EventType:     eventType,
		JobID:         jobID,
		ChunkIndex:    chunkIndex,
		Attempts:      outcome.Attempts,
		Error:         outcome.Error,
		Counts: eventstream.ChunkCounts{
			NewCharacters:   outcome.NewCharacters,
			SpeakersUnknown: outcome.Speakers.Unknown,
		},
	}

	if outcome.Extraction != nil {
		ev.Counts.Characters = len(outcome.Extraction.Characters)
		ev.Counts.Events = len(outcome.Extraction.Events)
		ev.Counts.Dialogues = len(outcome.Extraction.Dialogues)
	}

	return ev
}

// publish sends an event best-effort; failures are logged, never fatal.
func (p *Pipeline) publish(ctx context.Context, log *zap.Logger, ev *eventstream.ChunkEvent) {
	ev.EventID = newEventID()
	ev.EmittedAt = time.Now().UTC()

	if err := p.events.PublishChunk(ctx, ev); err != nil {
		log.Warn("publishing chunk event failed", zap.Error(err))
	}
}

// enter logs a state transition at debug level.
func (p *Pipeline) enter(log *zap.Logger, s State, chunkIndex int) {
	log.Debug("state transition",
		zap.Stringer("state", s),
		zap.Int("chunk", chunkIndex),
	)
}
