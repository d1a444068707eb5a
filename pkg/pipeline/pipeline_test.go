package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inkstonelab/koma/pkg/chunk"
	"github.com/inkstonelab/koma/pkg/eventstream"
	"github.com/inkstonelab/koma/pkg/extract"
	"github.com/inkstonelab/koma/pkg/identity"
	"github.com/inkstonelab/koma/pkg/memorystore"
	"github.com/inkstonelab/koma/pkg/memorystore/inmemory"
)

// scriptedExtractor returns canned results per chunk index and counts calls.
type scriptedExtractor struct {
	results map[int]*extract.Result
	calls   atomic.Int64
}

func (s *scriptedExtractor) Extract(_ context.Context, req extract.Request) (*extract.Result, error) {
	s.calls.Add(1)

	res, ok := s.results[req.ChunkIndex]
	if !ok {
		return nil, fmt.Errorf("no script for chunk %d", req.ChunkIndex)
	}

	// Hand out a copy: the pipeline mutates results in place.
	cp := *res
	cp.Characters = append([]extract.Character(nil), res.Characters...)
	cp.Events = append([]extract.Event(nil), res.Events...)
	cp.Dialogues = append([]extract.Dialogue(nil), res.Dialogues...)

	return &cp, nil
}

// failingStore wraps a driver and fails SaveCharacterMemory on demand.
type failingStore struct {
	memorystore.Driver
	fail bool
}

func (f *failingStore) SaveCharacterMemory(ctx context.Context, jobID string, index *identity.Index) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Driver.SaveCharacterMemory(ctx, jobID, index)
}

// capturingPublisher records every published chunk event.
type capturingPublisher struct {
	mu     sync.Mutex
	events []*eventstream.ChunkEvent
}

func (c *capturingPublisher) PublishChunk(_ context.Context, event *eventstream.ChunkEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturingPublisher) Close() error { return nil }

func (c *capturingPublisher) published() []*eventstream.ChunkEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*eventstream.ChunkEvent(nil), c.events...)
}

// cancellingExtractor cancels the run's context on its first call.
type cancellingExtractor struct {
	inner  extract.Extractor
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancellingExtractor) Extract(ctx context.Context, req extract.Request) (*extract.Result, error) {
	c.once.Do(c.cancel)
	return c.inner.Extract(ctx, req)
}

// twoChunkScript is a document where the same character appears under a
// different alias in the second chunk.
func twoChunkScript() (*scriptedExtractor, []chunk.Chunk) {
	chunk0 := `Taro stepped onto the platform. "Is this the last train?" `
	chunk1 := `太郎 waited in silence. Hana arrived. "You came," 太郎 said at last.`

	chunks := []chunk.Chunk{
		{Index: 0, Text: chunk0, Start: 0, End: len(chunk0)},
		{Index: 1, Text: chunk1, Start: len(chunk0), End: len(chunk0) + len(chunk1)},
	}

	ext := &scriptedExtractor{results: map[int]*extract.Result{
		0: {
			Characters: []extract.Character{{TempID: "c1", Name: "Taro"}},
			Events:     []extract.Event{{Character: "c1", Kind: "action", Detail: "stepped onto the platform"}},
			Dialogues:  []extract.Dialogue{{Speaker: extract.SpeakerUnknown, Text: `"Is this the last train?"`, Start: 32}},
		},
		1: {
			Characters: []extract.Character{
				{TempID: "c1", Name: "太郎", Aliases: []string{"Taro"}},
				{TempID: "c2", Name: "Hana"},
			},
			Events: []extract.Event{
				{Character: "c1", Kind: "action", Detail: "waited in silence at the station"},
				{Character: "c2", Kind: "action", Detail: "arrived on the last train"},
			},
			Dialogues: []extract.Dialogue{{Speaker: "c1", Text: `"You came,"`, Start: 34}},
		},
	}}

	return ext, chunks
}

func newTestPipeline(store memorystore.Driver, ext extract.Extractor) *Pipeline {
	p, err := New(Config{
		Store:        store,
		Extractor:    ext,
		RetryBackoff: time.Millisecond,
	})
	Expect(err).NotTo(HaveOccurred())
	return p
}

var _ = Describe("Pipeline", func() {
	var (
		store *inmemory.Driver
		ctx   context.Context
	)

	BeforeEach(func() {
		store = inmemory.NewDriver()
		ctx = context.Background()
	})

	Describe("Run", func() {
		It("keeps one identity for a character renamed across chunks", func() {
			ext, chunks := twoChunkScript()
			p := newTestPipeline(store, ext)

			result, err := p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			// Taro and 太郎 resolve to char_1; Hana gets char_2.
			Expect(result.Roster).To(HaveLen(2))
			Expect(result.Roster[0].ID).To(Equal("char_1"))
			Expect(result.Roster[0].Aliases).To(ContainElements("Taro", "太郎"))
			Expect(result.Roster[1].CanonicalName).To(Equal("Hana"))

			Expect(result.Chunks[0].NewCharacters).To(Equal(1))
			Expect(result.Chunks[1].NewCharacters).To(Equal(1))
			Expect(result.Chunks[1].ReusedCharacters).To(Equal(1))
		})

		It("rewrites event and dialogue references to stable ids", func() {
			ext, chunks := twoChunkScript()
			p := newTestPipeline(store, ext)

			result, err := p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			res := result.Chunks[1].Extraction
			Expect(res.Events[0].Character).To(Equal("char_1"))
			Expect(res.Events[1].Character).To(Equal("char_2"))
			Expect(res.Dialogues[0].Speaker).To(Equal("char_1"))
		})

		It("attributes the unknown dialogue line by proximity", func() {
			ext, chunks := twoChunkScript()
			p := newTestPipeline(store, ext)

			result, err := p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			// The chunk 0 line follows "Taro" closely.
			Expect(result.Chunks[0].Extraction.Dialogues[0].Speaker).To(Equal("char_1"))
			Expect(result.Chunks[0].Speakers.ByProximity).To(Equal(1))
		})

		It("records timelines under stable ids", func() {
			ext, chunks := twoChunkScript()
			p := newTestPipeline(store, ext)

			_, err := p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			index, err := store.LoadCharacterMemory(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())

			m, ok := index.Character("char_1")
			Expect(ok).To(BeTrue())
			Expect(m.Timeline).To(HaveLen(2))
			Expect(m.FirstAppearanceChunk).To(Equal(0))
			Expect(m.LastSeenChunk).To(Equal(1))
		})

		It("persists a prompt memory projection", func() {
			ext, chunks := twoChunkScript()
			p := newTestPipeline(store, ext)

			_, err := p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			prompt, err := store.LoadPromptMemory(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(prompt).To(ContainSubstring("char_1 Taro"))
		})

		It("stops between chunks when the context is cancelled", func() {
			ext, chunks := twoChunkScript()
			p := newTestPipeline(store, ext)

			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			_, err := p.Run(cancelled, "job-1", chunks)
			Expect(err).To(MatchError(context.Canceled))
		})

		It("publishes no events for a job with no chunks", func() {
			ext, _ := twoChunkScript()
			pub := &capturingPublisher{}
			p, err := New(Config{
				Store:        store,
				Extractor:    ext,
				Events:       pub,
				RetryBackoff: time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())

			result, err := p.Run(ctx, "job-1", nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(result.Chunks).To(BeEmpty())
			Expect(result.Roster).To(BeEmpty())
			Expect(pub.published()).To(BeEmpty())
		})

		It("publishes a completion event for the last chunk", func() {
			ext, chunks := twoChunkScript()
			pub := &capturingPublisher{}
			p, err := New(Config{
				Store:        store,
				Extractor:    ext,
				Events:       pub,
				RetryBackoff: time.Millisecond,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			events := pub.published()
			Expect(events).NotTo(BeEmpty())
			last := events[len(events)-1]
			Expect(last.EventType).To(Equal(eventstream.EventTypeJobCompleted))
			Expect(last.ChunkIndex).To(Equal(1))
		})
	})

	Describe("replay and resume", func() {
		It("serves a completed run entirely from cache", func() {
			ext, chunks := twoChunkScript()
			p := newTestPipeline(store, ext)

			first, err := p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())
			callsAfterFirst := ext.calls.Load()

			second, err := p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			Expect(ext.calls.Load()).To(Equal(callsAfterFirst), "replay must not call the extractor")
			Expect(second.Chunks[0].FromCache).To(BeTrue())
			Expect(second.Chunks[1].FromCache).To(BeTrue())
			Expect(second.Roster).To(Equal(first.Roster))
		})

		It("does not duplicate timeline events on replay", func() {
			ext, chunks := twoChunkScript()
			p := newTestPipeline(store, ext)

			_, err := p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())
			_, err = p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			index, err := store.LoadCharacterMemory(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())

			m, _ := index.Character("char_1")
			Expect(m.Timeline).To(HaveLen(2))
		})

		It("yields the same identities as an uninterrupted run after a resume", func() {
			// Uninterrupted reference run on its own store.
			refStore := inmemory.NewDriver()
			refExt, chunks := twoChunkScript()
			reference, err := newTestPipeline(refStore, refExt).Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			// Interrupted run: first chunk only, then a fresh pipeline
			// (fresh process) picks the job up and runs everything.
			ext, _ := twoChunkScript()
			_, err = newTestPipeline(store, ext).Run(ctx, "job-1", chunks[:1])
			Expect(err).NotTo(HaveOccurred())

			ext2, _ := twoChunkScript()
			resumed, err := newTestPipeline(store, ext2).Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			Expect(resumed.Roster).To(Equal(reference.Roster))
			Expect(resumed.Chunks[0].FromCache).To(BeTrue())
			Expect(ext2.calls.Load()).To(Equal(int64(1)), "only the unprocessed chunk is extracted")
		})
	})

	Describe("failure handling", func() {
		It("marks a chunk failed after exhausting retries and continues", func() {
			ext, chunks := twoChunkScript()
			delete(ext.results, 0) // chunk 0 always errors

			p := newTestPipeline(store, ext)

			result, err := p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			Expect(result.Chunks[0].Failed).To(BeTrue())
			Expect(result.Chunks[0].Attempts).To(Equal(3))
			Expect(result.Chunks[0].Error).NotTo(BeEmpty())
			Expect(result.Metrics.ChunksFailed).To(Equal(1))

			// Chunk 1 still processed; its characters are all new since
			// chunk 0 contributed nothing.
			Expect(result.Chunks[1].Failed).To(BeFalse())
			Expect(result.Chunks[1].NewCharacters).To(Equal(2))
		})

		It("stops a retry backoff as soon as the context is cancelled", func() {
			ext, chunks := twoChunkScript()
			delete(ext.results, 0) // chunk 0 always errors

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			p, err := New(Config{
				Store:     store,
				Extractor: &cancellingExtractor{inner: ext, cancel: cancel},
				// Long enough that a run which sleeps through the backoff
				// would blow well past the Eventually deadline.
				RetryBackoff: time.Minute,
			})
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 1)
			go func() {
				_, runErr := p.Run(runCtx, "job-1", chunks)
				done <- runErr
			}()

			var runErr error
			Eventually(done, 5*time.Second).Should(Receive(&runErr))
			Expect(runErr).To(MatchError(context.Canceled))
		})

		It("aborts the job when persistence fails", func() {
			ext, chunks := twoChunkScript()
			wrapped := &failingStore{Driver: store, fail: true}
			p := newTestPipeline(wrapped, ext)

			_, err := p.Run(ctx, "job-1", chunks)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("persisting character memory"))
		})

		It("requires a store and an extractor", func() {
			_, err := New(Config{Extractor: &scriptedExtractor{}})
			Expect(err).To(HaveOccurred())

			_, err = New(Config{Store: inmemory.NewDriver()})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("metrics", func() {
		It("aggregates per-chunk counts", func() {
			ext, chunks := twoChunkScript()
			p := newTestPipeline(store, ext)

			result, err := p.Run(ctx, "job-1", chunks)
			Expect(err).NotTo(HaveOccurred())

			m := result.Metrics
			Expect(m.ChunksTotal).To(Equal(2))
			Expect(m.ChunksFailed).To(Equal(0))
			Expect(m.AvgCharactersPerChunk).To(BeNumerically("~", 1.5))
			Expect(m.AvgDialoguesPerChunk).To(BeNumerically("~", 1.0))
		})
	})
})
