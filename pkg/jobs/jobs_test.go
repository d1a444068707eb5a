package jobs

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/inkstonelab/koma/pkg/extract"
	"github.com/inkstonelab/koma/pkg/identity"
	"github.com/inkstonelab/koma/pkg/memorystore"
	"github.com/inkstonelab/koma/pkg/memorystore/inmemory"
	"github.com/inkstonelab/koma/pkg/pipeline"
)

// stubExtract hands out a minimal single-character result. A fresh Result is
// built per call because the pipeline rewrites references in place.
func stubExtract(ctx context.Context, req extract.Request) (*extract.Result, error) {
	return &extract.Result{
		Characters: []extract.Character{
			{TempID: "c1", Name: "Noboru"},
		},
		Events: []extract.Event{
			{Character: "c1", Kind: "action", Detail: fmt.Sprintf("crossed the bridge in scene %d", req.ChunkIndex)},
		},
	}, nil
}

// newTestRunner creates a runner backed by an in-memory driver.
// Callers should "r.Close()" to drain enqueued jobs before asserting records.
func newTestRunner(store memorystore.Driver, ext extract.Extractor, workers, queue uint) *Runner {
	logger, _ := zap.NewDevelopment()

	pipe, err := pipeline.New(pipeline.Config{
		Store:     store,
		Extractor: ext,
		Logger:    logger,
	})
	Expect(err).NotTo(HaveOccurred())

	r, err := NewRunner(&Config{
		Pipeline:   pipe,
		NumWorkers: workers,
		QueueSize:  queue,
		Logger:     logger,
	})
	Expect(err).NotTo(HaveOccurred())

	return r
}

// brokenStore fails every character memory save so the pipeline errors out.
type brokenStore struct {
	memorystore.Driver
}

func (s *brokenStore) SaveCharacterMemory(ctx context.Context, jobID string, index *identity.Index) error {
	return fmt.Errorf("disk full")
}

var _ = Describe("Job Runner", func() {
	Describe("NewRunner", func() {
		It("requires a pipeline", func() {
			_, err := NewRunner(&Config{})
			Expect(err).To(MatchError(ContainSubstring("pipeline")))
		})
	})

	Describe("Submit", func() {
		It("rejects an empty document", func() {
			r := newTestRunner(inmemory.NewDriver(), extract.Func(stubExtract), 1, 4)
			defer r.Close()

			_, err := r.Submit("   \n\t ")
			Expect(err).To(MatchError(ContainSubstring("empty")))
		})

		It("returns a queued record with a chunk count", func() {
			r := newTestRunner(inmemory.NewDriver(), extract.Func(stubExtract), 1, 4)

			rec, err := r.Submit("Noboru crossed the bridge at dawn.")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.ID).NotTo(BeEmpty())
			Expect(rec.Chunks).To(Equal(1))
			Expect(rec.SubmittedAt).NotTo(BeZero())

			r.Close()
		})

		It("rejects submissions when the queue is full and tracks nothing for them", func() {
			gate := make(chan struct{})
			blocking := extract.Func(func(ctx context.Context, req extract.Request) (*extract.Result, error) {
				<-gate
				return stubExtract(ctx, req)
			})

			r := newTestRunner(inmemory.NewDriver(), blocking, 1, 1)

			// First job occupies the worker, second fills the queue slot.
			_, err := r.Submit("first document")
			Expect(err).NotTo(HaveOccurred())

			// The worker may not have picked up the first job yet; keep
			// submitting until the queue slot is held.
			Eventually(func() error {
				_, err := r.Submit("filler document")
				return err
			}).Should(MatchError(ContainSubstring("queue is full")))

			before := len(r.List())
			_, err = r.Submit("rejected document")
			Expect(err).To(HaveOccurred())
			Expect(r.List()).To(HaveLen(before))

			close(gate)
			r.Close()
		})
	})

	Describe("job lifecycle", func() {
		var (
			store *inmemory.Driver
			r     *Runner
			rec   *Record
		)

		BeforeEach(func() {
			store = inmemory.NewDriver()
			r = newTestRunner(store, extract.Func(stubExtract), 2, 8)

			var err error
			rec, err = r.Submit("Noboru crossed the bridge at dawn.")
			Expect(err).NotTo(HaveOccurred())

			// Drain the pool so the job finishes before assertions.
			r.Close()
		})

		It("completes the job and attaches the result", func() {
			got, ok := r.Get(rec.ID)
			Expect(ok).To(BeTrue())
			Expect(got.Status).To(Equal(StatusCompleted))
			Expect(got.FinishedAt).NotTo(BeNil())
			Expect(got.Error).To(BeEmpty())

			Expect(got.Result).NotTo(BeNil())
			Expect(got.Result.JobID).To(Equal(rec.ID))
			Expect(got.Result.Roster).To(HaveLen(1))
			Expect(got.Result.Roster[0].CanonicalName).To(Equal("Noboru"))
		})

		It("persists character memory under the job id", func() {
			_, err := store.LoadCharacterMemory(context.Background(), rec.ID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("hands out copies of records", func() {
			got, ok := r.Get(rec.ID)
			Expect(ok).To(BeTrue())

			got.Status = StatusQueued

			again, ok := r.Get(rec.ID)
			Expect(ok).To(BeTrue())
			Expect(again.Status).To(Equal(StatusCompleted))
		})
	})

	Describe("record tracking", func() {
		It("never reports a finished job as still queued", func() {
			// Single-chunk jobs finish almost immediately, so a worker can
			// race the submitting goroutine for the record.
			r := newTestRunner(inmemory.NewDriver(), extract.Func(stubExtract), 4, 64)

			var recs []*Record
			for i := 0; i < 32; i++ {
				rec, err := r.Submit(fmt.Sprintf("Document %d about Noboru.", i))
				Expect(err).NotTo(HaveOccurred())
				recs = append(recs, rec)
			}

			r.Close()

			for _, rec := range recs {
				got, ok := r.Get(rec.ID)
				Expect(ok).To(BeTrue())
				Expect(got.Status).To(Equal(StatusCompleted))
				Expect(got.Result).NotTo(BeNil())
				Expect(got.FinishedAt).NotTo(BeNil())
			}
		})
	})

	Describe("Get", func() {
		It("reports unknown job ids", func() {
			r := newTestRunner(inmemory.NewDriver(), extract.Func(stubExtract), 1, 4)
			defer r.Close()

			_, ok := r.Get("no-such-job")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("List", func() {
		It("returns every tracked record", func() {
			r := newTestRunner(inmemory.NewDriver(), extract.Func(stubExtract), 2, 8)

			first, err := r.Submit("Noboru crossed the bridge.")
			Expect(err).NotTo(HaveOccurred())
			second, err := r.Submit("Sayo waited at the gate.")
			Expect(err).NotTo(HaveOccurred())

			r.Close()

			records := r.List()
			Expect(records).To(HaveLen(2))

			ids := []string{records[0].ID, records[1].ID}
			Expect(ids).To(ConsistOf(first.ID, second.ID))
		})
	})

	Describe("failure", func() {
		It("marks the job failed when the pipeline errors", func() {
			r := newTestRunner(&brokenStore{Driver: inmemory.NewDriver()}, extract.Func(stubExtract), 1, 4)

			rec, err := r.Submit("Noboru crossed the bridge at dawn.")
			Expect(err).NotTo(HaveOccurred())

			r.Close()

			got, ok := r.Get(rec.ID)
			Expect(ok).To(BeTrue())
			Expect(got.Status).To(Equal(StatusFailed))
			Expect(got.Error).To(ContainSubstring("disk full"))
			Expect(got.FinishedAt).NotTo(BeNil())
			Expect(got.Result).To(BeNil())
		})
	})

	Describe("Close", func() {
		It("drains queued jobs before returning", func() {
			r := newTestRunner(inmemory.NewDriver(), extract.Func(stubExtract), 1, 8)

			var recs []*Record
			for i := 0; i < 5; i++ {
				rec, err := r.Submit(fmt.Sprintf("Document %d about Noboru.", i))
				Expect(err).NotTo(HaveOccurred())
				recs = append(recs, rec)
			}

			done := make(chan struct{})
			go func() {
				defer close(done)
				r.Close()
			}()
			Eventually(done, 10*time.Second).Should(BeClosed())

			for _, rec := range recs {
				got, ok := r.Get(rec.ID)
				Expect(ok).To(BeTrue())
				Expect(got.Status).To(Equal(StatusCompleted))
			}
		})
	})
})
