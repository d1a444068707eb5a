package inmemory_test

import (
	"context"
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/inkstonelab/koma/pkg/extract"
	"github.com/inkstonelab/koma/pkg/identity"
	"github.com/inkstonelab/koma/pkg/memorystore"
	"github.com/inkstonelab/koma/pkg/memorystore/inmemory"
)

func TestInMemoryDriver(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "InMemory Driver Suite")
}

// seedIndex builds a small index with one named character for tests.
func seedIndex(name string) *identity.Index {
	idx := identity.NewIndex()
	r := identity.NewResolver(idx)
	r.ResolveChunk(0, []extract.Character{{TempID: "c1", Name: name}})
	return idx
}

var _ = Describe("Driver", func() {
	var (
		driver *inmemory.Driver
		ctx    context.Context
	)

	BeforeEach(func() {
		driver = inmemory.NewDriver()
		ctx = context.Background()
	})

	Describe("character memory", func() {
		It("returns ErrNotFound for an unknown job", func() {
			_, err := driver.LoadCharacterMemory(ctx, "missing")

			var notFound memorystore.ErrNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("round-trips an index", func() {
			idx := seedIndex("Taro")
			Expect(driver.SaveCharacterMemory(ctx, "job-1", idx)).To(Succeed())

			loaded, err := driver.LoadCharacterMemory(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Len()).To(Equal(1))

			id, ok := loaded.Lookup("Taro")
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal("char_1"))
		})

		It("does not share state with the caller after save", func() {
			idx := seedIndex("Taro")
			Expect(driver.SaveCharacterMemory(ctx, "job-1", idx)).To(Succeed())

			// Mutating the caller's index must not leak into the store.
			identity.NewResolver(idx).ResolveChunk(1, []extract.Character{{TempID: "c1", Name: "Hana"}})

			loaded, err := driver.LoadCharacterMemory(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Len()).To(Equal(1))
		})
	})

	Describe("prompt memory", func() {
		It("returns ErrNotFound before the first save", func() {
			_, err := driver.LoadPromptMemory(ctx, "missing")

			var notFound memorystore.ErrNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("round-trips the projection", func() {
			Expect(driver.SavePromptMemory(ctx, "job-1", "char_1 Taro")).To(Succeed())

			prompt, err := driver.LoadPromptMemory(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(prompt).To(Equal("char_1 Taro"))
		})
	})

	Describe("chunk cache", func() {
		It("round-trips a result keyed by chunk index", func() {
			res := &extract.Result{
				Characters: []extract.Character{{TempID: "c1", Name: "Taro"}},
				Events:     []extract.Event{},
				Dialogues:  []extract.Dialogue{},
			}
			Expect(driver.SaveChunkCache(ctx, "job-1", 3, res)).To(Succeed())

			loaded, err := driver.LoadChunkCache(ctx, "job-1", 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Characters).To(HaveLen(1))

			_, err = driver.LoadChunkCache(ctx, "job-1", 4)
			var notFound memorystore.ErrNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})
	})

	Describe("Reset", func() {
		It("discards all state for the job and only that job", func() {
			Expect(driver.SaveCharacterMemory(ctx, "job-1", seedIndex("Taro"))).To(Succeed())
			Expect(driver.SavePromptMemory(ctx, "job-1", "char_1 Taro")).To(Succeed())
			Expect(driver.SaveChunkCache(ctx, "job-1", 0, &extract.Result{})).To(Succeed())
			Expect(driver.SaveCharacterMemory(ctx, "job-2", seedIndex("Hana"))).To(Succeed())

			Expect(driver.Reset(ctx, "job-1")).To(Succeed())

			var notFound memorystore.ErrNotFound
			_, err := driver.LoadCharacterMemory(ctx, "job-1")
			Expect(errors.As(err, &notFound)).To(BeTrue())
			_, err = driver.LoadPromptMemory(ctx, "job-1")
			Expect(errors.As(err, &notFound)).To(BeTrue())
			_, err = driver.LoadChunkCache(ctx, "job-1", 0)
			Expect(errors.As(err, &notFound)).To(BeTrue())

			_, err = driver.LoadCharacterMemory(ctx, "job-2")
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
