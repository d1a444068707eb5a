package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/inkstonelab/koma/pkg/extract"
	"github.com/inkstonelab/koma/pkg/identity"
	"github.com/inkstonelab/koma/pkg/jobs"
	"github.com/inkstonelab/koma/pkg/memorystore/inmemory"
	"github.com/inkstonelab/koma/pkg/pipeline"
)

// apiTestExtract hands out a minimal single-character result per chunk.
func apiTestExtract(ctx context.Context, req extract.Request) (*extract.Result, error) {
	return &extract.Result{
		Characters: []extract.Character{
			{TempID: "c1", Name: "Noboru"},
		},
		Events: []extract.Event{
			{Character: "c1", Kind: "action", Detail: fmt.Sprintf("crossed the bridge in scene %d", req.ChunkIndex)},
		},
	}, nil
}

// seedRoster persists an index with one named character under a job id.
func seedRoster(store *inmemory.Driver, jobID, name string) {
	idx := identity.NewIndex()
	r := identity.NewResolver(idx)
	r.ResolveChunk(0, []extract.Character{{TempID: "c1", Name: name}})
	Expect(store.SaveCharacterMemory(context.Background(), jobID, idx)).To(Succeed())
}

func decodeBody(resp *http.Response, out any) {
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	Expect(json.Unmarshal(body, out)).To(Succeed())
}

var _ = Describe("handlers", func() {
	var (
		server *Server
		store  *inmemory.Driver
		runner *jobs.Runner
	)

	BeforeEach(func() {
		logger, _ := zap.NewDevelopment()
		store = inmemory.NewDriver()

		pipe, err := pipeline.New(pipeline.Config{
			Store:     store,
			Extractor: extract.Func(apiTestExtract),
			Logger:    logger,
		})
		Expect(err).NotTo(HaveOccurred())

		runner, err = jobs.NewRunner(&jobs.Config{
			Pipeline: pipe,
			Logger:   logger,
		})
		Expect(err).NotTo(HaveOccurred())

		server = NewServer(Config{ListenAddr: ":0"}, runner, store, logger)
	})

	AfterEach(func() {
		runner.Close()
	})

	Describe("GET /ping", func() {
		It("returns pong", func() {
			req, err := http.NewRequest(http.MethodGet, "/ping", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal(`"pong"`))
		})
	})

	Describe("POST /jobs", func() {
		It("accepts a document and returns the queued record", func() {
			payload := `{"text": "Noboru crossed the bridge at dawn."}`
			req, err := http.NewRequest(http.MethodPost, "/jobs", strings.NewReader(payload))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusAccepted))

			var rec jobs.Record
			decodeBody(resp, &rec)
			Expect(rec.ID).NotTo(BeEmpty())
			Expect(rec.Chunks).To(Equal(1))
		})

		It("rejects a malformed body", func() {
			req, err := http.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{not json"))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusBadRequest))
		})

		It("rejects an empty text field", func() {
			req, err := http.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"text": ""}`))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusBadRequest))

			var errResp ErrorResponse
			decodeBody(resp, &errResp)
			Expect(errResp.Error).To(ContainSubstring("text is required"))
		})
	})

	Describe("GET /jobs", func() {
		It("lists submitted jobs with a count", func() {
			rec, err := runner.Submit("Noboru crossed the bridge at dawn.")
			Expect(err).NotTo(HaveOccurred())

			req, err := http.NewRequest(http.MethodGet, "/jobs", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

			var listing struct {
				Count int           `json:"count"`
				Jobs  []jobs.Record `json:"jobs"`
			}
			decodeBody(resp, &listing)
			Expect(listing.Count).To(Equal(1))
			Expect(listing.Jobs).To(HaveLen(1))
			Expect(listing.Jobs[0].ID).To(Equal(rec.ID))
		})
	})

	Describe("GET /jobs/:id", func() {
		It("returns 404 for an unknown job", func() {
			req, err := http.NewRequest(http.MethodGet, "/jobs/no-such-job", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusNotFound))
		})

		It("returns the record for a tracked job", func() {
			rec, err := runner.Submit("Noboru crossed the bridge at dawn.")
			Expect(err).NotTo(HaveOccurred())

			req, err := http.NewRequest(http.MethodGet, "/jobs/"+rec.ID, nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

			var got jobs.Record
			decodeBody(resp, &got)
			Expect(got.ID).To(Equal(rec.ID))
		})
	})

	Describe("GET /jobs/:id/roster", func() {
		It("returns 404 when no memory exists for the job", func() {
			req, err := http.NewRequest(http.MethodGet, "/jobs/no-such-job/roster", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusNotFound))
		})

		It("returns the persisted roster", func() {
			seedRoster(store, "job-1", "Noboru")

			req, err := http.NewRequest(http.MethodGet, "/jobs/job-1/roster", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

			var got struct {
				JobID      string                 `json:"job_id"`
				Characters int                    `json:"characters"`
				Roster     []identity.RosterEntry `json:"roster"`
			}
			decodeBody(resp, &got)
			Expect(got.JobID).To(Equal("job-1"))
			Expect(got.Characters).To(Equal(1))
			Expect(got.Roster[0].ID).To(Equal("char_1"))
			Expect(got.Roster[0].CanonicalName).To(Equal("Noboru"))
		})
	})

	Describe("DELETE /jobs/:id/memory", func() {
		It("resets persisted memory for the job", func() {
			seedRoster(store, "job-1", "Noboru")

			req, err := http.NewRequest(http.MethodDelete, "/jobs/job-1/memory", nil)
			Expect(err).NotTo(HaveOccurred())

			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

			var got struct {
				JobID string `json:"job_id"`
				Reset bool   `json:"reset"`
			}
			decodeBody(resp, &got)
			Expect(got.Reset).To(BeTrue())

			rosterReq, err := http.NewRequest(http.MethodGet, "/jobs/job-1/roster", nil)
			Expect(err).NotTo(HaveOccurred())

			rosterResp, err := server.app.Test(rosterReq)
			Expect(err).NotTo(HaveOccurred())
			Expect(rosterResp.StatusCode).To(Equal(fiber.StatusNotFound))
		})
	})
})
