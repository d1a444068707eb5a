package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/inkstonelab/koma/pkg/memorystore"
)

// ErrorResponse is the JSON error body for all failing endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitRequest is the body of a job submission.
type SubmitRequest struct {
	// Text is the full document to process.
	Text string `json:"text"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleSubmitJob chunks the submitted document and queues it for
// processing. Returns 202 with the queued job record.
func (s *Server) handleSubmitJob(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}

	if req.Text == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "text is required"})
	}

	rec, err := s.runner.Submit(req.Text)
	if err != nil {
		s.logger.Warn("job submission rejected", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: err.Error()})
	}

	return c.Status(fiber.StatusAccepted).JSON(rec)
}

// handleListJobs returns all tracked job records.
func (s *Server) handleListJobs(c *fiber.Ctx) error {
	records := s.runner.List()

	return c.JSON(map[string]any{
		"count": len(records),
		"jobs":  records,
	})
}

// handleGetJob returns one job's record, including its result once the
// job has completed.
func (s *Server) handleGetJob(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "id parameter required"})
	}

	rec, ok := s.runner.Get(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "job not found"})
	}

	return c.JSON(rec)
}

// handleGetRoster returns the persisted character roster for a job. The
// roster reflects whatever the pipeline has persisted so far, so it is
// also available mid-job and after a crash.
func (s *Server) handleGetRoster(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "id parameter required"})
	}

	index, err := s.store.LoadCharacterMemory(c.Context(), id)
	if err != nil {
		var notFound memorystore.ErrNotFound
		if errors.As(err, &notFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "no memory for job"})
		}
		s.logger.Error("loading character memory failed",
			zap.String("job_id", id),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to load memory"})
	}

	roster := index.Roster()

	return c.JSON(map[string]any{
		"job_id":     id,
		"characters": len(roster),
		"roster":     roster,
	})
}

// handleResetMemory deletes all persisted memory state for a job.
func (s *Server) handleResetMemory(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "id parameter required"})
	}

	if err := s.store.Reset(c.Context(), id); err != nil {
		s.logger.Error("memory reset failed",
			zap.String("job_id", id),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to reset memory"})
	}

	s.logger.Info("memory reset", zap.String("job_id", id))

	return c.JSON(map[string]any{"job_id": id, "reset": true})
}
