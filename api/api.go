package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/inkstonelab/koma/pkg/jobs"
	"github.com/inkstonelab/koma/pkg/memorystore"
)

// Server is the API server for submitting and querying koma jobs.
type Server struct {
	config Config
	runner *jobs.Runner
	store  memorystore.Driver
	logger *zap.Logger
	app    *fiber.App
}

// NewServer creates a new API server.
// The store is injected to allow sharing with the pipeline; memory
// inspection reads the same state the pipeline persists.
func NewServer(config Config, runner *jobs.Runner, store memorystore.Driver, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config: config,
		runner: runner,
		store:  store,
		logger: logger,
		app:    app,
	}

	app.Get("/ping", s.handlePing)
	app.Post("/jobs", s.handleSubmitJob)
	app.Get("/jobs", s.handleListJobs)
	app.Get("/jobs/:id", s.handleGetJob)
	app.Get("/jobs/:id/roster", s.handleGetRoster)
	app.Delete("/jobs/:id/memory", s.handleResetMemory)

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
