package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"privaterag/app/agent"
	"privaterag/app/api"
	"privaterag/app/middleware"
	"privaterag/config"
	"privaterag/loader/service"
	"privaterag/logger"
	"privaterag/model"
	"privaterag/store"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	cfg    config.Config
	logger *slog.Logger
}

func NewServer(cfg config.Config, l *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.OrDefault(l),
	}
}

// Deps are the components the HTTP routes are served from.
type Deps struct {
	Ingester  api.Ingester
	Retriever api.Retriever
	Store     store.VectorStorer
}

// NewApp builds the fiber application with every route and middleware.
func NewApp(cfg config.Config, deps Deps, l *slog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          api.ErrorHandler,
		BodyLimit:             cfg.Server.BodyLimitMB << 20,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		DisableStartupMessage: true,
	})
	app.Use(middleware.Observe(l))
	app.Use(recover.New())

	var (
		checkHandler   = api.NewCheckHandler()
		fileHandler    = api.NewFileHandler(deps.Ingester, l)
		requestHandler = api.NewRequestHandler(deps.Retriever, l)
		configHandler  = api.NewConfigHandler(deps.Store)
		check          = app.Group("/check")
	)

	app.Get("/", checkHandler.HandleRoot)
	app.Post("/embed", fileHandler.HandleEmbed)
	app.Post("/retrieve", requestHandler.HandleRetrieve)
	app.Get("/collections", configHandler.HandleCollections)
	check.Get("/healthy", checkHandler.HandleHealthy)

	if cfg.Metrics.Enabled {
		app.Get(cfg.Metrics.Path, adaptor.HTTPHandler(promhttp.Handler()))
	}
	return app
}

// Run opens the store and models, runs the startup checks and serves
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	storer, err := store.NewVectorStore(ctx, s.cfg.Store, s.logger)
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	defer func() {
		if err := storer.Close(); err != nil {
			s.logger.Error("close vector store", "error", err)
		}
	}()

	embedder, err := model.NewEmbedder(s.cfg.Embeddings, s.logger)
	if err != nil {
		return err
	}
	ingester, err := service.New(s.cfg.Ingest, embedder, storer, s.logger)
	if err != nil {
		return err
	}
	a := agent.NewFromConfig(s.cfg.Model, s.logger)

	if err := s.bootstrap(ctx, ingester, a); err != nil {
		return err
	}

	app := NewApp(s.cfg, Deps{
		Ingester:  ingester,
		Retriever: agent.NewRetriever(embedder, storer, a, s.cfg.Retrieval.TopK, s.logger),
		Store:     storer,
	}, s.logger)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Server.Addr)
		errCh <- app.Listen(s.cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("error to start server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// bootstrap prepares staging and the model. Only a staging failure is
// fatal; the rest is logged so the API can still report what is broken.
func (s *Server) bootstrap(ctx context.Context, ingester *service.Service, a *agent.Agent) error {
	if err := ingester.Staging().EnsureDirs(); err != nil {
		return err
	}

	if s.cfg.Server.SmokeTest {
		if err := ingester.SmokeTest(ctx); err != nil {
			s.logger.Error("smoke test failed", "error", err)
		}
	}

	if err := model.EnsureModelFile(ctx, s.cfg.Model, s.logger); err != nil {
		s.logger.Error("model download failed", "path", s.cfg.Model.Path, "error", err)
	}
	if p, ok := a.LLM().(model.Provisioner); ok && a.Ready() == nil {
		if err := p.EnsureModel(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("model provisioning failed", "model", a.LLM().Name(), "error", err)
		}
	}
	return nil
}
