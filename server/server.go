// Package server exposes health, metrics, run history and manual sync triggers over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/pdok/layersync/catalog"
	"github.com/pdok/layersync/history"
	"github.com/pdok/layersync/lock"
	"github.com/pdok/layersync/pipeline"
	"github.com/pdok/layersync/runner"
)

const maxRunsLimit = 500

type Syncer interface {
	Run(ctx context.Context, id string, trigger runner.Trigger) (*pipeline.Result, error)
	Running() []string
	Catalog() *catalog.Catalog
}

type Runs interface {
	List(ctx context.Context, dataset string, limit int) ([]history.Run, error)
}

// NextFunc returns the next scheduled run of a dataset.
type NextFunc func(id string) (time.Time, bool)

type Server struct {
	app      *fiber.App
	syncer   Syncer
	runs     Runs
	gatherer prometheus.Gatherer
	next     NextFunc
	logger   *slog.Logger
	started  time.Time

	// accepted guards the gap between accepting a trigger and the runner taking its lock.
	accepted lock.Guard
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*Server)

func WithHistory(r Runs) Option {
	return func(s *Server) { s.runs = r }
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithSchedule(next NextFunc) Option {
	return func(s *Server) { s.next = next }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func New(syncer Syncer, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		syncer:   syncer,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "layersync",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		BodyLimit:             64 * 1024,
	})
	s.app.Use(recover.New())
	s.app.Use(requestid.New())
	s.app.Use(s.requestLog)

	s.app.Get("/healthz", s.health)
	s.app.Get("/metrics", s.metrics())
	s.app.Get("/datasets", s.datasets)
	s.app.Get("/runs", s.listRuns)
	s.app.Post("/datasets/:id/sync", s.sync)
	return s
}

// App is the underlying fiber app, for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	s.logger.Info("http server starting", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests, cancels the syncs it started and waits for them
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (s *Server) requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("http request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start),
		"request_id", c.Locals("requestid"),
	)
	return err
}

type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(apiError{Status: status, Code: code, Message: message})
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"version": versioninfo.Short(),
		"running": s.syncer.Running(),
	})
}

func (s *Server) metrics() fiber.Handler {
	handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return func(c *fiber.Ctx) error {
		handler(c.Context())
		return nil
	}
}

type datasetView struct {
	ID       string     `json:"id"`
	Title    string     `json:"title,omitempty"`
	ItemID   string     `json:"itemId"`
	Layer    int        `json:"layer"`
	Schedule string     `json:"schedule,omitempty"`
	Next     *time.Time `json:"next,omitempty"`
	Running  bool       `json:"running"`
}

func (s *Server) datasets(c *fiber.Ctx) error {
	running := s.syncer.Running()
	all := s.syncer.Catalog().All()
	views := make([]datasetView, 0, len(all))
	for _, d := range all {
		v := datasetView{
			ID:       d.ID,
			Title:    d.Title,
			ItemID:   d.Target.ItemID,
			Layer:    d.Target.Layer,
			Schedule: d.Schedule,
			Running:  slices.Contains(running, d.ID),
		}
		if s.next != nil {
			if next, ok := s.next(d.ID); ok {
				v.Next = &next
			}
		}
		views = append(views, v)
	}
	return c.JSON(views)
}

func (s *Server) listRuns(c *fiber.Ctx) error {
	if s.runs == nil {
		return newError(c, fiber.StatusNotFound, "not_configured", "run history is not configured")
	}
	limit := c.QueryInt("limit", history.DefaultLimit)
	if limit < 1 || limit > maxRunsLimit {
		return newError(c, fiber.StatusBadRequest, "bad_request", "limit must be between 1 and 500")
	}
	dataset := c.Query("dataset")
	if dataset != "" {
		if _, err := s.syncer.Catalog().Get(dataset); err != nil {
			return newError(c, fiber.StatusNotFound, "not_found", err.Error())
		}
	}
	runs, err := s.runs.List(c.UserContext(), dataset, limit)
	if err != nil {
		s.logger.Error("could not list runs", "error", err)
		return newError(c, fiber.StatusInternalServerError, "internal_error", "could not list runs")
	}
	return c.JSON(runs)
}

func (s *Server) sync(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.syncer.Catalog().Get(id); err != nil {
		return newError(c, fiber.StatusNotFound, "not_found", err.Error())
	}
	if slices.Contains(s.syncer.Running(), id) || !s.accepted.TryLock(id) {
		return newError(c, fiber.StatusConflict, "in_flight", "dataset "+id+" is already being synced")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.accepted.Unlock(id)
		_, err := s.syncer.Run(s.ctx, id, runner.TriggerAPI)
		if err != nil {
			// failures are reported as events; only a lost lock race is new here
			if errors.Is(err, lock.ErrLocked) {
				s.logger.Info("triggered sync skipped, dataset in flight", "dataset", id)
			}
		}
	}()
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"dataset": id, "status": "accepted"})
}
