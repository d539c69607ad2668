// Package runner runs the sync of one dataset end to end: lock, credentials, session,
// pipeline, history.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pdok/layersync/arcgis"
	"github.com/pdok/layersync/catalog"
	"github.com/pdok/layersync/credentials"
	"github.com/pdok/layersync/events"
	"github.com/pdok/layersync/history"
	"github.com/pdok/layersync/lock"
	"github.com/pdok/layersync/pipeline"
)

type Trigger string

const (
	TriggerCLI      Trigger = "cli"
	TriggerSchedule Trigger = "schedule"
	TriggerAPI      Trigger = "api"
)

const (
	StepCredentials pipeline.Step = "credentials"
	StepLogin       pipeline.Step = "login"
)

// Session is an authenticated connection to the target platform.
type Session interface {
	pipeline.LayerResolver
	Close() error
}

type Portal interface {
	Login(ctx context.Context, creds credentials.Credentials) (Session, error)
}

type arcgisPortal struct {
	client *arcgis.Client
}

// ArcGISPortal logs in to an ArcGIS portal.
func ArcGISPortal(c *arcgis.Client) Portal {
	return arcgisPortal{client: c}
}

func (p arcgisPortal) Login(ctx context.Context, creds credentials.Credentials) (Session, error) {
	s, err := p.client.Login(ctx, creds)
	if err != nil {
		return nil, err
	}
	return arcgisSession{LayerResolver: pipeline.SessionResolver(s), session: s}, nil
}

type arcgisSession struct {
	pipeline.LayerResolver
	session *arcgis.Session
}

func (s arcgisSession) Close() error {
	return s.session.Close()
}

type History interface {
	Record(ctx context.Context, r history.Run) error
}

type Runner struct {
	catalog     *catalog.Catalog
	source      pipeline.Source
	portal      Portal
	credentials credentials.Provider
	guard       *lock.Guard
	locker      lock.Locker
	history     History
	sink        events.Sink
	archiver    pipeline.Archiver
	logger      *slog.Logger
	now         func() time.Time
}

type Option func(*Runner)

// WithLocker adds a lock taken after the in-process guard, e.g. a lock.Valkey.
func WithLocker(l lock.Locker) Option {
	return func(r *Runner) { r.locker = l }
}

func WithHistory(h History) Option {
	return func(r *Runner) { r.history = h }
}

func WithEvents(s events.Sink) Option {
	return func(r *Runner) { r.sink = s }
}

func WithArchiver(a pipeline.Archiver) Option {
	return func(r *Runner) { r.archiver = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func New(c *catalog.Catalog, source pipeline.Source, portal Portal, creds credentials.Provider, opts ...Option) *Runner {
	r := &Runner{
		catalog:     c,
		source:      source,
		portal:      portal,
		credentials: creds,
		guard:       &lock.Guard{},
		sink:        events.Discard,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Catalog() *catalog.Catalog {
	return r.catalog
}

// Running lists the datasets in flight in this process.
func (r *Runner) Running() []string {
	return r.guard.Running()
}

// Wait blocks until no dataset is in flight or ctx is done.
func (r *Runner) Wait(ctx context.Context) {
	r.guard.Wait(ctx)
}

// Run syncs one dataset. It returns lock.ErrLocked when the dataset is already in flight,
// here or in another process sharing the lock.
func (r *Runner) Run(ctx context.Context, id string, trigger Trigger) (*pipeline.Result, error) {
	d, err := r.catalog.Get(id)
	if err != nil {
		return nil, err
	}
	cfg, err := d.PipelineConfig()
	if err != nil {
		return nil, err
	}

	release, err := lock.Chain(r.guard, r.locker).Acquire(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", id, err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("could not release lock", "dataset", id, "error", err)
		}
	}()

	runID := uuid.NewString()
	started := r.now()
	result, err := r.run(ctx, runID, cfg)
	if result == nil {
		result = &pipeline.Result{RunID: runID, Dataset: id, Duration: r.now().Sub(started)}
	}
	r.record(ctx, d.ID, trigger, started, result, err)
	return result, err
}

func (r *Runner) run(ctx context.Context, runID string, cfg pipeline.Config) (*pipeline.Result, error) {
	creds, err := r.credentials.Credentials(ctx)
	if err != nil {
		return nil, r.failEarly(ctx, runID, cfg.Dataset, &pipeline.StepError{Step: StepCredentials, Err: err})
	}
	session, err := r.portal.Login(ctx, creds)
	if err != nil {
		return nil, r.failEarly(ctx, runID, cfg.Dataset, &pipeline.StepError{Step: StepLogin, Err: err})
	}
	defer func() {
		if err := session.Close(); err != nil {
			r.logger.Warn("could not close session", "dataset", cfg.Dataset, "error", err)
		}
	}()

	opts := []pipeline.Option{
		pipeline.WithEvents(r.sink),
		pipeline.WithLogger(r.logger),
		pipeline.WithRunID(func() string { return runID }),
	}
	if r.archiver != nil {
		opts = append(opts, pipeline.WithArchiver(r.archiver))
	}
	return pipeline.New(r.source, session, opts...).Run(ctx, cfg)
}

// failEarly reports a run that failed before the pipeline started.
func (r *Runner) failEarly(ctx context.Context, runID, dataset string, err *pipeline.StepError) error {
	base := events.Event{Time: r.now(), RunID: runID, Dataset: dataset}
	start := base
	start.Type = events.Start
	r.sink.Emit(ctx, start)
	failure := base
	failure.Type = events.Failure
	failure.Step = string(err.Step)
	failure.Error = err.Error()
	r.sink.Emit(ctx, failure)
	return err
}

func (r *Runner) record(ctx context.Context, dataset string, trigger Trigger, started time.Time, result *pipeline.Result, err error) {
	if r.history == nil {
		return
	}
	run := history.Run{
		ID:       result.RunID,
		Dataset:  dataset,
		Trigger:  string(trigger),
		Started:  started,
		Duration: result.Duration,
		Outcome:  history.Success,
		Fetched:  result.Fetched,
		Dropped:  result.Report.Dropped(),
		Uploaded: result.Uploaded,
		Batches:  result.Batches,
		Archive:  result.Archive,
	}
	if err != nil {
		run.Outcome = history.Failure
		run.Step = string(pipeline.FailedStep(err))
		run.Error = err.Error()
	}
	if err := r.history.Record(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Error("could not record run", "dataset", dataset, "run", run.ID, "error", err)
	}
}

// RunAll syncs the datasets in order. Without keepGoing it stops at the first failure.
func (r *Runner) RunAll(ctx context.Context, ids []string, trigger Trigger, keepGoing bool) error {
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := r.Run(ctx, id, trigger); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			if !keepGoing {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Snapshot fetches and cleans a dataset and hands the result to s. The target is not touched
// and no credentials are needed.
func (r *Runner) Snapshot(ctx context.Context, id string, s pipeline.Snapshotter) (*pipeline.Result, error) {
	d, err := r.catalog.Get(id)
	if err != nil {
		return nil, err
	}
	cfg, err := d.PipelineConfig()
	if err != nil {
		return nil, err
	}
	cfg.DryRun = true
	p := pipeline.New(r.source, nil,
		pipeline.WithEvents(r.sink),
		pipeline.WithLogger(r.logger),
		pipeline.WithSnapshotter(s),
	)
	return p.Run(ctx, cfg)
}
