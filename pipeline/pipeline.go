// Package pipeline replaces the contents of a hosted feature layer with the features of a
// WFS feature type: fetch, clean, transform, then truncate and upload in batches.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pdok/layersync/arcgis"
	"github.com/pdok/layersync/esri"
	"github.com/pdok/layersync/events"
	"github.com/pdok/layersync/feature"
	"github.com/pdok/layersync/mapslicehelp"
	"github.com/pdok/layersync/mathhelp"
	"github.com/pdok/layersync/processing"
	"github.com/pdok/layersync/wfs"
)

const DefaultBatchSize = 500

type Source interface {
	Fetch(ctx context.Context, req wfs.Request) (*wfs.Result, error)
}

type Layer interface {
	Truncate(ctx context.Context) error
	AddFeatures(ctx context.Context, features []esri.Feature) ([]arcgis.EditResult, error)
}

type LayerResolver interface {
	ResolveLayer(ctx context.Context, itemID string, index int) (Layer, error)
}

// Archiver stores the raw source response and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, dataset, runID string, raw []byte) (string, error)
}

// Snapshotter stores the cleaned collection.
type Snapshotter interface {
	Snapshot(ctx context.Context, dataset string, c *feature.Collection) error
}

// Config is everything that differs between datasets.
type Config struct {
	Dataset    string
	Source     wfs.Request
	ItemID     string
	LayerIndex int
	// BatchSize defaults to DefaultBatchSize.
	BatchSize  int
	Processing processing.Options
	// DryRun stops after the geometry check; the target is not touched.
	DryRun bool
}

type Result struct {
	RunID    string
	Dataset  string
	Fetched  int
	Report   processing.Report
	Uploaded int
	Batches  int
	Duration time.Duration
	// Archive is the location of the raw response, if archived.
	Archive string
}

type Pipeline struct {
	source      Source
	target      LayerResolver
	sink        events.Sink
	archiver    Archiver
	snapshotter Snapshotter
	logger      *slog.Logger
	now         func() time.Time
	newRunID    func() string
}

type Option func(*Pipeline)

func WithEvents(s events.Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) { p.archiver = a }
}

func WithSnapshotter(s Snapshotter) Option {
	return func(p *Pipeline) { p.snapshotter = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithRunID(f func() string) Option {
	return func(p *Pipeline) { p.newRunID = f }
}

// New creates a pipeline. target may be nil for dry runs.
func New(source Source, target LayerResolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:   source,
		target:   target,
		sink:     events.Discard,
		logger:   slog.Default(),
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run holds the state of one Run, for error reporting.
type run struct {
	*Pipeline
	cfg     Config
	result  Result
	start   time.Time
	batch   int
	batches int
}

func (r *run) emit(ctx context.Context, e events.Event) {
	e.Time = r.now()
	e.RunID = r.result.RunID
	e.Dataset = r.cfg.Dataset
	r.sink.Emit(ctx, e)
}

// Run performs one sync. On failure the returned error is a *StepError and the result
// holds the progress made so far.
func (p *Pipeline) Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Processing.Logger == nil {
		cfg.Processing.Logger = p.logger
	}
	r := &run{
		Pipeline: p,
		cfg:      cfg,
		result:   Result{RunID: p.newRunID(), Dataset: cfg.Dataset},
		start:    p.now(),
	}
	r.emit(ctx, events.Event{Type: events.Start})

	err := r.do(ctx)
	r.result.Duration = p.now().Sub(r.start)
	if err != nil {
		r.emit(ctx, events.Event{
			Type:     events.Failure,
			Step:     string(FailedStep(err)),
			Batch:    r.batch,
			Batches:  r.batches,
			Uploaded: r.result.Uploaded,
			Duration: r.result.Duration,
			Error:    err.Error(),
		})
		return &r.result, err
	}
	r.emit(ctx, events.Event{
		Type:     events.Success,
		Features: r.result.Fetched,
		Uploaded: r.result.Uploaded,
		Batches:  r.result.Batches,
		Duration: r.result.Duration,
	})
	return &r.result, nil
}

//nolint:cyclop,funlen
func (r *run) do(ctx context.Context) error {
	fetched, err := r.source.Fetch(ctx, r.cfg.Source)
	if err != nil {
		return &StepError{Step: StepFetch, Err: err}
	}
	r.result.Fetched = fetched.Collection.Len()
	r.emit(ctx, events.Event{Type: events.Fetched, Features: r.result.Fetched})

	if r.archiver != nil {
		location, err := r.archiver.Archive(ctx, r.cfg.Dataset, r.result.RunID, fetched.Raw)
		if err != nil {
			return &StepError{Step: StepArchive, Err: err}
		}
		r.result.Archive = location
	}

	cleaned, report, err := processing.Clean(fetched.Collection, r.cfg.Processing)
	r.result.Report = report
	if err != nil {
		return &StepError{Step: StepClean, Err: err}
	}
	r.emit(ctx, events.Event{Type: events.Cleaned, Features: report.Kept, Dropped: report.Dropped()})
	if report.AssumedCRS {
		r.logger.Info("source declares no crs, assuming one", "dataset", r.cfg.Dataset, "crs", report.SourceCRS)
	}
	if report.Reprojected {
		r.logger.Info("reprojected features", "dataset", r.cfg.Dataset, "from", report.SourceCRS, "to", cleaned.CRS)
	}

	if r.snapshotter != nil {
		if err := r.snapshotter.Snapshot(ctx, r.cfg.Dataset, cleaned); err != nil {
			return &StepError{Step: StepSnapshot, Err: err}
		}
	}

	features, err := esri.Transform(cleaned)
	if err != nil {
		return &StepError{Step: StepTransform, Err: err}
	}
	batches := mapslicehelp.Partition(features, r.cfg.BatchSize)
	r.batches = len(batches)
	if len(batches) > 0 && !anyGeometry(batches[0]) {
		return &StepError{Step: StepCheck, Err: ErrNoGeometry}
	}
	if r.cfg.DryRun {
		return nil
	}

	layer, err := r.resolve(ctx)
	if err != nil {
		return &StepError{Step: StepResolve, Err: err}
	}
	if err := layer.Truncate(ctx); err != nil {
		return &StepError{Step: StepTruncate, Err: err}
	}
	r.emit(ctx, events.Event{Type: events.Truncated})

	if err := r.upload(ctx, layer, batches); err != nil {
		return &StepError{Step: StepUpload, Err: err}
	}
	return nil
}

func (r *run) resolve(ctx context.Context) (Layer, error) {
	if r.target == nil {
		return nil, errors.New("no target configured")
	}
	layer, err := r.target.ResolveLayer(ctx, r.cfg.ItemID, r.cfg.LayerIndex)
	if err != nil {
		if errors.Is(err, arcgis.ErrItemNotFound) {
			return nil, &TargetNotFoundError{ItemID: r.cfg.ItemID, Layer: r.cfg.LayerIndex, Err: err}
		}
		return nil, err
	}
	return layer, nil
}

// upload sends the batches in order and stops at the first batch that is not fully accepted.
func (r *run) upload(ctx context.Context, layer Layer, batches [][]esri.Feature) error {
	offset := 0
	for i, batch := range batches {
		r.batch = i + 1
		results, err := layer.AddFeatures(ctx, batch)
		if err != nil {
			return &PartialUploadError{
				Batch: r.batch, Batches: r.batches, Uploaded: r.result.Uploaded, Records: len(batch), Cause: err,
			}
		}
		var failures []RecordFailure
		for j, res := range results {
			if res.Success {
				continue
			}
			f := RecordFailure{Batch: r.batch, Record: j, Index: offset + j}
			if res.Error != nil {
				f.Code, f.Description = res.Error.Code, res.Error.Description
			}
			failures = append(failures, f)
		}
		if len(failures) > 0 {
			return &PartialUploadError{
				Batch: r.batch, Batches: r.batches, Uploaded: r.result.Uploaded, Records: len(batch), Failures: failures,
			}
		}
		r.result.Uploaded += len(batch)
		r.result.Batches++
		offset += len(batch)
		r.emit(ctx, events.Event{
			Type:     events.Batch,
			Batch:    r.batch,
			Batches:  r.batches,
			Records:  len(batch),
			Uploaded: r.result.Uploaded,
		})
	}
	return nil
}

func anyGeometry(batch []esri.Feature) bool {
	for _, f := range batch {
		if f.HasGeometry() {
			return true
		}
	}
	return false
}

// ExpectedBatches is the number of add requests needed for n records.
func ExpectedBatches(n, batchSize int) int {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return mathhelp.CeilDiv(n, batchSize)
}

type sessionResolver struct {
	session *arcgis.Session
}

// SessionResolver resolves layers through an authenticated session.
func SessionResolver(s *arcgis.Session) LayerResolver {
	return sessionResolver{session: s}
}

func (r sessionResolver) ResolveLayer(ctx context.Context, itemID string, index int) (Layer, error) {
	l, err := r.session.Layer(ctx, itemID, index)
	if err != nil {
		return nil, err
	}
	return l, nil
}
