package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdok/layersync/arcgis"
	"github.com/pdok/layersync/crs"
	"github.com/pdok/layersync/esri"
	"github.com/pdok/layersync/events"
	"github.com/pdok/layersync/feature"
	"github.com/pdok/layersync/processing"
	"github.com/pdok/layersync/wfs"
)

type fakeSource struct {
	collection *feature.Collection
	err        error
	calls      int
}

func (f *fakeSource) Fetch(_ context.Context, _ wfs.Request) (*wfs.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &wfs.Result{Collection: f.collection, Raw: []byte(`{"type":"FeatureCollection","features":[]}`)}, nil
}

// fakeLayer stores accepted batches like a layer with rollbackOnFailure.
type fakeLayer struct {
	calls     []string
	stored    []esri.Feature
	batches   []int
	rejectAt  map[int]int // batch number (1-based) -> record index to reject
	addErr    error
	truncErr  error
	truncates int
}

func (l *fakeLayer) Truncate(context.Context) error {
	l.calls = append(l.calls, "truncate")
	if l.truncErr != nil {
		return l.truncErr
	}
	l.truncates++
	l.stored = nil
	return nil
}

func (l *fakeLayer) AddFeatures(_ context.Context, features []esri.Feature) ([]arcgis.EditResult, error) {
	l.calls = append(l.calls, fmt.Sprintf("add %d", len(features)))
	l.batches = append(l.batches, len(features))
	if l.addErr != nil {
		return nil, l.addErr
	}
	results := make([]arcgis.EditResult, len(features))
	failed := false
	for i := range features {
		if rec, ok := l.rejectAt[len(l.batches)]; ok && rec == i {
			results[i] = arcgis.EditResult{Error: &arcgis.EditError{Code: 1000, Description: "rejected"}}
			failed = true
			continue
		}
		results[i] = arcgis.EditResult{ObjectID: int64(len(l.stored) + i + 1), Success: true}
	}
	if !failed {
		l.stored = append(l.stored, features...)
	}
	return results, nil
}

type fakeResolver struct {
	layer *fakeLayer
	err   error
	calls int
}

func (r *fakeResolver) ResolveLayer(_ context.Context, _ string, _ int) (Layer, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.layer, nil
}

func points(n int) *feature.Collection {
	c := &feature.Collection{CRS: crs.WGS84, NumberMatched: n}
	for i := 0; i < n; i++ {
		attrs := feature.NewAttributes()
		attrs.Set("seq", i)
		c.Features = append(c.Features, feature.Feature{
			ID:         i,
			Geometry:   geom.Point{float64(i%360) - 180, 52},
			Attributes: attrs,
		})
	}
	return c
}

func config() Config {
	return Config{
		Dataset: "historic-landfill",
		Source:  wfs.Request{URL: "https://example.com/wfs", TypeName: "landfill"},
		ItemID:  "c7647810cb124f47a3224692868e1d58",
	}
}

func newPipeline(source Source, resolver LayerResolver, rec *events.Recorder, opts ...Option) *Pipeline {
	opts = append([]Option{WithEvents(rec), WithRunID(func() string { return "run-1" })}, opts...)
	return New(source, resolver, opts...)
}

func TestRunBatches(t *testing.T) {
	layer := &fakeLayer{}
	rec := &events.Recorder{}
	p := newPipeline(&fakeSource{collection: points(1200)}, &fakeResolver{layer: layer}, rec)

	res, err := p.Run(context.Background(), config())
	require.NoError(t, err)

	assert.Equal(t, []string{"truncate", "add 500", "add 500", "add 200"}, layer.calls)
	assert.Equal(t, 1200, res.Fetched)
	assert.Equal(t, 1200, res.Uploaded)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, ExpectedBatches(1200, 500), res.Batches)

	require.Len(t, layer.stored, 1200)
	for i, f := range layer.stored {
		seq, _ := f.Attributes.Get("seq")
		require.Equal(t, i, seq, "batches must be contiguous and in order")
	}

	assert.Equal(t, []events.Type{
		events.Start, events.Fetched, events.Cleaned, events.Truncated,
		events.Batch, events.Batch, events.Batch, events.Success,
	}, rec.Types())
	last := rec.Events[len(rec.Events)-1]
	assert.Equal(t, 1200, last.Uploaded)
	assert.Equal(t, "historic-landfill", last.Dataset)
}

func TestRunBatchSizes(t *testing.T) {
	tests := []struct {
		features  int
		batchSize int
		want      []int
	}{
		{features: 1, batchSize: 0, want: []int{1}},
		{features: 500, batchSize: 500, want: []int{500}},
		{features: 501, batchSize: 500, want: []int{500, 1}},
		{features: 10, batchSize: 3, want: []int{3, 3, 3, 1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d by %d", tt.features, tt.batchSize), func(t *testing.T) {
			layer := &fakeLayer{}
			cfg := config()
			cfg.BatchSize = tt.batchSize
			res, err := newPipeline(&fakeSource{collection: points(tt.features)}, &fakeResolver{layer: layer}, &events.Recorder{}).
				Run(context.Background(), cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, layer.batches)
			assert.Equal(t, tt.features, res.Uploaded)
		})
	}
}

func TestRunEmptySource(t *testing.T) {
	layer := &fakeLayer{}
	res, err := newPipeline(&fakeSource{collection: points(0)}, &fakeResolver{layer: layer}, &events.Recorder{}).
		Run(context.Background(), config())
	require.NoError(t, err)
	assert.Equal(t, []string{"truncate"}, layer.calls)
	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, 0, res.Batches)
}

func TestRunPartialUpload(t *testing.T) {
	layer := &fakeLayer{rejectAt: map[int]int{2: 17}}
	rec := &events.Recorder{}
	res, err := newPipeline(&fakeSource{collection: points(1200)}, &fakeResolver{layer: layer}, rec).
		Run(context.Background(), config())

	var partial *PartialUploadError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, StepUpload, FailedStep(err))
	assert.Equal(t, 2, partial.Batch)
	assert.Equal(t, 3, partial.Batches)
	assert.Equal(t, 500, partial.Uploaded)
	require.Len(t, partial.Failures, 1)
	assert.Equal(t, RecordFailure{Batch: 2, Record: 17, Index: 517, Code: 1000, Description: "rejected"}, partial.Failures[0])
	assert.Contains(t, err.Error(), "batch 2 of 3 failed")

	assert.Equal(t, []string{"truncate", "add 500", "add 500"}, layer.calls, "no batch after the failed one")
	require.Len(t, layer.stored, 500)
	seq, _ := layer.stored[499].Attributes.Get("seq")
	assert.Equal(t, 499, seq, "target holds batch 1 only")
	assert.Equal(t, 500, res.Uploaded)

	failure := rec.Events[len(rec.Events)-1]
	assert.Equal(t, events.Failure, failure.Type)
	assert.Equal(t, "upload", failure.Step)
	assert.Equal(t, 2, failure.Batch)
	assert.Equal(t, 500, failure.Uploaded)
}

func TestRunFailsIffARecordFails(t *testing.T) {
	for batch := 0; batch <= 3; batch++ {
		t.Run(fmt.Sprintf("reject in batch %d", batch), func(t *testing.T) {
			layer := &fakeLayer{rejectAt: map[int]int{}}
			if batch > 0 {
				layer.rejectAt[batch] = 0
			}
			_, err := newPipeline(&fakeSource{collection: points(1200)}, &fakeResolver{layer: layer}, &events.Recorder{}).
				Run(context.Background(), config())
			var partial *PartialUploadError
			assert.Equal(t, batch > 0, errors.As(err, &partial))
		})
	}
}

func TestRunAddRequestFails(t *testing.T) {
	cause := errors.New("502 bad gateway")
	layer := &fakeLayer{addErr: cause}
	_, err := newPipeline(&fakeSource{collection: points(10)}, &fakeResolver{layer: layer}, &events.Recorder{}).
		Run(context.Background(), config())
	var partial *PartialUploadError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, partial.Batch)
	require.ErrorIs(t, err, cause)
}

func TestRunTargetNotFound(t *testing.T) {
	layer := &fakeLayer{}
	resolver := &fakeResolver{layer: layer, err: fmt.Errorf("%w: nope", arcgis.ErrItemNotFound)}
	_, err := newPipeline(&fakeSource{collection: points(3)}, resolver, &events.Recorder{}).
		Run(context.Background(), config())

	var notFound *TargetNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "c7647810cb124f47a3224692868e1d58", notFound.ItemID)
	assert.Equal(t, StepResolve, FailedStep(err))
	assert.Empty(t, layer.calls, "truncate must not be issued")
}

func TestRunResolveError(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("token expired")}
	_, err := newPipeline(&fakeSource{collection: points(3)}, resolver, &events.Recorder{}).
		Run(context.Background(), config())
	var notFound *TargetNotFoundError
	assert.False(t, errors.As(err, &notFound))
	assert.Equal(t, StepResolve, FailedStep(err))
}

func TestRunFetchErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "transport", err: &wfs.TransportError{URL: "https://example.com/wfs", StatusCode: 503, Err: errors.New("unavailable")}},
		{name: "parse", err: &wfs.ParseError{URL: "https://example.com/wfs", Err: errors.New("not json")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{layer: &fakeLayer{}}
			rec := &events.Recorder{}
			_, err := newPipeline(&fakeSource{err: tt.err}, resolver, rec).Run(context.Background(), config())
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, StepFetch, FailedStep(err))
			assert.Equal(t, 0, resolver.calls)
			assert.Equal(t, []events.Type{events.Start, events.Failure}, rec.Types())
		})
	}
}

func TestRunNoGeometryInFirstBatch(t *testing.T) {
	mercator := crs.MustParse("EPSG:3857")
	c := points(3)
	c.CRS = mercator
	for i := range c.Features {
		c.Features[i].Geometry = geom.MultiPolygon{geom.Polygon{}}
	}
	cfg := config()
	cfg.Processing = processing.Options{TargetCRS: mercator}
	layer := &fakeLayer{}
	_, err := newPipeline(&fakeSource{collection: c}, &fakeResolver{layer: layer}, &events.Recorder{}).
		Run(context.Background(), cfg)
	require.ErrorIs(t, err, ErrNoGeometry)
	assert.Equal(t, StepCheck, FailedStep(err))
	assert.Empty(t, layer.calls, "the target must keep its contents")
}

func TestRunCleans(t *testing.T) {
	c := points(4)
	c.Features[1].Geometry = nil
	c.Features[2].Geometry = geom.Polygon{{{0, 0}, {1, 1}, {1, 0}, {0, 1}, {0, 0}}}
	layer := &fakeLayer{}
	cfg := config()
	cfg.Processing = processing.Options{DropInvalid: true}

	res, err := newPipeline(&fakeSource{collection: c}, &fakeResolver{layer: layer}, &events.Recorder{}).
		Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Fetched)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 1, res.Report.NullGeometry)
	assert.Equal(t, 1, res.Report.Invalid)
}

func TestRunDropsMixedCollections(t *testing.T) {
	c := points(3)
	c.Features[1].Geometry = geom.Collection{geom.Point{1, 1}, geom.LineString{{0, 0}, {1, 1}}}
	layer := &fakeLayer{}
	res, err := newPipeline(&fakeSource{collection: c}, &fakeResolver{layer: layer}, &events.Recorder{}).
		Run(context.Background(), config())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 1, res.Report.Unrepresentable)
}

func TestRunCRSMismatch(t *testing.T) {
	c := points(2)
	c.CRS = crs.MustParse("EPSG:27700")
	cfg := config()
	cfg.Processing = processing.Options{Reproject: false}
	layer := &fakeLayer{}
	_, err := newPipeline(&fakeSource{collection: c}, &fakeResolver{layer: layer}, &events.Recorder{}).
		Run(context.Background(), cfg)
	require.ErrorIs(t, err, processing.ErrCRSMismatch)
	assert.Equal(t, StepClean, FailedStep(err))
	assert.Empty(t, layer.calls)
}

type fakeArchiver struct {
	runs []string
	err  error
}

func (a *fakeArchiver) Archive(_ context.Context, dataset, runID string, raw []byte) (string, error) {
	a.runs = append(a.runs, runID)
	return "s3://bucket/" + dataset + "/" + runID + ".json", a.err
}

type fakeSnapshotter struct {
	collections []*feature.Collection
}

func (s *fakeSnapshotter) Snapshot(_ context.Context, _ string, c *feature.Collection) error {
	s.collections = append(s.collections, c)
	return nil
}

func TestRunDryRunWithArchiveAndSnapshot(t *testing.T) {
	archiver := &fakeArchiver{}
	snapshotter := &fakeSnapshotter{}
	cfg := config()
	cfg.DryRun = true
	rec := &events.Recorder{}
	res, err := newPipeline(&fakeSource{collection: points(3)}, nil, rec,
		WithArchiver(archiver), WithSnapshotter(snapshotter)).Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"run-1"}, archiver.runs)
	assert.Equal(t, "s3://bucket/historic-landfill/run-1.json", res.Archive)
	require.Len(t, snapshotter.collections, 1)
	assert.Equal(t, 3, snapshotter.collections[0].Len())
	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, []events.Type{events.Start, events.Fetched, events.Cleaned, events.Success}, rec.Types())
}

func TestRunArchiveFailure(t *testing.T) {
	archiver := &fakeArchiver{err: errors.New("access denied")}
	layer := &fakeLayer{}
	_, err := newPipeline(&fakeSource{collection: points(3)}, &fakeResolver{layer: layer}, &events.Recorder{},
		WithArchiver(archiver)).Run(context.Background(), config())
	assert.Equal(t, StepArchive, FailedStep(err))
	assert.Empty(t, layer.calls)
}

func TestRunTruncateFailure(t *testing.T) {
	layer := &fakeLayer{truncErr: errors.New("lock timeout")}
	_, err := newPipeline(&fakeSource{collection: points(3)}, &fakeResolver{layer: layer}, &events.Recorder{}).
		Run(context.Background(), config())
	assert.Equal(t, StepTruncate, FailedStep(err))
	assert.Equal(t, []string{"truncate"}, layer.calls)
}
