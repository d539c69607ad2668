package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/pdok/layersync/esri"
)

// Layer is a resolved layer of a hosted feature service.
type Layer struct {
	session *Session

	ItemID       string
	Index        int
	Name         string
	GeometryType string
	URL          string
	adminURL     string
}

// Truncate deletes all features of the layer and waits for completion.
func (l *Layer) Truncate(ctx context.Context) error {
	form := url.Values{}
	form.Set("async", "false")
	var resp struct {
		Success *bool `json:"success"`
	}
	if err := l.session.post(ctx, l.adminURL+"/truncate", form, &resp); err != nil {
		return fmt.Errorf("truncate %s: %w", l.URL, err)
	}
	if resp.Success == nil || !*resp.Success {
		return fmt.Errorf("truncate %s: service did not report success", l.URL)
	}
	return nil
}

type EditError struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// EditResult is the outcome of one record of an edit request.
type EditResult struct {
	ObjectID int64      `json:"objectId"`
	Success  bool       `json:"success"`
	Error    *EditError `json:"error,omitempty"`
}

// AddFeatures inserts features as one unit: when a record is rejected none is stored.
// It returns one result per feature, in request order; callers must check every Success flag.
func (l *Layer) AddFeatures(ctx context.Context, features []esri.Feature) ([]EditResult, error) {
	payload, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}
	form := url.Values{}
	form.Set("features", string(payload))
	form.Set("rollbackOnFailure", "true")

	var resp struct {
		AddResults *[]EditResult `json:"addResults"`
	}
	if err := l.session.post(ctx, l.URL+"/addFeatures", form, &resp); err != nil {
		return nil, fmt.Errorf("add features to %s: %w", l.URL, err)
	}
	if resp.AddResults == nil {
		return nil, errors.New("add features: response has no addResults")
	}
	results := *resp.AddResults
	if len(results) != len(features) {
		return results, fmt.Errorf("add features: %d results for %d features", len(results), len(features))
	}
	return results, nil
}
