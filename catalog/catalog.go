// Package catalog holds the dataset definitions: which WFS feature type goes to which hosted layer.
package catalog

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/perimeterx/marshmallow"
	"github.com/robfig/cron/v3"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/pdok/layersync/crs"
	"github.com/pdok/layersync/mapslicehelp"
	"github.com/pdok/layersync/pipeline"
	"github.com/pdok/layersync/processing"
	"github.com/pdok/layersync/wfs"
)

var (
	//go:embed datasets/*.json
	embeddedDatasetsJSONFS embed.FS
	embeddedDatasetsCache  = make(map[string]*Dataset)
	embeddedDatasetsMu     sync.Mutex

	ErrUnknownDataset = errors.New("unknown dataset")

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("crs", func(fl validator.FieldLevel) bool {
		_, err := crs.Parse(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

type Source struct {
	URL          string `validate:"required,url" json:"url"`
	TypeName     string `validate:"required" json:"typeName"`
	Version      string `default:"2.0.0" json:"version"`
	OutputFormat string `default:"json" json:"outputFormat"`
	// SRSName asks the server for features in this CRS.
	SRSName string `validate:"omitempty,crs" json:"srsName,omitempty"`
}

// Target is a layer of a hosted feature service item.
type Target struct {
	ItemID string `validate:"required,len=32,hexadecimal" json:"itemId"`
	Layer  int    `validate:"min=0" json:"layer"`
}

// Dataset is the configuration record of one sync.
type Dataset struct {
	ID     string `validate:"required,hostname_rfc1123" json:"id"`
	Title  string `json:"title,omitempty"`
	Source Source `validate:"required" json:"source"`
	// Target is either an item id or {"itemId": ..., "layer": ...}.
	Target                 Target `validate:"required" json:"-"`
	BatchSize              int    `default:"500" validate:"min=1,max=2000" json:"batchSize"`
	DropInvalid            bool   `json:"dropInvalid"`
	Reproject              *bool  `default:"true" validate:"required" json:"reproject"`
	ValidateAfterReproject bool   `json:"validateAfterReproject"`
	AssumeCRS              string `default:"EPSG:4326" validate:"crs" json:"assumeCrs"`
	TargetCRS              string `default:"EPSG:4326" validate:"crs" json:"targetCrs"`
	// Schedule is a standard five field cron expression. Empty means manual runs only.
	Schedule string `validate:"omitempty,cronspec" json:"schedule,omitempty"`
}

func (d *Dataset) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Dataset              // not a pointer, because it would cause recursion to this function
		SpecialTarget Target `json:"target"`
	}{
		Dataset:       *d,
		SpecialTarget: d.Target,
	})
}

func (d *Dataset) UnmarshalJSON(data []byte) error {
	err := defaults.Set(d)
	if err != nil {
		return err
	}

	specials, err := marshmallow.Unmarshal(data, d, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	rawTarget, ok := specials["target"]
	if !ok {
		return fmt.Errorf(`missing key "target"`)
	}
	d.Target, err = unmarshalTarget(rawTarget)
	if err != nil {
		return err
	}

	return validate.Struct(d)
}

func unmarshalTarget(rawTarget interface{}) (Target, error) {
	switch raw := rawTarget.(type) {
	case string:
		return Target{ItemID: raw}, nil
	case map[string]interface{}:
		var t Target
		itemID, ok := raw["itemId"].(string)
		if !ok {
			return t, fmt.Errorf(`"target.itemId" should be a string`)
		}
		t.ItemID = itemID
		if rawLayer, ok := raw["layer"]; ok {
			layer, ok := rawLayer.(float64)
			if !ok || layer != float64(int(layer)) {
				return t, fmt.Errorf(`"target.layer" should be an integer`)
			}
			t.Layer = int(layer)
		}
		return t, nil
	default:
		return Target{}, fmt.Errorf(`wrong type key "target": %T`, rawTarget)
	}
}

// PipelineConfig turns the record into the settings of one pipeline run.
func (d Dataset) PipelineConfig() (pipeline.Config, error) {
	assume, err := crs.Parse(d.AssumeCRS)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("dataset %s: assumeCrs: %w", d.ID, err)
	}
	target, err := crs.Parse(d.TargetCRS)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("dataset %s: targetCrs: %w", d.ID, err)
	}
	reproject := d.Reproject == nil || *d.Reproject
	return pipeline.Config{
		Dataset: d.ID,
		Source: wfs.Request{
			URL:          d.Source.URL,
			TypeName:     d.Source.TypeName,
			Version:      d.Source.Version,
			OutputFormat: d.Source.OutputFormat,
			SRSName:      d.Source.SRSName,
		},
		ItemID:     d.Target.ItemID,
		LayerIndex: d.Target.Layer,
		BatchSize:  d.BatchSize,
		Processing: processing.Options{
			DropInvalid:            d.DropInvalid,
			Reproject:              reproject,
			ValidateAfterReproject: d.ValidateAfterReproject,
			AssumeCRS:              assume,
			TargetCRS:              target,
		},
	}, nil
}

func LoadEmbeddedDataset(id string) (Dataset, error) {
	embeddedDatasetsMu.Lock()
	defer embeddedDatasetsMu.Unlock()

	var d Dataset
	cached, ok := embeddedDatasetsCache[id]
	if ok {
		return *cached, nil
	}
	datasetJSON, err := embeddedDatasetsJSONFS.ReadFile("datasets/" + id + ".json")
	if err != nil {
		return d, fmt.Errorf("%w: %s", ErrUnknownDataset, id)
	}
	err = json.Unmarshal(datasetJSON, &d)
	if err != nil {
		return d, fmt.Errorf("dataset %s: %w", id, err)
	}
	embeddedDatasetsCache[id] = &d
	return d, nil
}

// EmbeddedDatasetIDs lists the built-in datasets in name order.
func EmbeddedDatasetIDs() ([]string, error) {
	entries, err := embeddedDatasetsJSONFS.ReadDir("datasets")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if name := e.Name(); path.Ext(name) == ".json" {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}
	return ids, nil
}

// Catalog keeps datasets in definition order.
type Catalog struct {
	datasets *orderedmap.OrderedMap[string, Dataset]
}

func New(datasets ...Dataset) (*Catalog, error) {
	c := &Catalog{datasets: orderedmap.New[string, Dataset]()}
	for _, d := range datasets {
		if _, present := c.datasets.Get(d.ID); present {
			return nil, fmt.Errorf("duplicate dataset id %q", d.ID)
		}
		c.datasets.Set(d.ID, d)
	}
	return c, nil
}

// LoadEmbedded returns a catalog of all built-in datasets.
func LoadEmbedded() (*Catalog, error) {
	ids, err := EmbeddedDatasetIDs()
	if err != nil {
		return nil, err
	}
	datasets := make([]Dataset, 0, len(ids))
	for _, id := range ids {
		d, err := LoadEmbeddedDataset(id)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, d)
	}
	return New(datasets...)
}

// LoadFile reads a JSON array of dataset records.
func LoadFile(file string) (*Catalog, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var datasets []Dataset
	if err := json.Unmarshal(data, &datasets); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return New(datasets...)
}

func (c *Catalog) Get(id string) (Dataset, error) {
	d, ok := c.datasets.Get(id)
	if !ok {
		return Dataset{}, fmt.Errorf("%w: %s", ErrUnknownDataset, id)
	}
	return d, nil
}

func (c *Catalog) IDs() []string {
	return mapslicehelp.OrderedMapKeys(c.datasets)
}

func (c *Catalog) All() []Dataset {
	all := make([]Dataset, 0, c.datasets.Len())
	for p := c.datasets.Oldest(); p != nil; p = p.Next() {
		all = append(all, p.Value)
	}
	return all
}

func (c *Catalog) Len() int {
	return c.datasets.Len()
}
