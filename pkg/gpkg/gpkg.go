// Package gpkg writes feature collections to GeoPackages, for inspecting what a sync would
// upload without touching the hosted layer.
package gpkg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"

	"github.com/pdok/layersync/feature"
	"github.com/pdok/layersync/mapslicehelp"
)

const (
	DefaultPageSize = 1000
	fidColumn       = "fid"
	geomColumn      = "geom"
)

type column struct {
	name  string
	ctype string
	// attribute is the feature attribute stored in this column.
	attribute string
}

type Table struct {
	Name    string
	columns []column
	gcolumn string
	gtype   gpkg.GeometryType
	srs     gpkg.SpatialReferenceSystem
}

// TableFor derives a table from the features of c: one column per attribute name, in order
// of first appearance, typed after the values found.
func TableFor(name string, c *feature.Collection) Table {
	attrs := make([]*feature.Attributes, 0, c.Len())
	for _, f := range c.Features {
		attrs = append(attrs, f.Attributes)
	}
	t := Table{
		Name:    name,
		gcolumn: geomColumn,
		gtype:   geometryTypeOf(c.Features),
		srs:     spatialReferenceSystem(c),
	}
	taken := map[string]bool{fidColumn: true, geomColumn: true}
	for _, key := range mapslicehelp.UnionKeys(attrs...) {
		colName := key
		for taken[strings.ToLower(colName)] {
			colName = "attr_" + colName
		}
		taken[strings.ToLower(colName)] = true
		t.columns = append(t.columns, column{name: colName, ctype: columnType(c.Features, key), attribute: key})
	}
	return t
}

func columnType(features []feature.Feature, key string) string {
	ctype := ""
	for _, f := range features {
		if f.Attributes == nil {
			continue
		}
		v, ok := f.Attributes.Get(key)
		if !ok || v == nil {
			continue
		}
		var vtype string
		switch v := v.(type) {
		case bool:
			vtype = "BOOLEAN"
		case int, int32, int64:
			vtype = "INTEGER"
		case float64:
			if v == float64(int64(v)) {
				vtype = "INTEGER"
			} else {
				vtype = "REAL"
			}
		default:
			return "TEXT"
		}
		switch {
		case ctype == "":
			ctype = vtype
		case ctype == vtype:
		case (ctype == "INTEGER" && vtype == "REAL") || (ctype == "REAL" && vtype == "INTEGER"):
			ctype = "REAL"
		default:
			return "TEXT"
		}
	}
	if ctype == "" {
		return "TEXT"
	}
	return ctype
}

func geometryTypeOf(features []feature.Feature) gpkg.GeometryType {
	var found *gpkg.GeometryType
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		gtype := geometryType(f.Geometry)
		if found == nil {
			found = &gtype
			continue
		}
		if *found != gtype {
			return gpkg.Geometry
		}
	}
	if found == nil {
		return gpkg.Geometry
	}
	return *found
}

// geometryType returns the GeoPackage geometry type of a geometry
func geometryType(g geom.Geometry) gpkg.GeometryType {
	switch g.(type) {
	case geom.Point:
		return gpkg.Point
	case geom.LineString:
		return gpkg.Linestring
	case geom.Polygon:
		return gpkg.Polygon
	case geom.MultiPoint:
		return gpkg.MultiPoint
	case geom.MultiLineString:
		return gpkg.MultiLinestring
	case geom.MultiPolygon:
		return gpkg.MultiPolygon
	case geom.Collection:
		return gpkg.GeometryCollection
	default:
		return gpkg.Geometry
	}
}

func spatialReferenceSystem(c *feature.Collection) gpkg.SpatialReferenceSystem {
	code, ok := c.CRS.EPSG()
	if !ok {
		return gpkg.SpatialReferenceSystem{
			Name:                   "Undefined geographic SRS",
			ID:                     0,
			Organization:           "NONE",
			OrganizationCoordsysID: 0,
			Definition:             "undefined",
			Description:            "undefined geographic coordinate reference system",
		}
	}
	return gpkg.SpatialReferenceSystem{
		Name:                   fmt.Sprintf("EPSG:%d", code),
		ID:                     code,
		Organization:           "EPSG",
		OrganizationCoordsysID: code,
		Definition:             "undefined",
	}
}

type TargetGeopackage struct {
	Table    Table
	pagesize int
	handle   *gpkg.Handle
}

// Create opens a new GeoPackage. An existing file is an error unless overwrite is set.
func Create(file string, overwrite bool, pagesize int) (*TargetGeopackage, error) {
	if pagesize <= 0 {
		pagesize = DefaultPageSize
	}
	if overwrite {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("could not remove target file: %w", err)
		}
	} else if _, err := os.Stat(file); err == nil {
		return nil, fmt.Errorf("target file %s already exists", file)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, err
	}
	handle, err := gpkg.Open(file)
	if err != nil {
		return nil, fmt.Errorf("error opening GeoPackage: %w", err)
	}
	return &TargetGeopackage{pagesize: pagesize, handle: handle}, nil
}

func (target *TargetGeopackage) Close() error {
	return target.handle.Close()
}

func (target *TargetGeopackage) CreateTable(table Table) error {
	err := target.handle.UpdateSRS(table.srs)
	if err != nil {
		return err
	}
	if _, err = target.handle.Exec(table.createSQL()); err != nil {
		return fmt.Errorf("error building table in target GeoPackage: %w", err)
	}
	err = target.handle.AddGeometryTable(gpkg.TableDescription{
		Name:          table.Name,
		ShortName:     table.Name,
		Description:   table.Name,
		GeometryField: table.gcolumn,
		GeometryType:  table.gtype,
		SRS:           int32(table.srs.ID),
		//
		Z: gpkg.Prohibited,
		M: gpkg.Prohibited,
	})
	if err != nil {
		return fmt.Errorf("error adding geometry table in target GeoPackage: %w", err)
	}
	target.Table = table
	return nil
}

// WriteFeatures writes one transaction per page and keeps the table extent up to date.
func (target *TargetGeopackage) WriteFeatures(ctx context.Context, features []feature.Feature) error {
	for _, page := range mapslicehelp.Partition(features, target.pagesize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := target.writeFeatures(ctx, page); err != nil {
			return err
		}
	}
	return nil
}

func (target *TargetGeopackage) writeFeatures(ctx context.Context, features []feature.Feature) error {
	tx, err := target.handle.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not start a transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, target.Table.insertSQL())
	if err != nil {
		return fmt.Errorf("could not prepare a statement: %w", err)
	}
	defer stmt.Close()

	var ext *geom.Extent
	for i, f := range features {
		data := make([]interface{}, 0, len(target.Table.columns)+1)
		for _, c := range target.Table.columns {
			var v interface{}
			if f.Attributes != nil {
				v, _ = f.Attributes.Get(c.attribute)
			}
			data = append(data, columnValue(v))
		}
		var sb interface{}
		if f.Geometry != nil {
			sb, err = gpkg.NewBinary(int32(target.Table.srs.ID), f.Geometry)
			if err != nil {
				return fmt.Errorf("could not create a binary geometry for feature %v: %w", featureID(f, i), err)
			}
		}
		data = append(data, sb)

		if _, err = stmt.ExecContext(ctx, data...); err != nil {
			return fmt.Errorf("could not insert feature %v: %w", featureID(f, i), err)
		}

		if f.Geometry == nil {
			continue
		}
		if ext == nil {
			ext, err = geom.NewExtentFromGeometry(f.Geometry)
			if err != nil {
				ext = nil
				slog.Warn("failed to create new extent", "error", err)
			}
		} else if err = ext.AddGeometry(f.Geometry); err != nil {
			slog.Warn("failed to extend extent", "error", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	if ext == nil {
		return nil
	}
	return target.mergeExtent(ext)
}

// mergeExtent grows the recorded table extent with ext; UpdateGeometryExtent overwrites it.
func (target *TargetGeopackage) mergeExtent(ext *geom.Extent) error {
	var minX, minY, maxX, maxY *float64
	row := target.handle.QueryRow(`SELECT min_x, min_y, max_x, max_y FROM gpkg_contents WHERE table_name = ?`, target.Table.Name)
	if err := row.Scan(&minX, &minY, &maxX, &maxY); err == nil && minX != nil && minY != nil && maxX != nil && maxY != nil {
		ext.AddPoints([2]float64{*minX, *minY}, [2]float64{*maxX, *maxY})
	}
	if err := target.handle.UpdateGeometryExtent(target.Table.Name, ext); err != nil {
		return fmt.Errorf("failed to update new extent: %w", err)
	}
	return nil
}

func featureID(f feature.Feature, i int) interface{} {
	if f.ID != nil {
		return f.ID
	}
	return fmt.Sprintf("#%d", i)
}

func columnValue(v interface{}) interface{} {
	switch v := v.(type) {
	case nil, string, bool, float64, int, int32, int64:
		return v
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// createSQL creates a CREATE statement on the given table and column information
func (t Table) createSQL() string {
	columnparts := []string{`"` + fidColumn + `" INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL`}
	for _, c := range t.columns {
		columnparts = append(columnparts, quoteIdent(c.name)+` `+c.ctype)
	}
	columnparts = append(columnparts, quoteIdent(t.gcolumn)+` `+geometryTypeName(t.gtype))
	return `CREATE TABLE IF NOT EXISTS ` + quoteIdent(t.Name) + `(` + strings.Join(columnparts, `, `) + `);`
}

// insertSQL used for writing the features, the geometry goes last
func (t Table) insertSQL() string {
	var csql, vsql []string
	for _, c := range t.columns {
		csql = append(csql, quoteIdent(c.name))
		vsql = append(vsql, `?`)
	}
	csql = append(csql, quoteIdent(t.gcolumn))
	vsql = append(vsql, `?`)
	return `INSERT INTO ` + quoteIdent(t.Name) + `(` + strings.Join(csql, `,`) + `) VALUES(` + strings.Join(vsql, `,`) + `)`
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func geometryTypeName(gtype gpkg.GeometryType) string {
	switch gtype {
	case gpkg.Point:
		return "POINT"
	case gpkg.Linestring:
		return "LINESTRING"
	case gpkg.Polygon:
		return "POLYGON"
	case gpkg.MultiPoint:
		return "MULTIPOINT"
	case gpkg.MultiLinestring:
		return "MULTILINESTRING"
	case gpkg.MultiPolygon:
		return "MULTIPOLYGON"
	case gpkg.GeometryCollection:
		return "GEOMETRYCOLLECTION"
	default:
		return "GEOMETRY"
	}
}

// Snapshotter writes every snapshot to its own GeoPackage: one table named after the dataset.
type Snapshotter struct {
	// File returns the GeoPackage path for a dataset.
	File      func(dataset string) string
	Overwrite bool
	PageSize  int
}

// DirSnapshotter writes dir/<dataset>.gpkg.
func DirSnapshotter(dir string) *Snapshotter {
	return &Snapshotter{
		File:      func(dataset string) string { return filepath.Join(dir, dataset+".gpkg") },
		Overwrite: true,
		PageSize:  DefaultPageSize,
	}
}

func (s *Snapshotter) Snapshot(ctx context.Context, dataset string, c *feature.Collection) error {
	file := s.File(dataset)
	target, err := Create(file, s.Overwrite, s.PageSize)
	if err != nil {
		return err
	}
	defer target.Close()

	if err := target.CreateTable(TableFor(strings.ReplaceAll(dataset, "-", "_"), c)); err != nil {
		return err
	}
	if err := target.WriteFeatures(ctx, c.Features); err != nil {
		return fmt.Errorf("snapshot %s to %s: %w", dataset, file, err)
	}
	slog.Info("snapshot written", "dataset", dataset, "file", file, "features", c.Len())
	return nil
}
