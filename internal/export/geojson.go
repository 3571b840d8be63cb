package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/twpayne/go-geom/encoding/geojson"

	"censocore/internal/engine"
	"censocore/internal/geo"
	"censocore/internal/layer"
)

// GeoJSON writes res as a FeatureCollection. Feature ids are geo ids and
// properties hold every attribute, null where the source had no facts.
func GeoJSON(w io.Writer, res *layer.Result) error {
	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(res.Rows))}
	for _, r := range res.Rows {
		props := make(map[string]any, len(res.Fields))
		for _, f := range res.Fields {
			if v := r.Values[f.Name]; v != nil {
				props[f.Name] = *v
			} else {
				props[f.Name] = nil
			}
		}
		feat, err := geo.Feature(r.GeoID, r.WKT, props)
		if err != nil {
			return fmt.Errorf("feature %s: %w", r.GeoID, err)
		}
		fc.Features = append(fc.Features, feat)
	}
	return writeCollection(w, &fc)
}

// TableGeoJSON writes a query result as a FeatureCollection using its wkt
// column as geometry and the other columns as properties.
func TableGeoJSON(w io.Writer, t *layer.Table) error {
	if t.WKTColumn < 0 {
		return fmt.Errorf("query result has no wkt or geometry column")
	}
	fc := geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(t.Rows))}
	for i, row := range t.Rows {
		props := make(map[string]any, len(t.Columns)-1)
		for j, c := range t.Columns {
			if j != t.WKTColumn {
				props[c] = row[j]
			}
		}
		feat, err := geo.Feature("", engine.String(row[t.WKTColumn]), props)
		if err != nil {
			return fmt.Errorf("row %d: %w", i+1, err)
		}
		fc.Features = append(fc.Features, feat)
	}
	return writeCollection(w, &fc)
}

func writeCollection(w io.Writer, fc *geojson.FeatureCollection) error {
	b, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode geojson: %w", err)
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
