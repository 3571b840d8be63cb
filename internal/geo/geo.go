// Package geo converts census geometries between the encodings the pipeline
// meets: WKB from GeoParquet, WKT from the engines and GeoJSON on output.
package geo

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkb"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// ErrEmpty is returned for missing geometry values.
var ErrEmpty = errors.New("empty geometry")

// Envelope is the bounding box of a geometry.
type Envelope struct {
	MinX, MinY, MaxX, MaxY float64
}

// Decode accepts WKB bytes, hex encoded WKB or WKT text.
func Decode(v any) (geom.T, error) {
	switch x := v.(type) {
	case nil:
		return nil, ErrEmpty
	case []byte:
		if len(x) == 0 {
			return nil, ErrEmpty
		}
		g, err := wkb.Unmarshal(x)
		if err != nil {
			// some writers store WKT in a binary column
			return ParseWKT(string(x))
		}
		return g, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, ErrEmpty
		}
		if b, err := hex.DecodeString(s); err == nil {
			if g, err := wkb.Unmarshal(b); err == nil {
				return g, nil
			}
		}
		if g, err := ParseWKT(s); err == nil {
			return g, nil
		}
		return wkb.Unmarshal([]byte(x))
	default:
		return nil, fmt.Errorf("unsupported geometry value %T", v)
	}
}

// ParseWKT parses WKT text and rejects empty input.
func ParseWKT(s string) (geom.T, error) {
	if strings.TrimSpace(s) == "" {
		return nil, ErrEmpty
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("parse wkt: %w", err)
	}
	return g, nil
}

// WKT renders g as text.
func WKT(g geom.T) (string, error) { return wkt.Marshal(g) }

// Bounds returns the envelope of g.
func Bounds(g geom.T) Envelope {
	b := g.Bounds()
	if b.IsEmpty() {
		return Envelope{}
	}
	return Envelope{MinX: b.Min(0), MinY: b.Min(1), MaxX: b.Max(0), MaxY: b.Max(1)}
}

// Feature builds a GeoJSON feature from WKT and attribute values. An empty
// wkt yields a feature with null geometry.
func Feature(id, text string, properties map[string]any) (*geojson.Feature, error) {
	f := &geojson.Feature{ID: id, Properties: properties}
	if strings.TrimSpace(text) == "" {
		return f, nil
	}
	g, err := ParseWKT(text)
	if err != nil {
		return nil, err
	}
	f.Geometry = g
	return f, nil
}
