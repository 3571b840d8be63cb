// Package httpapi serves census listings and layer loads over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"

	"censocore/internal/catalog"
	"censocore/internal/census"
	"censocore/internal/export"
	"censocore/internal/layer"
	"censocore/internal/logging"
)

// Edition serves one census year.
type Edition struct {
	Catalog *catalog.Catalog
	Loader  *layer.Loader
}

// Server routes requests to the edition named in the path.
type Server struct {
	router   chi.Router
	editions map[string]Edition
	metrics  http.Handler
	logger   *slog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer returns a handler serving editions keyed by year.
func NewServer(editions map[string]Edition, opts ...Option) *Server {
	s := &Server{router: chi.NewRouter(), editions: editions, logger: logging.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start), "remote", r.RemoteAddr)
		})
	})
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		years := make([]string, 0, len(s.editions))
		for y := range s.editions {
			years = append(years, y)
		}
		sort.Sort(sort.Reverse(sort.StringSlice(years)))
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "years": years})
	})
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}
	s.router.Route("/api/{year}", func(r chi.Router) {
		r.Get("/entities", s.handleEntities)
		r.Get("/variables", s.handleVariables)
		r.Get("/variables/{code}/categories", s.handleCategories)
		r.Get("/geocodes/{level}", s.handleGeoCodes)
		r.Post("/layers", s.handleLayer)
	})
}

func (s *Server) edition(w http.ResponseWriter, r *http.Request) (Edition, bool) {
	year := chi.URLParam(r, "year")
	ed, ok := s.editions[year]
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("census year %q not served", year))
	}
	return ed, ok
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	ed, ok := s.edition(w, r)
	if !ok {
		return
	}
	entities, err := ed.Catalog.EntityTypes(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	ed, ok := s.edition(w, r)
	if !ok {
		return
	}
	vars, err := ed.Catalog.Variables(r.Context(), r.URL.Query().Get("entity"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variables": vars})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	ed, ok := s.edition(w, r)
	if !ok {
		return
	}
	set, err := ed.Catalog.Resolve(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleGeoCodes(w http.ResponseWriter, r *http.Request) {
	ed, ok := s.edition(w, r)
	if !ok {
		return
	}
	level, err := census.ParseGeoLevel(chi.URLParam(r, "level"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
	}
	codes, err := ed.Catalog.GeoCodes(r.Context(), level, limit)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"level": level, "codes": codes})
}

// handleLayer loads a layer. ?format=geojson returns a FeatureCollection
// with the report in the X-Censo-Report header; the default is JSON.
func (s *Server) handleLayer(w http.ResponseWriter, r *http.Request) {
	ed, ok := s.edition(w, r)
	if !ok {
		return
	}
	var req layer.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Level != "" {
		level, err := census.ParseGeoLevel(string(req.Level))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		req.Level = level
	}
	if req.BBox != nil {
		if err := req.BBox.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	format := export.FormatJSON
	if raw := r.URL.Query().Get("format"); raw != "" {
		f, err := export.ParseFormat(raw)
		if err != nil || (f != export.FormatJSON && f != export.FormatGeoJSON) {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported format %q", raw))
			return
		}
		format = f
	}

	res, err := ed.Loader.Load(r.Context(), req, nil)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if format == export.FormatGeoJSON {
		report, _ := json.Marshal(res.Report)
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("X-Censo-Report", string(report))
		w.WriteHeader(http.StatusOK)
		if err := export.GeoJSON(w, res); err != nil {
			s.logger.Error("write geojson", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps pipeline errors onto HTTP statuses.
func statusFor(err error) int {
	var cce census.ColumnCountError
	switch {
	case errors.Is(err, census.ErrUnknownVariable):
		return http.StatusNotFound
	case errors.As(err, &cce):
		return http.StatusConflict
	case errors.Is(err, census.ErrAllVariablesFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, layer.ErrNoVariables):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	} else {
		s.logger.Warn("request failed", "status", status, "error", err)
	}
	body := map[string]any{"error": err.Error()}
	var cce census.ColumnCountError
	if errors.As(err, &cce) {
		body["column_count"] = cce.Count
		body["threshold"] = cce.Threshold
	}
	writeJSON(w, status, body)
}
