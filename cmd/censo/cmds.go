package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"censocore/internal/census"
	"censocore/internal/config"
	"censocore/internal/export"
	"censocore/internal/httpapi"
	"censocore/internal/layer"
)

func addCommands(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "entities",
		Short: "List entity types present in the dictionary",
		Args:  cobra.NoArgs,
		RunE:  listEntities}
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "variables",
		Short: "List census variables",
		Args:  cobra.NoArgs,
		RunE:  listVariables}
	cmd.Flags().String("entity", "", "entity type filter (HOGAR, PERSONA, VIVIENDA)")
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "categories variable",
		Short: "Show the categories of a variable",
		Args:  cobra.ExactArgs(1),
		RunE:  showCategories}
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "geocodes level",
		Short: "List geography codes usable as filters at a level",
		Args:  cobra.ExactArgs(1),
		RunE:  listGeoCodes}
	cmd.Flags().Int("limit", 0, "maximum number of codes (0 for all)")
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "load variable...",
		Short: "Load a pivoted census layer",
		Args:  cobra.MinimumNArgs(1),
		RunE:  loadLayer}
	cmd.Flags().StringP("level", "l", string(census.LevelRadio), "geography level: RADIO, FRACC, DEPTO or PROV")
	cmd.Flags().StringArray("filter", nil, "geography code at the level, repeatable (02, 02-007, 02-007-01)")
	cmd.Flags().String("bbox", "", "bounding box xmin,ymin,xmax,ymax in EPSG:4326")
	cmd.Flags().StringArray("select", nil, "keep only some categories, e.g. PERSONA_P02=1,2 (repeatable)")
	cmd.Flags().Bool("confirm", false, "accept projections above the confirmation threshold")
	cmd.Flags().Bool("show-query", false, "print the final query to stderr")
	cmd.Flags().Bool("wkt", false, "include geometry as WKT in csv output")
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "sql [query]",
		Short: "Run a query against the radios, census and metadata relations",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSQL}
	cmd.Flags().String("file", "", "read the query from a file")
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "preload",
		Short: "Load the whole dictionary into the category cache",
		Args:  cobra.NoArgs,
		RunE:  preload}
	root.AddCommand(cmd)

	cmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  serve}
	cmd.Flags().String("addr", "", "listen address (default CENSO_ADDR or :8080)")
	cmd.Flags().StringSlice("years", config.Years, "census years to serve")
	root.AddCommand(cmd)
}

// emit writes a listing in the selected format.
func emit(a *action, columns []string, rows [][]any, v any) (err error) {
	format, err := a.format()
	if err != nil {
		return err
	}
	w, closeFn, err := a.writer()
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, closeFn()) }()
	switch format {
	case export.FormatJSON:
		return writeJSON(w, v)
	case export.FormatCSV:
		return export.CSV(w, columns, rows)
	case export.FormatTable:
		return export.Table(w, columns, rows)
	default:
		return fmt.Errorf("format %s is not available for listings", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func listEntities(cmd *cobra.Command, _ []string) error {
	a := newAction(cmd)
	defer a.close()
	ed, err := a.edition()
	if err != nil {
		return err
	}
	entities, err := ed.Catalog.EntityTypes(a.Context())
	if err != nil {
		return err
	}
	rows := make([][]any, len(entities))
	for i, e := range entities {
		rows[i] = []any{e}
	}
	return emit(a, []string{"entity"}, rows, entities)
}

func listVariables(cmd *cobra.Command, _ []string) error {
	a := newAction(cmd)
	defer a.close()
	ed, err := a.edition()
	if err != nil {
		return err
	}
	vars, err := ed.Catalog.Variables(a.Context(), strings.ToUpper(a.getString("entity")))
	if err != nil {
		return err
	}
	rows := make([][]any, len(vars))
	for i, v := range vars {
		rows[i] = []any{v.Code, v.Label, v.Entity}
	}
	return emit(a, []string{"code", "label", "entity"}, rows, vars)
}

func showCategories(cmd *cobra.Command, args []string) error {
	a := newAction(cmd)
	defer a.close()
	ed, err := a.edition()
	if err != nil {
		return err
	}
	set, err := ed.Catalog.Resolve(a.Context(), args[0])
	if err != nil {
		return err
	}
	rows := make([][]any, 0, len(set.Categories)+1)
	for _, c := range set.Categories {
		rows = append(rows, []any{c.Value, c.Label})
	}
	if set.HasNulls {
		rows = append(rows, []any{nil, "(sin categoría)"})
	}
	if set.TotalOnly() {
		a.status("%s has no categories; only its total is loaded", args[0])
	}
	return emit(a, []string{"value", "label"}, rows, set)
}

func listGeoCodes(cmd *cobra.Command, args []string) error {
	a := newAction(cmd)
	defer a.close()
	level, err := census.ParseGeoLevel(args[0])
	if err != nil {
		return err
	}
	ed, err := a.edition()
	if err != nil {
		return err
	}
	codes, err := ed.Catalog.GeoCodes(a.Context(), level, a.getInt("limit"))
	if err != nil {
		return err
	}
	rows := make([][]any, len(codes))
	for i, c := range codes {
		rows[i] = []any{c.Code, c.Label}
	}
	return emit(a, []string{"code", "label"}, rows, codes)
}

func loadLayer(cmd *cobra.Command, args []string) (err error) {
	a := newAction(cmd)
	defer a.close()
	format, err := a.format()
	if err != nil {
		return err
	}
	level, err := census.ParseGeoLevel(a.getString("level"))
	if err != nil {
		return err
	}
	bbox, err := parseBBox(a.getString("bbox"))
	if err != nil {
		return err
	}
	selected, err := parseSelected(a.getStringArray("select"))
	if err != nil {
		return err
	}
	ed, err := a.edition()
	if err != nil {
		return err
	}
	req := layer.Request{
		Variables:   args,
		Level:       level,
		Filters:     a.getStringArray("filter"),
		BBox:        bbox,
		Selected:    selected,
		ConfirmWide: a.getBool("confirm"),
	}
	res, err := ed.Loader.Load(a.Context(), req, func(percent int, msg string) {
		a.status("[%3d%%] %s", percent, msg)
	})
	var cce census.ColumnCountError
	if errors.As(err, &cce) {
		return fmt.Errorf("%w; rerun with --confirm to load anyway", err)
	}
	if err != nil {
		return err
	}
	for _, w := range res.Report.Warnings {
		a.status("warning: %s", w)
	}
	if a.getBool("show-query") {
		a.status("%s", res.Query.Display())
	}

	w, closeFn, err := a.writer()
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, closeFn()) }()
	if format == export.FormatCSV && a.getBool("wkt") {
		err = export.LayerCSV(w, res, true)
	} else {
		err = export.WriteLayer(w, format, res)
	}
	if err != nil {
		return err
	}
	a.status("loaded %d features with %d columns in %s", res.Report.Rows, res.Report.ColumnCount, a.elapsed())
	return nil
}

func runSQL(cmd *cobra.Command, args []string) (err error) {
	a := newAction(cmd)
	defer a.close()
	format, err := a.format()
	if err != nil {
		return err
	}
	var query string
	switch {
	case a.getString("file") != "":
		b, rerr := os.ReadFile(a.getString("file"))
		if rerr != nil {
			return rerr
		}
		query = string(b)
	case len(args) == 1:
		query = args[0]
	default:
		return errors.New("pass a query or --file")
	}
	ed, err := a.edition()
	if err != nil {
		return err
	}
	tbl, err := ed.Loader.RunSQL(a.Context(), query)
	if err != nil {
		return err
	}
	w, closeFn, err := a.writer()
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, closeFn()) }()
	if err := export.WriteTable(w, format, tbl); err != nil {
		return err
	}
	a.status("%d rows in %s", len(tbl.Rows), a.elapsed())
	return nil
}

func preload(cmd *cobra.Command, _ []string) error {
	a := newAction(cmd)
	defer a.close()
	ed, err := a.edition()
	if err != nil {
		return err
	}
	sets, err := ed.Catalog.Preload(a.Context())
	if err != nil {
		return err
	}
	a.status("cached categories for %d variables in %s", len(sets), a.elapsed())
	return nil
}

func serve(cmd *cobra.Command, _ []string) error {
	a := newAction(cmd)
	defer a.close()
	application, err := a.open()
	if err != nil {
		return err
	}
	years, _ := cmd.Flags().GetStringSlice("years")
	editions := make(map[string]httpapi.Edition, len(years))
	for _, y := range years {
		ed, err := application.Edition(a.Context(), strings.TrimSpace(y))
		if err != nil {
			return fmt.Errorf("open %s: %w", y, err)
		}
		editions[ed.Year] = httpapi.Edition{Catalog: ed.Catalog, Loader: ed.Loader}
	}
	srv := &http.Server{
		Addr: application.Config.Addr,
		Handler: httpapi.NewServer(editions,
			httpapi.WithMetricsHandler(application.Metrics.Handler()),
			httpapi.WithLogger(application.Logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	application.Logger.Info("serving", "addr", srv.Addr, "years", years)
	select {
	case err := <-errc:
		return err
	case <-a.Context().Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// parseBBox reads "xmin,ymin,xmax,ymax". An empty string means no box.
func parseBBox(s string) (*census.BBox, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox needs xmin,ymin,xmax,ymax, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bbox: %w", err)
		}
		v[i] = f
	}
	b := census.BBox{XMin: v[0], YMin: v[1], XMax: v[2], YMax: v[3]}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// parseSelected reads VARIABLE=v1,v2 entries.
func parseSelected(entries []string) (map[string][]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(entries))
	for _, e := range entries {
		code, values, ok := strings.Cut(e, "=")
		code = strings.TrimSpace(code)
		if !ok || code == "" {
			return nil, fmt.Errorf("select needs VARIABLE=v1,v2, got %q", e)
		}
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out[code] = append(out[code], v)
			}
		}
	}
	return out, nil
}
