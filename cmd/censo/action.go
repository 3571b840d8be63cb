package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"censocore/internal/app"
	"censocore/internal/config"
	"censocore/internal/export"
	"censocore/internal/logging"
)

// action carries the state of one command invocation.
type action struct {
	cmd   *cobra.Command
	start time.Time
	app   *app.App
}

func newAction(cmd *cobra.Command) *action {
	return &action{cmd: cmd, start: time.Now()}
}

func (a *action) Context() context.Context { return a.cmd.Context() }

func (a *action) getBool(name string) bool {
	result, _ := a.cmd.Flags().GetBool(name)
	return result
}

func (a *action) getInt(name string) int {
	result, _ := a.cmd.Flags().GetInt(name)
	return result
}

func (a *action) getString(name string) string {
	result, _ := a.cmd.Flags().GetString(name)
	return result
}

func (a *action) getStringArray(name string) []string {
	result, _ := a.cmd.Flags().GetStringArray(name)
	return result
}

// loadConfig reads the dotenv file and environment, then applies flags.
func (a *action) loadConfig() (config.Config, error) {
	cfg, err := config.Load(a.getString("env-file"))
	if err != nil {
		return config.Config{}, err
	}
	override := config.Config{Year: a.getString("year"), LogLevel: a.getString("log-level")}
	if a.cmd.Flags().Lookup("addr") != nil {
		override.Addr = a.getString("addr")
	}
	cfg = cfg.Merge(override)
	return cfg, cfg.Validate()
}

// open builds the application from configuration. Close it with close.
func (a *action) open() (*app.App, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel)
	a.app, err = app.New(a.Context(), cfg, logger)
	return a.app, err
}

func (a *action) edition() (*app.Edition, error) {
	if a.app == nil {
		if _, err := a.open(); err != nil {
			return nil, err
		}
	}
	return a.app.Edition(a.Context(), a.getString("year"))
}

func (a *action) close() {
	if a.app != nil {
		if err := a.app.Close(); err != nil {
			a.app.Logger.Warn("close", "error", err)
		}
	}
}

func (a *action) format() (export.Format, error) {
	return export.ParseFormat(a.getString("format"))
}

// writer returns stdout or the --output file.
func (a *action) writer() (io.Writer, func() error, error) {
	path := strings.TrimSpace(a.getString("output"))
	if path == "" {
		return a.cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}

// status prints progress to stderr.
func (a *action) status(format string, args ...any) {
	fmt.Fprintf(a.cmd.ErrOrStderr(), format+"\n", args...)
}

func (a *action) elapsed() string {
	return fmt.Sprintf("%.1fs", time.Since(a.start).Seconds())
}
