// Command censo lists census variables, loads pivoted census layers and
// serves them over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "censo",
		Short:         "Query the Argentine census by geography",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("year", "", "census year, 2022 or 2010 (default CENSO_YEAR)")
	root.PersistentFlags().String("env-file", ".env", "dotenv file read before the environment")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error (default LOG_LEVEL)")
	root.PersistentFlags().StringP("format", "f", "table", "output format: table, csv, json or geojson")
	root.PersistentFlags().StringP("output", "o", "", "write results to a file instead of stdout")
	addCommands(root)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRoot().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
