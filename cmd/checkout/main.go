package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "checkout",
		Short:         "Multi-seller checkout and payment settlement service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (environment and .env are always read)")

	// every subcommand gets a wired app and releases it afterwards
	withApp := func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			return run(cmd, a, args)
		}
	}

	root.AddCommand(serveCmd(withApp))
	root.AddCommand(drainCmd(withApp))
	root.AddCommand(outboxCmd(withApp))
	root.AddCommand(dlqCmd(withApp))
	root.AddCommand(catalogCmd(withApp))
	return root
}

type runner func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
