package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"checkout-service/internal/cart"
	"checkout-service/internal/catalog"
)

func catalogSource(a *app) cart.SourceOfTruth {
	return catalog.NewSource(a.catalog)
}

func catalogCmd(withApp runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage listings used for price and stock checks",
	}

	load := &cobra.Command{
		Use:   "import [file]",
		Short: "Upsert listings from a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var listings []catalog.Listing
			if err := json.Unmarshal(raw, &listings); err != nil {
				return fmt.Errorf("failed to decode %s: %w", args[0], err)
			}
			for _, l := range listings {
				if l.Status == "" {
					l.Status = catalog.StatusDraft
				}
				if err := a.catalog.Upsert(cmd.Context(), l); err != nil {
					return fmt.Errorf("listing %s: %w", l.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported: %d\n", len(listings))
			return nil
		}),
	}

	publish := &cobra.Command{
		Use:   "publish [id...]",
		Short: "Activate listings",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return printJSON(cmd.OutOrStdout(), catalog.Publish(cmd.Context(), a.catalog, args))
		}),
	}

	remove := &cobra.Command{
		Use:   "delete [id...]",
		Short: "Delete listings",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return printJSON(cmd.OutOrStdout(), catalog.DeleteAll(cmd.Context(), a.catalog, args))
		}),
	}

	cmd.AddCommand(load, publish, remove)
	return cmd
}
