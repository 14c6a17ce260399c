package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"parkwatch/classifier"
	"parkwatch/config"
	"parkwatch/pkg/parking"
	"parkwatch/resort"
)

func newProbeCmd() *cobra.Command {
	var record bool

	cmd := &cobra.Command{
		Use:   "probe <resort> <date>",
		Short: "Probe one resort date once and print the reading",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)
			ctx := cmd.Context()

			profile, d, err := lookupResortDate(cfg, args[0], args[1], logger)
			if err != nil {
				return err
			}

			prober, _, closeBrowser := newProber(cfg, 1, logger)
			defer closeBrowser(context.Background()) //nolint:errcheck

			result := prober.Probe(ctx, profile, d)
			c := classifier.Classify(profile, result)

			if record {
				store, closeStore, err := openStore(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer closeStore()
				entry := parking.CheckLog{
					CheckedAt:    result.CheckedAt,
					Resort:       profile.Name,
					Date:         d,
					Status:       c.Availability,
					ResponseTime: result.Duration,
					Found:        c.Availability == parking.Available,
				}
				if !result.OK() {
					entry.Error = string(result.Failure)
				}
				if err := store.RecordCheck(ctx, entry); err != nil {
					return fmt.Errorf("record check: %w", err)
				}
			}

			return printJSON(cmd.OutOrStdout(), struct {
				Result         parking.ProbeResult  `json:"result"`
				Availability   parking.Availability `json:"availability"`
				Marker         string               `json:"marker,omitempty"`
				CanonicalColor string               `json:"canonical_color,omitempty"`
				URL            string               `json:"url"`
			}{result, c.Availability, c.Marker, c.Color, resort.ResolveURL(profile, d)})
		},
	}

	cmd.Flags().BoolVar(&record, "record", false, "store the reading in the check log")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
