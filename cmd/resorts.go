package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"parkwatch/classifier"
	"parkwatch/config"
	"parkwatch/pkg/parking"
	"parkwatch/resort"
	"parkwatch/scraper"
)

func newResortsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resorts",
		Short: "Inspect resort profiles",
	}
	cmd.AddCommand(newResortsListCmd())
	cmd.AddCommand(newResortsInspectCmd())
	cmd.AddCommand(newResortsCheckCmd())
	return cmd
}

// lookupResortDate loads the configured profiles and parses a YYYY-MM-DD date.
func lookupResortDate(cfg config.Config, name, date string, logger *slog.Logger) (parking.ResortProfile, parking.Date, error) {
	registry, err := resort.Load(cfg.ResortsFile, logger)
	if err != nil {
		return parking.ResortProfile{}, parking.Date{}, err
	}
	profile, ok := registry.Get(strings.ToLower(name))
	if !ok {
		return parking.ResortProfile{}, parking.Date{}, fmt.Errorf("unknown resort %q", name)
	}
	d, err := parking.ParseDate(date)
	if err != nil {
		return parking.ResortProfile{}, parking.Date{}, err
	}
	return profile, d, nil
}

func newResortsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enabled resorts and configuration errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			registry, err := resort.Load(cfg.ResortsFile, newLogger(cfg.LogLevel))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RESORT\tINTERVAL\tSOURCE\tUNAVAILABLE\tURL")
			for _, p := range registry.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Interval, p.ColorSource, p.UnavailableColor, p.URLTemplate)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, err := range registry.Errors() {
				fmt.Fprintf(cmd.ErrOrStderr(), "disabled: %v\n", err)
			}
			return nil
		},
	}
}

func newResortsInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <resort> <date>",
		Short: "Render a resort page and list every calendar cell with its colour",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			profile, d, err := lookupResortDate(cfg, args[0], args[1], logger)
			if err != nil {
				return err
			}

			prober, _, closeBrowser := newProber(cfg, 1, logger)
			defer closeBrowser(cmd.Context()) //nolint:errcheck

			html, err := prober.Snapshot(cmd.Context(), profile, d)
			if err != nil {
				return err
			}
			cells, err := scraper.ParseCalendar(strings.NewReader(html))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATE\tCOLOUR\tREADING")
			for _, c := range cells {
				reading := "-"
				if c.Color != "" && c.Color != parking.NoBackground {
					reading = string(classifier.Classify(profile, parking.ProbeResult{Color: c.Color}).Availability)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Date, c.Color, reading)
			}
			if len(cells) == 0 {
				fmt.Fprintln(w, "no calendar cells found\t\t")
			}
			return w.Flush()
		},
	}
}

func newResortsCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [date]",
		Short: "Check every resort page answers without a browser",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			registry, err := resort.Load(cfg.ResortsFile, logger)
			if err != nil {
				return err
			}

			d := parking.DateOf(time.Now())
			if len(args) == 1 {
				if d, err = parking.ParseDate(args[0]); err != nil {
					return err
				}
			}

			s := scraper.New(&http.Client{Timeout: 30 * time.Second}, logger)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RESORT\tSTATUS\tDURATION\tERROR")
			failed := 0
			for _, p := range registry.All() {
				r, err := s.Check(cmd.Context(), resort.ResolveURL(p, d))
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(w, "%s\t-\t-\t%v\n", p.Name, err)
				default:
					fmt.Fprintf(w, "%s\t%d\t%s\t\n", p.Name, r.StatusCode, r.Duration.Round(time.Millisecond))
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d resort(s) unreachable", failed)
			}
			return nil
		},
	}
}
