package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"parkwatch/config"
	"parkwatch/jobstate"
	"parkwatch/pkg/parking"
	"parkwatch/resort"
	"parkwatch/server"
	"parkwatch/token"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage monitoring jobs without the web UI",
	}
	cmd.AddCommand(newJobsAddCmd())
	cmd.AddCommand(newJobsListCmd())
	return cmd
}

func newJobsAddCmd() *cobra.Command {
	var (
		resortName string
		dates      []string
		contact    string
		pin        string
	)

	c := &cobra.Command{
		Use:   "add",
		Short: "Create an ACTIVE job for a resort and one or more dates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			if contact == "" || !strings.Contains(contact, "@") {
				return errors.New("--contact must be an email address")
			}
			if len(pin) < 4 || len(pin) > 8 || strings.Trim(pin, "0123456789") != "" {
				return errors.New("--pin must be 4 to 8 digits")
			}

			registry, err := resort.Load(cfg.ResortsFile, logger)
			if err != nil {
				return err
			}
			profile, ok := registry.Get(strings.ToLower(resortName))
			if !ok {
				return fmt.Errorf("unknown resort %q", resortName)
			}

			now := time.Now()
			parsed, err := server.ParseDates(strings.Join(dates, ","), parking.DateOf(now.In(profile.Location())))
			if err != nil {
				return err
			}
			hash, err := token.HashPIN(pin)
			if err != nil {
				return err
			}

			ctx := context.Background()
			store, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			job := &parking.MonitoringJob{
				ID:        uuid.NewString(),
				Resort:    profile.Name,
				Dates:     parsed,
				Contact:   strings.ToLower(contact),
				PINHash:   hash,
				Status:    parking.StatusActive,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := store.SaveJob(ctx, job); err != nil {
				return fmt.Errorf("save job: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created job %s (%s, %d dates)\n", job.ID, job.Resort, len(job.Dates))
			return nil
		},
	}

	c.Flags().StringVar(&resortName, "resort", "", "resort key, e.g. brighton")
	c.Flags().StringSliceVar(&dates, "date", nil, "target date YYYY-MM-DD (repeatable)")
	c.Flags().StringVar(&contact, "contact", "", "subscriber email")
	c.Flags().StringVar(&pin, "pin", "", "numeric PIN for the job page")
	_ = c.MarkFlagRequired("resort")
	_ = c.MarkFlagRequired("date")
	_ = c.MarkFlagRequired("contact")
	_ = c.MarkFlagRequired("pin")
	return c
}

func newJobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs and the state of each date",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			ctx := context.Background()
			store, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			jobs, err := store.ListJobs(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tRESORT\tSTATUS\tDATE\tAVAILABILITY\tNOTIFIED\tCHECKED")
			for _, job := range jobs {
				states, err := store.ListDateStates(ctx, job.ID)
				if err != nil {
					return err
				}
				status := jobstate.DashboardStatus(job, states)
				byDate := make(map[parking.Date]parking.DateState, len(states))
				for _, st := range states {
					byDate[st.Date] = st
				}
				for _, d := range job.Dates {
					st, ok := byDate[d]
					if !ok {
						st = parking.NewDateState(job.ID, d)
					}
					checked := "-"
					if !st.LastCheckedAt.IsZero() {
						checked = st.LastCheckedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n", job.ID, job.Resort, status, d, st.Availability, st.Notified, checked)
				}
			}
			return w.Flush()
		},
	}
}
