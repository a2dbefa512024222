package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	appLog "coachcal/internal/log"
	"coachcal/internal/model"
	"coachcal/internal/scheduler"
	"coachcal/internal/web"
)

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "coachcal",
		Short:         "Import team training calendars from ICS feeds",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "/etc/coachcal/config.yaml", "Path to config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Optional dotenv file with COACHCAL_* overrides")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")

	cmd.AddCommand(newImportCmd(opts), newCleanupCmd(opts), newServeCmd(opts))
	return cmd
}

type importOptions struct {
	team string
	url  string
	tz   string
}

func newImportCmd(root *rootOptions) *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run one import for a team and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), root, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.team, "team", "", "Team id (required)")
	cmd.Flags().StringVar(&opts.url, "url", "", "Feed URL (default: the team's configured ics_url)")
	cmd.Flags().StringVar(&opts.tz, "tz", "", "Fallback time zone (default: the team's configured timezone)")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func runImport(ctx context.Context, root *rootOptions, opts importOptions, out io.Writer) error {
	a, err := loadApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close()

	team, _ := a.cfg.Team(opts.team)
	url := firstNonEmpty(opts.url, team.ICSURL)
	if url == "" {
		return fmt.Errorf("no feed url for team %q: pass --url or configure ics_url", opts.team)
	}

	sum, err := a.importer.ImportFeed(ctx, opts.team, url, firstNonEmpty(opts.tz, team.Timezone))
	if perr := printSummary(out, sum); perr != nil {
		return perr
	}
	return err
}

func newCleanupCmd(root *rootOptions) *cobra.Command {
	var team string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete imported trainings older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.importer.Cleanup(cmd.Context(), team)
			if perr := printSummary(cmd.OutOrStdout(), sum); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "Team id (required)")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled imports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.Close()

			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				a.cfg.Listen = listen
			}

			sched := scheduler.New(a.importer)
			for _, t := range a.cfg.Teams {
				if t.Schedule == "" {
					continue
				}
				if err := sched.Add(scheduler.Job{
					TeamID:   t.ID,
					URL:      t.ICSURL,
					Timezone: t.Timezone,
					Schedule: t.Schedule,
				}); err != nil {
					return err
				}
			}
			sched.Start()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				sched.Stop(stopCtx)
			}()

			appLog.Info("coachcal serving", "version", version, "scheduled_teams", sched.Len())
			return web.NewServer(a.cfg, a.importer, a.store).Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func printSummary(w io.Writer, sum model.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
