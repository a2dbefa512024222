package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"coachcal/internal/config"
	"coachcal/internal/ics"
	"coachcal/internal/importer"
	appLog "coachcal/internal/log"
	"coachcal/internal/store"
	"coachcal/internal/store/sqlstore"
)

// app is everything a command needs, built once from config.
type app struct {
	cfg      *config.Config
	store    store.Store
	importer *importer.Importer
}

func (a *app) Close() error {
	return a.store.Close()
}

// loadApp reads .env and the config file, applies overrides, opens the
// store and wires the importer.
func loadApp(ctx context.Context, opts *rootOptions) (*app, error) {
	if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", opts.envFile, err)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	level, err := appLog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	appLog.SetLevel(level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", opts.configPath, err)
	}

	appLog.Info("effective config",
		"config_path", opts.configPath,
		"store", cfg.Store.Driver,
		"listen", cfg.Listen,
		"teams", len(cfg.Teams),
		"lookback_days", cfg.Import.LookbackDays,
		"lookahead_days", cfg.Import.LookaheadDays,
		"retention_days", cfg.Import.RetentionDays,
		"workers", cfg.Import.Workers,
	)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := syncTeams(ctx, st, cfg.Teams); err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		store:    st,
		importer: newImporter(cfg, st),
	}, nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case config.DriverMemory:
		appLog.Warn("using in-memory store; trainings are lost on exit")
		return store.NewMemory(), nil
	case config.DriverSQLite, config.DriverPostgres:
		return sqlstore.Open(ctx, sc.Driver, sc.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", sc.Driver)
	}
}

// syncTeams records each configured team's zone so imports resolve it from
// the store like any other team setting.
func syncTeams(ctx context.Context, st store.Store, teams []config.TeamConfig) error {
	for _, t := range teams {
		if t.Timezone == "" {
			continue
		}
		if err := st.UpsertTeam(ctx, t.ID, t.Timezone); err != nil {
			return fmt.Errorf("save team %s: %w", t.ID, err)
		}
	}
	return nil
}

func newImporter(cfg *config.Config, st store.Store) *importer.Importer {
	ic := cfg.Import
	fetcher := ics.NewFetcher(ics.FetcherConfig{
		Timeout:   ic.FetchTimeout,
		Retries:   ic.FetchRetries,
		UserAgent: ic.UserAgent,
		MaxBytes:  ic.MaxFeedBytes,
	})
	return importer.New(st, importer.Options{
		LookbackDays:  ic.LookbackDays,
		LookaheadDays: ic.LookaheadDays,
		RetentionDays: ic.RetentionDays,
		MaxIterations: ic.MaxIterations,
		DefaultTZID:   ic.DefaultTimezone,
		DeepLinkBase:  ic.DeepLinkBase,
		SourceTag:     ic.SourceTag,
		Workers:       ic.Workers,
	}, importer.WithFetcher(fetcher))
}
