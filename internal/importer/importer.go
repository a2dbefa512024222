// Package importer turns a team's ICS feed into persisted training records.
//
// One run fetches the feed, expands recurrences inside a time window,
// normalizes every occurrence, upserts it without disturbing roster data,
// and finally purges imported records that have aged out.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"coachcal/internal/ics"
	appLog "coachcal/internal/log"
	"coachcal/internal/model"
	"coachcal/internal/store"
)

var (
	// ErrFetch means the feed could not be retrieved. Nothing was written.
	ErrFetch = errors.New("feed fetch failed")
	// ErrParse means the feed could not be parsed or expanded. Nothing was
	// written.
	ErrParse = errors.New("feed parse failed")
)

const (
	// DefaultLookbackDays is how far before now occurrences are imported.
	DefaultLookbackDays = 1
	// DefaultLookaheadDays is how far after now recurrences are unrolled.
	DefaultLookaheadDays = 90
	// DefaultRetentionDays is how long imported records outlive their start.
	DefaultRetentionDays = 2
	// DefaultMaxIterations caps the instances one rule may generate.
	DefaultMaxIterations = 10000
	// DefaultDeepLinkBase prefixes the docId in each record's deep link.
	DefaultDeepLinkBase = "coachcal://trainings/"
	// DefaultWorkers bounds concurrent upserts within one run.
	DefaultWorkers = 4
)

// FeedFetcher retrieves raw feed bytes. *ics.Fetcher satisfies it.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Store is the persistence surface an import needs.
type Store interface {
	store.Trainings
	store.Teams
}

// Options are the import tunables.
type Options struct {
	LookbackDays  int
	LookaheadDays int
	RetentionDays int
	MaxIterations int
	DefaultTZID   string
	DeepLinkBase  string
	SourceTag     string
	Workers       int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		LookbackDays:  DefaultLookbackDays,
		LookaheadDays: DefaultLookaheadDays,
		RetentionDays: DefaultRetentionDays,
		MaxIterations: DefaultMaxIterations,
		DefaultTZID:   FallbackTZID,
		DeepLinkBase:  DefaultDeepLinkBase,
		SourceTag:     SourceICS,
		Workers:       DefaultWorkers,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.LookbackDays < 0 {
		o.LookbackDays = 0
	}
	if o.LookaheadDays <= 0 {
		o.LookaheadDays = d.LookaheadDays
	}
	// Records inside the lookback are still imported, so the sweep must not
	// reach them or every run would recreate what it just deleted.
	if o.RetentionDays < o.LookbackDays {
		o.RetentionDays = o.LookbackDays
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if strings.TrimSpace(o.DefaultTZID) == "" {
		o.DefaultTZID = d.DefaultTZID
	}
	if o.DeepLinkBase == "" {
		o.DeepLinkBase = d.DeepLinkBase
	}
	if o.SourceTag == "" {
		o.SourceTag = d.SourceTag
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	return o
}

// Option customizes an Importer.
type Option func(*Importer)

// WithClock replaces time.Now, for deterministic windows in tests.
func WithClock(now func() time.Time) Option {
	return func(im *Importer) {
		if now != nil {
			im.now = now
		}
	}
}

// WithWorkers bounds how many occurrences are reconciled concurrently.
func WithWorkers(n int) Option {
	return func(im *Importer) {
		if n > 0 {
			im.opts.Workers = n
		}
	}
}

// WithFetcher swaps the feed transport.
func WithFetcher(f FeedFetcher) Option {
	return func(im *Importer) {
		if f != nil {
			im.fetcher = f
		}
	}
}

// Importer runs feed imports. Runs for different teams proceed
// concurrently; runs for the same team are serialized so a sweep never
// overlaps another run's upserts.
type Importer struct {
	store      Store
	fetcher    FeedFetcher
	opts       Options
	now        func() time.Time
	reconciler *Reconciler
	sweeper    *Sweeper

	teamLocks sync.Map // team id -> *sync.Mutex
}

// New builds an Importer over st. Without WithFetcher, feeds are retrieved
// with a default ics.Fetcher.
func New(st Store, opts Options, optFns ...Option) *Importer {
	im := &Importer{
		store: st,
		opts:  opts.withDefaults(),
		now:   time.Now,
	}
	if opts.RetentionDays < im.opts.RetentionDays {
		appLog.Warn("retention shorter than lookback; raised to lookback",
			"retention_days", opts.RetentionDays, "lookback_days", im.opts.LookbackDays)
	}
	for _, fn := range optFns {
		fn(im)
	}
	if im.fetcher == nil {
		im.fetcher = ics.NewFetcher(ics.FetcherConfig{})
	}
	im.reconciler = NewReconciler(st, im.opts.DeepLinkBase, im.now)
	im.sweeper = NewSweeper(st, im.opts.SourceTag, im.opts.RetentionDays)
	return im
}

// Options returns the effective tunables.
func (im *Importer) Options() Options {
	return im.opts
}

// ImportFeed imports one team's feed and returns the run summary.
//
// A fetch or parse failure aborts the run before any write and is returned
// wrapped in ErrFetch or ErrParse. Per-occurrence persistence failures are
// collected in Summary.Errors and do not stop the run. If ctx is cancelled,
// dispatch stops between occurrences, the cleanup sweep is skipped, and the
// partial summary is returned with an error wrapping ctx.Err().
func (im *Importer) ImportFeed(ctx context.Context, teamID, icsURL, fallbackTZID string) (model.Summary, error) {
	summary := model.Summary{Errors: []string{}}
	if strings.TrimSpace(teamID) == "" {
		return summary, errors.New("team id is empty")
	}

	unlock := im.lockTeam(teamID)
	defer unlock()

	runID := uuid.NewString()
	started := im.now()
	appLog.Info("import start", "run_id", runID, "team", teamID, "url", ics.RedactURL(icsURL))

	tzid, loc := im.teamZone(ctx, runID, teamID, fallbackTZID)

	appLog.Debug("import state", "run_id", runID, "state", "fetching")
	body, err := im.fetcher.Fetch(ctx, icsURL)
	if err != nil {
		appLog.Error("import fetch failed", err, "run_id", runID, "team", teamID)
		return summary, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	appLog.Debug("import state", "run_id", runID, "state", "expanding")
	now := im.now().In(loc)
	rangeStart := now.AddDate(0, 0, -im.opts.LookbackDays)
	rangeEnd := now.AddDate(0, 0, im.opts.LookaheadDays)

	events, err := ics.ParseICS(body)
	if err != nil {
		appLog.Error("import parse failed", err, "run_id", runID, "team", teamID)
		return summary, fmt.Errorf("%w: %w", ErrParse, err)
	}
	raws, err := ics.Expand(events, ics.ExpandConfig{
		Location:      loc,
		RangeStart:    rangeStart,
		RangeEnd:      rangeEnd,
		MaxIterations: im.opts.MaxIterations,
	})
	if err != nil {
		appLog.Error("import expansion failed", err, "run_id", runID, "team", teamID)
		return summary, fmt.Errorf("%w: %w", ErrParse, err)
	}
	summary.Processed = len(raws)

	trainings := im.normalizeAll(runID, raws, tzid, rangeStart.UTC(), rangeEnd.UTC())

	appLog.Debug("import state", "run_id", runID, "state", "reconciling", "occurrences", len(trainings))
	im.reconcileAll(ctx, runID, teamID, trainings, &summary)

	if err := ctx.Err(); err != nil {
		appLog.Warn("import cancelled", "run_id", runID, "team", teamID,
			"created", summary.Created, "updated", summary.Updated)
		return summary, fmt.Errorf("import of team %s cancelled: %w", teamID, err)
	}

	appLog.Debug("import state", "run_id", runID, "state", "cleaning")
	cleaned, errs := im.sweeper.Sweep(ctx, teamID, now)
	summary.Cleaned = cleaned
	summary.Errors = append(summary.Errors, errs...)

	appLog.Info("import done",
		"run_id", runID,
		"team", teamID,
		"processed", summary.Processed,
		"created", summary.Created,
		"updated", summary.Updated,
		"skipped", summary.Skipped,
		"cleaned", summary.Cleaned,
		"errors", len(summary.Errors),
		"elapsed", im.now().Sub(started).Round(time.Millisecond).String(),
	)
	return summary, nil
}

// Cleanup runs the retention sweep alone for one team.
func (im *Importer) Cleanup(ctx context.Context, teamID string) (model.Summary, error) {
	summary := model.Summary{Errors: []string{}}
	if strings.TrimSpace(teamID) == "" {
		return summary, errors.New("team id is empty")
	}
	unlock := im.lockTeam(teamID)
	defer unlock()

	cleaned, errs := im.sweeper.Sweep(ctx, teamID, im.now())
	summary.Cleaned = cleaned
	summary.Errors = append(summary.Errors, errs...)
	return summary, ctx.Err()
}

func (im *Importer) lockTeam(teamID string) func() {
	v, _ := im.teamLocks.LoadOrStore(teamID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Window returns the import window for now in loc.
func (im *Importer) Window(loc *time.Location) (time.Time, time.Time) {
	now := im.now().In(loc)
	return now.AddDate(0, 0, -im.opts.LookbackDays), now.AddDate(0, 0, im.opts.LookaheadDays)
}

// teamZone resolves the zone used for floating times: the team's configured
// zone, then the caller's fallback, then the global default.
func (im *Importer) teamZone(ctx context.Context, runID, teamID, fallbackTZID string) (string, *time.Location) {
	candidates := make([]string, 0, 3)
	tz, err := im.store.TeamTimeZone(ctx, teamID)
	if err != nil {
		appLog.Warn("team zone lookup failed", "run_id", runID, "team", teamID, "err", err)
	}
	candidates = append(candidates, tz, fallbackTZID, im.opts.DefaultTZID)

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		loc, err := time.LoadLocation(c)
		if err != nil {
			appLog.Warn("unknown time zone, trying next", "run_id", runID, "team", teamID, "tzid", c)
			continue
		}
		return c, loc
	}
	return "UTC", time.UTC
}

func (im *Importer) normalizeAll(runID string, raws []model.RawOccurrence, tzid string, rangeStart, rangeEnd time.Time) []model.Training {
	out := make([]model.Training, 0, len(raws))
	for _, raw := range raws {
		t, reason := normalize(raw, tzid, rangeStart, rangeEnd)
		if reason != accepted {
			appLog.Debug("occurrence rejected", "run_id", runID, "uid", raw.UID, "reason", string(reason))
			continue
		}
		t.Source = im.opts.SourceTag
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartUTC.Equal(out[j].StartUTC) {
			return out[i].StartUTC.Before(out[j].StartUTC)
		}
		return out[i].UID < out[j].UID
	})
	return out
}

// reconcileAll dispatches upserts to a bounded pool. Deduplication happens
// here, in dispatch order, so the first occurrence with a given docId wins.
func (im *Importer) reconcileAll(ctx context.Context, runID, teamID string, trainings []model.Training, summary *model.Summary) {
	var (
		mu   sync.Mutex
		g    errgroup.Group
		seen = make(map[string]struct{}, len(trainings))
	)
	g.SetLimit(im.opts.Workers)

	// An occurrence that has started is finished even if ctx is cancelled
	// meanwhile.
	opCtx := context.WithoutCancel(ctx)

	for _, t := range trainings {
		if ctx.Err() != nil {
			break
		}
		t = im.reconciler.Prepare(teamID, t)
		if _, dup := seen[t.DocID]; dup {
			appLog.Debug("duplicate occurrence skipped", "run_id", runID, "doc_id", t.DocID)
			mu.Lock()
			summary.Skipped++
			mu.Unlock()
			continue
		}
		seen[t.DocID] = struct{}{}

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcome, err := im.reconciler.Upsert(opCtx, t)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				appLog.Error("upsert failed", err, "run_id", runID, "doc_id", t.DocID)
				summary.Errors = append(summary.Errors, err.Error())
				return nil
			}
			switch outcome {
			case OutcomeCreated:
				summary.Created++
			case OutcomeUpdated:
				summary.Updated++
			default:
				summary.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
}
