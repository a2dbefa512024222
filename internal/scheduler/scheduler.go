// Package scheduler runs periodic feed imports, one cron entry per team.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	appLog "coachcal/internal/log"
	"coachcal/internal/model"
)

// Importer is the import entry point a job calls.
type Importer interface {
	ImportFeed(ctx context.Context, teamID, icsURL, fallbackTZID string) (model.Summary, error)
}

// Job is one team's periodic import.
type Job struct {
	TeamID   string
	URL      string
	Timezone string
	// Schedule is a standard 5-field cron spec or a descriptor such as
	// "@hourly". It is evaluated in Timezone when one is set.
	Schedule string
}

// Scheduler owns a cron instance. A team whose previous import is still
// running when its next tick fires is skipped for that tick; different
// teams run concurrently.
type Scheduler struct {
	imp   Importer
	cron  *cron.Cron
	chain cron.Chain

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func New(imp Importer) *Scheduler {
	l := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		imp:    imp,
		cron:   cron.New(cron.WithLogger(l)),
		chain:  cron.NewChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job. It fails on an empty team, URL or an unparsable spec.
func (s *Scheduler) Add(job Job) error {
	if strings.TrimSpace(job.TeamID) == "" {
		return errors.New("scheduler: job has no team id")
	}
	if strings.TrimSpace(job.URL) == "" {
		return fmt.Errorf("scheduler: team %s has no feed url", job.TeamID)
	}
	spec := scheduleSpec(job)
	if _, err := s.cron.AddJob(spec, s.wrap(job)); err != nil {
		return fmt.Errorf("scheduler: team %s: invalid schedule %q: %w", job.TeamID, job.Schedule, err)
	}
	appLog.Info("import scheduled", "team", job.TeamID, "schedule", spec)
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, cancels in-flight imports and waits for them to
// return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	select {
	case <-done.Done():
	case <-ctx.Done():
		appLog.Warn("scheduler stop timed out with imports still running")
	}
}

func (s *Scheduler) wrap(job Job) cron.Job {
	return s.chain.Then(cron.FuncJob(func() { s.run(job) }))
}

func (s *Scheduler) run(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	sum, err := s.imp.ImportFeed(ctx, job.TeamID, job.URL, job.Timezone)
	if err != nil {
		appLog.Error("scheduled import failed", err, "team", job.TeamID)
		return
	}
	appLog.Info("scheduled import finished",
		"team", job.TeamID,
		"processed", sum.Processed,
		"created", sum.Created,
		"updated", sum.Updated,
		"skipped", sum.Skipped,
		"cleaned", sum.Cleaned,
		"errors", len(sum.Errors),
	)
}

// scheduleSpec pins the spec to the team's zone unless it already names one.
func scheduleSpec(job Job) string {
	spec := strings.TrimSpace(job.Schedule)
	if job.Timezone == "" || strings.HasPrefix(spec, "CRON_TZ=") || strings.HasPrefix(spec, "TZ=") {
		return spec
	}
	return "CRON_TZ=" + job.Timezone + " " + spec
}

// cronLogger routes cron's internal logging into appLog.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
