package importer

import (
	"context"
	"fmt"
	"time"

	appLog "coachcal/internal/log"
	"coachcal/internal/store"
)

// Sweeper deletes imported trainings that started before the retention
// cutoff. Records from any other source are never touched.
type Sweeper struct {
	store     store.Trainings
	source    string
	retention time.Duration
}

func NewSweeper(st store.Trainings, source string, retentionDays int) *Sweeper {
	if retentionDays < 0 {
		retentionDays = 0
	}
	return &Sweeper{
		store:     st,
		source:    source,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Cutoff is the instant before which imported records are purged.
func (s *Sweeper) Cutoff(now time.Time) time.Time {
	return now.UTC().Add(-s.retention)
}

// Sweep deletes the team's stale imported records and returns how many were
// removed, plus one message per failure.
func (s *Sweeper) Sweep(ctx context.Context, teamID string, now time.Time) (int, []string) {
	cutoff := s.Cutoff(now)
	ids, err := s.store.ListImportedBefore(ctx, teamID, s.source, cutoff)
	if err != nil {
		appLog.Error("cleanup query failed", err, "team", teamID)
		return 0, []string{fmt.Sprintf("cleanup query: %v", err)}
	}

	var errs []string
	cleaned := 0
	for _, id := range ids {
		if err := s.store.Delete(ctx, teamID, id); err != nil {
			appLog.Error("cleanup delete failed", err, "team", teamID, "doc_id", id)
			errs = append(errs, fmt.Sprintf("delete %s: %v", id, err))
			continue
		}
		cleaned++
	}

	appLog.Info("cleanup done", "team", teamID, "cutoff", cutoff.Format(time.RFC3339), "cleaned", cleaned)
	return cleaned, errs
}
