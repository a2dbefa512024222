// Package store defines the persistence boundary for trainings and team
// configuration, plus an in-memory implementation.
package store

import (
	"context"
	"errors"
	"time"

	"coachcal/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

// Fields is the set of columns an import is allowed to write on an existing
// record. Players and CreatedAt are not among them.
type Fields struct {
	UID         string
	Title       string
	Summary     string
	Description *string
	Location    *string
	StartUTC    time.Time
	EndUTC      time.Time
	TZID        string
	TeamID      string
	Source      string
	DeepLink    string
	UpdatedAt   time.Time
}

// FieldsOf extracts the mergeable fields of t.
func FieldsOf(t model.Training) Fields {
	return Fields{
		UID:         t.UID,
		Title:       t.Title,
		Summary:     t.Summary,
		Description: t.Description,
		Location:    t.Location,
		StartUTC:    t.StartUTC,
		EndUTC:      t.EndUTC,
		TZID:        t.TZID,
		TeamID:      t.TeamID,
		Source:      t.Source,
		DeepLink:    t.DeepLink,
		UpdatedAt:   t.UpdatedAt,
	}
}

// Apply writes f onto t, leaving Players and CreatedAt untouched.
func (f Fields) Apply(t *model.Training) {
	t.UID = f.UID
	t.Title = f.Title
	t.Summary = f.Summary
	t.Description = f.Description
	t.Location = f.Location
	t.StartUTC = f.StartUTC
	t.EndUTC = f.EndUTC
	t.TZID = f.TZID
	t.TeamID = f.TeamID
	t.Source = f.Source
	t.DeepLink = f.DeepLink
	t.UpdatedAt = f.UpdatedAt
}

// Trainings is a per-team keyed collection of training records.
type Trainings interface {
	// Get returns ErrNotFound when no record exists.
	Get(ctx context.Context, teamID, docID string) (model.Training, error)
	// Create writes a whole record only if none exists yet (ErrExists).
	Create(ctx context.Context, t model.Training) error
	// Merge updates only the given fields of an existing record (ErrNotFound).
	Merge(ctx context.Context, teamID, docID string, f Fields) error
	Delete(ctx context.Context, teamID, docID string) error
	// ListImportedBefore returns ids of records with the given source whose
	// start is strictly before cutoff.
	ListImportedBefore(ctx context.Context, teamID, source string, cutoff time.Time) ([]string, error)
	// List returns records starting in [from, to), ordered by start.
	List(ctx context.Context, teamID string, from, to time.Time) ([]model.Training, error)
}

// Teams exposes the team configuration the importer reads.
type Teams interface {
	// TeamTimeZone returns "" when the team or its zone is unknown.
	TeamTimeZone(ctx context.Context, teamID string) (string, error)
}

// Store is what the importer and HTTP API are wired against.
type Store interface {
	Trainings
	Teams
	UpsertTeam(ctx context.Context, teamID, timeZone string) error
	// AddPlayer records a participant response. It only touches players.
	AddPlayer(ctx context.Context, teamID, docID, player string) error
	Close() error
}
