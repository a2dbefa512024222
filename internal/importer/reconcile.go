package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	appLog "coachcal/internal/log"
	"coachcal/internal/model"
	"coachcal/internal/store"
)

const (
	// MaxDocIDLength bounds derived ids; longer candidates are hashed.
	MaxDocIDLength = 200
	docIDUIDPrefix = 40
)

// Outcome is what the reconciler did with one occurrence.
type Outcome int

const (
	// OutcomeUnchanged means the stored record already matched.
	OutcomeUnchanged Outcome = iota
	// OutcomeCreated means a new record was written.
	OutcomeCreated
	// OutcomeUpdated means tracked fields were merged into an existing record.
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// DocID derives the record id for an occurrence: sanitized uid, an
// underscore and the start in Unix millis. Candidates over MaxDocIDLength
// keep a uid prefix and a hash of the full candidate.
func DocID(uid string, startUTC time.Time) string {
	ms := strconv.FormatInt(startUTC.UnixMilli(), 10)
	clean := sanitizeID(uid)
	candidate := clean + "_" + ms
	if len(candidate) <= MaxDocIDLength {
		return candidate
	}

	sum := sha256.Sum256([]byte(candidate))
	prefix := clean
	if len(prefix) > docIDUIDPrefix {
		prefix = prefix[:docIDUIDPrefix]
	}
	return prefix + "_" + hex.EncodeToString(sum[:16]) + "_" + ms
}

func sanitizeID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '@':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Reconciler upserts normalized trainings into one store.
type Reconciler struct {
	store        store.Trainings
	deepLinkBase string
	now          func() time.Time
}

func NewReconciler(st store.Trainings, deepLinkBase string, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{store: st, deepLinkBase: deepLinkBase, now: now}
}

// Prepare attaches the team and the derived identifiers to t.
func (r *Reconciler) Prepare(teamID string, t model.Training) model.Training {
	t.TeamID = teamID
	t.DocID = DocID(t.UID, t.StartUTC)
	t.DeepLink = r.deepLinkBase + t.DocID
	return t
}

// Upsert creates t when absent, merges its tracked fields when any differ,
// and otherwise leaves the stored record alone. Players and CreatedAt on an
// existing record are never written.
func (r *Reconciler) Upsert(ctx context.Context, t model.Training) (Outcome, error) {
	existing, err := r.store.Get(ctx, t.TeamID, t.DocID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		created, err := r.create(ctx, t)
		if err == nil || !errors.Is(err, store.ErrExists) {
			return created, err
		}
		// Someone else created it between Get and Create; reconcile
		// against what they wrote.
		existing, err = r.store.Get(ctx, t.TeamID, t.DocID)
		if err != nil {
			return OutcomeUnchanged, fmt.Errorf("get %s: %w", t.DocID, err)
		}
	case err != nil:
		return OutcomeUnchanged, fmt.Errorf("get %s: %w", t.DocID, err)
	}

	if trackedEqual(existing, t) {
		return OutcomeUnchanged, nil
	}

	fields := store.FieldsOf(t)
	fields.UpdatedAt = r.now().UTC()
	if err := r.store.Merge(ctx, t.TeamID, t.DocID, fields); err != nil {
		return OutcomeUnchanged, fmt.Errorf("update %s: %w", t.DocID, err)
	}
	appLog.Debug("training updated", "team", t.TeamID, "doc_id", t.DocID)
	return OutcomeUpdated, nil
}

func (r *Reconciler) create(ctx context.Context, t model.Training) (Outcome, error) {
	now := r.now().UTC()
	t.Players = []string{}
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := r.store.Create(ctx, t); err != nil {
		if errors.Is(err, store.ErrExists) {
			return OutcomeUnchanged, err
		}
		return OutcomeUnchanged, fmt.Errorf("create %s: %w", t.DocID, err)
	}
	appLog.Debug("training created", "team", t.TeamID, "doc_id", t.DocID)
	return OutcomeCreated, nil
}

// trackedEqual compares the fields an import owns. Instants are compared at
// millisecond precision, the resolution stores keep.
func trackedEqual(a, b model.Training) bool {
	return a.UID == b.UID &&
		a.Title == b.Title &&
		a.Summary == b.Summary &&
		equalOptional(a.Description, b.Description) &&
		equalOptional(a.Location, b.Location) &&
		a.TZID == b.TZID &&
		a.Source == b.Source &&
		a.TeamID == b.TeamID &&
		a.DeepLink == b.DeepLink &&
		a.StartUTC.UnixMilli() == b.StartUTC.UnixMilli() &&
		a.EndUTC.UnixMilli() == b.EndUTC.UnixMilli()
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
