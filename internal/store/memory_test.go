package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coachcal/internal/model"
)

func TestMemory_CreateMergePreservesPlayers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	start := time.Date(2025, 3, 4, 17, 0, 0, 0, time.UTC)
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	tr := model.Training{
		DocID: "evt_1", TeamID: "u17", UID: "evt", Title: "Training", Summary: "Training",
		StartUTC: start, EndUTC: start.Add(90 * time.Minute), Source: "ics",
		Players: []string{}, CreatedAt: created, UpdatedAt: created,
	}
	require.NoError(t, m.Create(ctx, tr))
	assert.ErrorIs(t, m.Create(ctx, tr), ErrExists)

	require.NoError(t, m.AddPlayer(ctx, "u17", "evt_1", "p1"))
	require.NoError(t, m.AddPlayer(ctx, "u17", "evt_1", "p1"))

	f := FieldsOf(tr)
	f.Title = "Training (moved)"
	f.UpdatedAt = created.Add(time.Hour)
	require.NoError(t, m.Merge(ctx, "u17", "evt_1", f))

	got, err := m.Get(ctx, "u17", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "Training (moved)", got.Title)
	assert.Equal(t, []string{"p1"}, got.Players)
	assert.Equal(t, created, got.CreatedAt)

	assert.ErrorIs(t, m.Merge(ctx, "u17", "missing", f), ErrNotFound)
	_, err = m.Get(ctx, "u18", "evt_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_ListImportedBefore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	for _, tr := range []model.Training{
		{DocID: "old", TeamID: "u17", Source: "ics", StartUTC: now.AddDate(0, 0, -5)},
		{DocID: "manual", TeamID: "u17", Source: "manual", StartUTC: now.AddDate(0, 0, -5)},
		{DocID: "fresh", TeamID: "u17", Source: "ics", StartUTC: now},
		{DocID: "other-team", TeamID: "u18", Source: "ics", StartUTC: now.AddDate(0, 0, -5)},
	} {
		require.NoError(t, m.Create(ctx, tr))
	}

	ids, err := m.ListImportedBefore(ctx, "u17", "ics", now.AddDate(0, 0, -2))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	list, err := m.List(ctx, "u17", now.AddDate(0, 0, -7), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "fresh", list[2].DocID)
}

func TestMemory_Teams(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	tz, err := m.TeamTimeZone(ctx, "u17")
	require.NoError(t, err)
	assert.Empty(t, tz)

	require.NoError(t, m.UpsertTeam(ctx, "u17", "Europe/Paris"))
	tz, err = m.TeamTimeZone(ctx, "u17")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", tz)
}
