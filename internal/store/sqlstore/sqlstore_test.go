package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coachcal/internal/model"
	"coachcal/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "coachcal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sample(docID string, start time.Time) model.Training {
	loc := "Stadium"
	return model.Training{
		DocID: docID, TeamID: "u17", UID: "evt", Title: "Training", Summary: "Training",
		Location: &loc, StartUTC: start, EndUTC: start.Add(90 * time.Minute),
		TZID: "Europe/Paris", Source: "ics", DeepLink: "coachcal://trainings/" + docID,
		Players: []string{}, CreatedAt: start.AddDate(0, 0, -3), UpdatedAt: start.AddDate(0, 0, -3),
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	assert.Error(t, err)
	_, err = Open(context.Background(), DriverSQLite, "")
	assert.Error(t, err)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	start := time.Date(2025, 3, 4, 17, 0, 0, 0, time.UTC)

	tr := sample("evt_1741107600000", start)
	require.NoError(t, s.Create(ctx, tr))
	assert.ErrorIs(t, s.Create(ctx, tr), store.ErrExists)

	got, err := s.Get(ctx, "u17", tr.DocID)
	require.NoError(t, err)
	assert.Equal(t, tr.Title, got.Title)
	assert.Nil(t, got.Description)
	require.NotNil(t, got.Location)
	assert.Equal(t, "Stadium", *got.Location)
	assert.True(t, got.StartUTC.Equal(start))
	assert.Equal(t, []string{}, got.Players)

	_, err = s.Get(ctx, "u17", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_MergeKeepsPlayers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	start := time.Date(2025, 3, 4, 17, 0, 0, 0, time.UTC)
	tr := sample("evt_1", start)
	require.NoError(t, s.Create(ctx, tr))

	var wg sync.WaitGroup
	for _, p := range []string{"p1", "p2"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			assert.NoError(t, s.AddPlayer(ctx, "u17", "evt_1", p))
		}(p)
	}
	f := store.FieldsOf(tr)
	f.Title = "Training (pitch 2)"
	f.UpdatedAt = start
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Merge(ctx, "u17", "evt_1", f))
	}()
	wg.Wait()

	got, err := s.Get(ctx, "u17", "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "Training (pitch 2)", got.Title)
	assert.ElementsMatch(t, []string{"p1", "p2"}, got.Players)
	assert.True(t, got.CreatedAt.Equal(tr.CreatedAt))

	assert.ErrorIs(t, s.Merge(ctx, "u17", "nope", f), store.ErrNotFound)
}

func TestStore_QueriesAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	old := sample("old", now.AddDate(0, 0, -5))
	manual := sample("manual", now.AddDate(0, 0, -5))
	manual.Source = "manual"
	fresh := sample("fresh", now)
	for _, tr := range []model.Training{old, manual, fresh} {
		require.NoError(t, s.Create(ctx, tr))
	}

	ids, err := s.ListImportedBefore(ctx, "u17", "ics", now.AddDate(0, 0, -2))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	require.NoError(t, s.Delete(ctx, "u17", "old"))
	list, err := s.List(ctx, "u17", now.AddDate(0, 0, -7), now.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "manual", list[0].DocID)
	assert.Equal(t, "fresh", list[1].DocID)
}

func TestStore_Teams(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	tz, err := s.TeamTimeZone(ctx, "u17")
	require.NoError(t, err)
	assert.Empty(t, tz)

	require.NoError(t, s.UpsertTeam(ctx, "u17", "Europe/Paris"))
	require.NoError(t, s.UpsertTeam(ctx, "u17", "Europe/Berlin"))
	tz, err = s.TeamTimeZone(ctx, "u17")
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", tz)
}

func TestRebind(t *testing.T) {
	pg := &Store{postgres: true}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))
	lite := &Store{}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
