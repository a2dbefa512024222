package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coachcal/internal/model"
)

type fakeImporter struct {
	calls   atomic.Int32
	started chan string
	release chan struct{}
	err     error

	mu    sync.Mutex
	teams []string
}

func (f *fakeImporter) ImportFeed(ctx context.Context, teamID, _, _ string) (model.Summary, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.teams = append(f.teams, teamID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- teamID
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return model.Summary{}, ctx.Err()
		}
	}
	return model.Summary{Processed: 1, Created: 1}, f.err
}

func TestAdd_Validation(t *testing.T) {
	s := New(&fakeImporter{})
	assert.Error(t, s.Add(Job{URL: "https://x/feed.ics", Schedule: "@hourly"}))
	assert.Error(t, s.Add(Job{TeamID: "u17", Schedule: "@hourly"}))
	assert.Error(t, s.Add(Job{TeamID: "u17", URL: "https://x/feed.ics", Schedule: "every tuesday"}))
	assert.Error(t, s.Add(Job{TeamID: "u17", URL: "https://x/feed.ics", Schedule: "0 6 * * *", Timezone: "Nowhere/Land"}))

	require.NoError(t, s.Add(Job{TeamID: "u17", URL: "https://x/feed.ics", Schedule: "*/15 * * * *", Timezone: "Europe/Paris"}))
	require.NoError(t, s.Add(Job{TeamID: "u19", URL: "https://x/feed.ics", Schedule: "@every 1h"}))
	assert.Equal(t, 2, s.Len())
}

func TestScheduleSpec(t *testing.T) {
	assert.Equal(t, "CRON_TZ=Europe/Paris 0 6 * * *", scheduleSpec(Job{Schedule: " 0 6 * * * ", Timezone: "Europe/Paris"}))
	assert.Equal(t, "0 6 * * *", scheduleSpec(Job{Schedule: "0 6 * * *"}))
	assert.Equal(t, "TZ=UTC 0 6 * * *", scheduleSpec(Job{Schedule: "TZ=UTC 0 6 * * *", Timezone: "Europe/Paris"}))
}

func TestJob_SkipsWhileStillRunning(t *testing.T) {
	imp := &fakeImporter{started: make(chan string, 1), release: make(chan struct{})}
	s := New(imp)
	job := s.wrap(Job{TeamID: "u17", URL: "https://x/feed.ics"})

	done := make(chan struct{})
	go func() {
		job.Run()
		close(done)
	}()
	<-imp.started

	// The second tick returns immediately without importing.
	job.Run()
	assert.Equal(t, int32(1), imp.calls.Load())

	close(imp.release)
	<-done
}

func TestJob_TeamsRunIndependently(t *testing.T) {
	imp := &fakeImporter{started: make(chan string, 2), release: make(chan struct{})}
	s := New(imp)
	a := s.wrap(Job{TeamID: "u15", URL: "https://x/a.ics"})
	b := s.wrap(Job{TeamID: "u17", URL: "https://x/b.ics"})

	var wg sync.WaitGroup
	for _, j := range []interface{ Run() }{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Run()
		}()
	}
	got := []string{<-imp.started, <-imp.started}
	assert.ElementsMatch(t, []string{"u15", "u17"}, got)

	close(imp.release)
	wg.Wait()
}

func TestJob_ErrorIsLoggedNotPanicked(t *testing.T) {
	imp := &fakeImporter{err: errors.New("feed fetch failed")}
	s := New(imp)
	assert.NotPanics(t, func() { s.wrap(Job{TeamID: "u17", URL: "u"}).Run() })
	assert.Equal(t, int32(1), imp.calls.Load())
}

func TestStartStop(t *testing.T) {
	imp := &fakeImporter{started: make(chan string, 8), release: make(chan struct{})}
	s := New(imp)
	require.NoError(t, s.Add(Job{TeamID: "u17", URL: "https://x/feed.ics", Schedule: "@every 1s"}))
	s.Start()

	select {
	case team := <-imp.started:
		assert.Equal(t, "u17", team)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled import never ran")
	}

	// Stop cancels the blocked import and waits for it.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.NoError(t, ctx.Err())
}
