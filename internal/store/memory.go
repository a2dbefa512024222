package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"coachcal/internal/model"
)

// Memory is a process-local Store. Single-record operations are atomic.
type Memory struct {
	mu        sync.RWMutex
	trainings map[string]map[string]model.Training
	teams     map[string]string
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		trainings: make(map[string]map[string]model.Training),
		teams:     make(map[string]string),
	}
}

func (m *Memory) Get(_ context.Context, teamID, docID string) (model.Training, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trainings[teamID][docID]
	if !ok {
		return model.Training{}, ErrNotFound
	}
	return clone(t), nil
}

func (m *Memory) Create(_ context.Context, t model.Training) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	team := m.trainings[t.TeamID]
	if team == nil {
		team = make(map[string]model.Training)
		m.trainings[t.TeamID] = team
	}
	if _, ok := team[t.DocID]; ok {
		return ErrExists
	}
	team[t.DocID] = clone(t)
	return nil
}

func (m *Memory) Merge(_ context.Context, teamID, docID string, f Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trainings[teamID][docID]
	if !ok {
		return ErrNotFound
	}
	f.Apply(&t)
	m.trainings[teamID][docID] = t
	return nil
}

func (m *Memory) Delete(_ context.Context, teamID, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trainings[teamID], docID)
	return nil
}

func (m *Memory) ListImportedBefore(_ context.Context, teamID, source string, cutoff time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []model.Training
	for _, t := range m.trainings[teamID] {
		if t.Source == source && t.StartUTC.Before(cutoff) {
			matches = append(matches, t)
		}
	}
	sortByStart(matches)
	ids := make([]string, 0, len(matches))
	for _, t := range matches {
		ids = append(ids, t.DocID)
	}
	return ids, nil
}

func (m *Memory) List(_ context.Context, teamID string, from, to time.Time) ([]model.Training, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Training, 0)
	for _, t := range m.trainings[teamID] {
		if !t.StartUTC.Before(from) && t.StartUTC.Before(to) {
			out = append(out, clone(t))
		}
	}
	sortByStart(out)
	return out, nil
}

func (m *Memory) TeamTimeZone(_ context.Context, teamID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.teams[teamID], nil
}

func (m *Memory) UpsertTeam(_ context.Context, teamID, timeZone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams[teamID] = timeZone
	return nil
}

func (m *Memory) AddPlayer(_ context.Context, teamID, docID, player string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trainings[teamID][docID]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(t.Players, player) {
		t.Players = append(slices.Clone(t.Players), player)
	}
	m.trainings[teamID][docID] = t
	return nil
}

func (m *Memory) Close() error { return nil }

func clone(t model.Training) model.Training {
	t.Players = slices.Clone(t.Players)
	if t.Players == nil {
		t.Players = []string{}
	}
	return t
}

func sortByStart(ts []model.Training) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].StartUTC.Equal(ts[j].StartUTC) {
			return ts[i].StartUTC.Before(ts[j].StartUTC)
		}
		return ts[i].DocID < ts[j].DocID
	})
}
