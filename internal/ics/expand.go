package ics

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	appLog "coachcal/internal/log"
	"coachcal/internal/model"
)

// ErrExpansionLimit is returned when a recurrence rule generates more
// instances than ExpandConfig.MaxIterations before leaving the window.
var ErrExpansionLimit = errors.New("recurrence expansion limit exceeded")

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location interprets floating times and zones that cannot be loaded.
	// If nil, UTC is used.
	Location *time.Location

	// RangeStart / RangeEnd define the inclusive window for occurrence starts.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxIterations caps how many instances a single rule may generate,
	// counted from DTSTART. Must be positive.
	MaxIterations int
}

// Expand turns parsed events into concrete occurrences whose start lies in
// [RangeStart, RangeEnd]. It handles:
//
//   - Single non-recurring events
//   - RRULE/RDATE recurrence, with EXDATE removals
//   - RECURRENCE-ID overrides, which replace the instance they name and
//     carry their own zone
//   - All-day events (emitted with DateOnly values; dropped downstream)
//
// A rule that needs more than MaxIterations instances fails the whole call.
func Expand(events []ParsedEvent, cfg ExpandConfig) ([]model.RawOccurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("expand: MaxIterations must be positive, got %d", cfg.MaxIterations)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	// Group base events and overrides by UID.
	baseByUID := make(map[string]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	for _, ev := range events {
		if ev.IsOverride() {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else if ev.UID != "" {
			if _, seen := baseByUID[ev.UID]; !seen {
				baseByUID[ev.UID] = ev
			}
		}
	}

	out := make([]model.RawOccurrence, 0)

	for _, ev := range events {
		if ev.IsOverride() {
			continue
		}
		if ev.RawRRule == "" && len(ev.RDates) == 0 {
			if inRange(instant(ev.Start, cfg.Location), cfg) || ev.Start.IsZero() {
				out = append(out, makeOccurrence(ev, ev.Start, ev.End, "", ev.Start.TZID))
			}
			continue
		}

		occ, err := expandRecurringEvent(ev, overridesByUID[ev.UID], cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, occ...)
	}

	// Overridden instances stand on their own: they may have been moved into
	// (or out of) the window relative to the instance they replace.
	for _, ev := range events {
		if !ev.IsOverride() {
			continue
		}
		if !inRange(instant(ev.Start, cfg.Location), cfg) {
			continue
		}
		eventTZID := ev.Start.TZID
		if base, ok := baseByUID[ev.UID]; ok {
			eventTZID = base.Start.TZID
		}
		out = append(out, makeOccurrence(ev, ev.Start, ev.End, ev.Start.TZID, eventTZID))
	}

	return out, nil
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.RawOccurrence, error) {
	if ev.Start.IsZero() {
		return []model.RawOccurrence{makeOccurrence(ev, ev.Start, ev.End, "", ev.Start.TZID)}, nil
	}

	loc := locationFor(ev.Start, cfg.Location)
	dtstart := instant(ev.Start, loc)

	var set rrule.Set
	if ev.RawRRule != "" {
		opt, err := rrule.StrToROption(ev.RawRRule)
		if err != nil {
			return nil, fmt.Errorf("%w: uid %q: invalid RRULE %q: %w", ErrMalformed, ev.UID, ev.RawRRule, err)
		}
		opt.Dtstart = dtstart
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("%w: uid %q: invalid RRULE %q: %w", ErrMalformed, ev.UID, ev.RawRRule, err)
		}
		set.RRule(r)
	} else {
		// RDATE-only events still occur at DTSTART.
		set.RDate(dtstart)
	}
	for _, rd := range ev.RDates {
		set.RDate(instant(rd, loc))
	}
	for _, ex := range ev.ExDates {
		set.ExDate(instant(ex, loc))
	}

	replaced := make(map[int64]bool, len(overrides))
	for _, ov := range overrides {
		rid := *ov.Recurrence
		replaced[instant(rid, loc).Unix()] = true
	}

	var duration time.Duration
	if !ev.End.IsZero() {
		duration = instant(ev.End, loc).Sub(dtstart)
	}

	out := make([]model.RawOccurrence, 0)
	next := set.Iterator()
	iterations := 0
	for {
		occStart, ok := next()
		if !ok {
			break
		}
		iterations++
		if iterations > cfg.MaxIterations {
			appLog.Warn("expand: iteration cap reached", "uid", ev.UID, "rrule", ev.RawRRule, "cap", cfg.MaxIterations)
			return nil, fmt.Errorf("%w: uid %q generated more than %d instances", ErrExpansionLimit, ev.UID, cfg.MaxIterations)
		}
		if occStart.After(cfg.RangeEnd) {
			break
		}
		if occStart.Before(cfg.RangeStart) {
			continue
		}
		if replaced[occStart.Unix()] {
			continue
		}

		start := fromInstant(occStart, ev.Start, loc)
		var end model.DateTime
		if !ev.End.IsZero() {
			end = fromInstant(occStart.Add(duration), ev.End, locationFor(ev.End, loc))
		}
		out = append(out, makeOccurrence(ev, start, end, "", ev.Start.TZID))
	}

	return out, nil
}

func makeOccurrence(ev ParsedEvent, start, end model.DateTime, tzid, eventTZID string) model.RawOccurrence {
	return model.RawOccurrence{
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       start,
		End:         end,
		AllDay:      start.DateOnly || end.DateOnly,
		TZID:        tzid,
		EventTZID:   eventTZID,
	}
}

// locationFor resolves the zone a value declares, falling back to def when
// it declares none or names a zone that cannot be loaded.
func locationFor(d model.DateTime, def *time.Location) *time.Location {
	if d.UTC {
		return time.UTC
	}
	if d.TZID == "" {
		return def
	}
	loc, err := time.LoadLocation(d.TZID)
	if err != nil {
		appLog.Debug("expand: unknown TZID; using team zone for windowing", "tzid", d.TZID)
		return def
	}
	return loc
}

// instant places d on the timeline. Date-only values map to local midnight.
func instant(d model.DateTime, loc *time.Location) time.Time {
	if d.IsZero() {
		return time.Time{}
	}
	return d.In(locationFor(d, loc))
}

// fromInstant renders a generated instant back into the shape of the
// template value it was derived from. loc must be the zone template.TZID
// resolves to, so the wall clock and its tag agree.
func fromInstant(t time.Time, template model.DateTime, loc *time.Location) model.DateTime {
	switch {
	case template.UTC:
		return model.DateTime{Value: t.UTC(), UTC: true}
	case template.DateOnly:
		lt := t.In(loc)
		return model.DateTime{
			Value:    time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC),
			TZID:     template.TZID,
			DateOnly: true,
		}
	default:
		return model.Wall(t.In(loc), template.TZID)
	}
}

func inRange(t time.Time, cfg ExpandConfig) bool {
	if t.IsZero() {
		return false
	}
	return !t.Before(cfg.RangeStart) && !t.After(cfg.RangeEnd)
}
