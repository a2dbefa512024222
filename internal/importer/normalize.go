package importer

import (
	"strconv"
	"strings"
	"time"

	"coachcal/internal/model"
)

const (
	// FallbackTZID is used when neither the feed nor the team names a zone.
	FallbackTZID = "Europe/Paris"
	// PlaceholderTitle replaces empty summaries.
	PlaceholderTitle = "Training"
	// SourceICS tags records written by the importer.
	SourceICS = "ics"
)

type rejectReason string

const (
	accepted        rejectReason = ""
	rejectMissing   rejectReason = "missing start or end"
	rejectAllDay    rejectReason = "all-day"
	rejectZone      rejectReason = "invalid zone conversion"
	rejectDuration  rejectReason = "end not after start"
	rejectOutOfSpan rejectReason = "start outside window"
)

// ResolveTZID returns the first non-empty zone in order: occurrence
// override, parent event, team default, FallbackTZID.
func ResolveTZID(occurrence, event, team string) string {
	for _, z := range []string{occurrence, event, team} {
		if z = strings.TrimSpace(z); z != "" {
			return z
		}
	}
	return FallbackTZID
}

// Normalize converts one raw occurrence into the persisted shape, or reports
// false when it must not be stored. TeamID, DocID, DeepLink and Players are
// left for the caller.
func Normalize(raw model.RawOccurrence, defaultTZID string, rangeStart, rangeEnd time.Time) (model.Training, bool) {
	t, reason := normalize(raw, defaultTZID, rangeStart, rangeEnd)
	return t, reason == accepted
}

func normalize(raw model.RawOccurrence, defaultTZID string, rangeStart, rangeEnd time.Time) (model.Training, rejectReason) {
	if raw.Start.IsZero() || raw.End.IsZero() {
		return model.Training{}, rejectMissing
	}
	if raw.AllDay || raw.Start.DateOnly || raw.End.DateOnly {
		return model.Training{}, rejectAllDay
	}

	tzid := ResolveTZID(raw.TZID, raw.EventTZID, defaultTZID)
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		return model.Training{}, rejectZone
	}

	start := raw.Start.In(loc).UTC()
	end := raw.End.In(endLocation(raw.End, loc)).UTC()
	if !end.After(start) {
		return model.Training{}, rejectDuration
	}
	if start.Before(rangeStart) || start.After(rangeEnd) {
		return model.Training{}, rejectOutOfSpan
	}

	title := strings.TrimSpace(raw.Summary)
	if title == "" {
		title = PlaceholderTitle
	}
	uid := strings.TrimSpace(raw.UID)
	if uid == "" {
		uid = title + "-" + strconv.FormatInt(start.UnixMilli(), 10)
	}

	return model.Training{
		UID:         uid,
		Title:       title,
		Summary:     title,
		Description: optional(raw.Description),
		Location:    optional(raw.Location),
		StartUTC:    start,
		EndUTC:      end,
		TZID:        tzid,
		Source:      SourceICS,
	}, accepted
}

// endLocation is the zone DTEND declares, or startLoc when it declares none
// or names one that cannot be loaded.
func endLocation(end model.DateTime, startLoc *time.Location) *time.Location {
	tzid := strings.TrimSpace(end.TZID)
	if tzid == "" {
		return startLoc
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		return startLoc
	}
	return loc
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
