package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "coachcal/internal/log"
	"coachcal/internal/model"
)

// ErrMalformed is returned when a payload is not an iCalendar document.
var ErrMalformed = errors.New("malformed calendar")

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser. Recurrence expansion will operate on this type.
type ParsedEvent struct {
	UID string

	Summary     string
	Description string
	Location    string

	Start model.DateTime
	End   model.DateTime

	RawRRule   string
	ExDates    []model.DateTime
	RDates     []model.DateTime
	Recurrence *model.DateTime // RECURRENCE-ID, set on overriding instances
}

// AllDay reports whether DTSTART carried no time of day.
func (ev ParsedEvent) AllDay() bool {
	return ev.Start.DateOnly
}

// IsOverride reports whether this VEVENT replaces one instance of a
// recurring event.
func (ev ParsedEvent) IsOverride() bool {
	return ev.Recurrence != nil && ev.UID != ""
}

// ParseICS parses a single ICS payload into a list of ParsedEvent.
//
// A payload the library cannot parse fails the whole call; there is no
// partial recovery. Individual properties that cannot be read are left zero
// and the occurrence is rejected later during normalization.
func ParseICS(body []byte) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
		return nil, fmt.Errorf("%w: missing BEGIN:VCALENDAR", ErrMalformed)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	events := make([]ParsedEvent, 0, len(cal.Events()))
	for _, comp := range cal.Events() {
		events = append(events, parseVEvent(comp))
	}

	appLog.Debug("ics parse completed", "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent) ParsedEvent {
	var out ParsedEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		out.Start = propertyDateTime(p)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		out.End = propertyDateTime(p)
	} else if p := ve.GetProperty(ical.ComponentProperty("DURATION")); p != nil && !out.Start.IsZero() {
		if d, err := parseDuration(p.Value); err == nil {
			out.End = out.Start
			out.End.Value = out.Start.Value.Add(d)
		} else {
			appLog.Debug("ics: ignoring unparseable DURATION", "uid", out.UID, "value", p.Value)
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	out.ExDates = listDateTimes(ve.GetProperties(ical.ComponentPropertyExdate))
	out.RDates = listDateTimes(ve.GetProperties(ical.ComponentProperty("RDATE")))

	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		rid := propertyDateTime(p)
		if !rid.IsZero() {
			out.Recurrence = &rid
		}
	}

	return out
}

// listDateTimes flattens repeated, comma-separated date list properties
// (EXDATE, RDATE).
func listDateTimes(props []*ical.IANAProperty) []model.DateTime {
	var out []model.DateTime
	for _, p := range props {
		tzid := param(p, "TZID")
		dateOnly := strings.EqualFold(param(p, "VALUE"), "DATE")
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if dt, err := parseDateTime(part, tzid, dateOnly); err == nil {
				out = append(out, dt)
			}
		}
	}
	return out
}

func propertyDateTime(p *ical.IANAProperty) model.DateTime {
	dateOnly := strings.EqualFold(param(p, "VALUE"), "DATE")
	dt, err := parseDateTime(p.Value, param(p, "TZID"), dateOnly)
	if err != nil {
		appLog.Debug("ics: unparseable date value", "value", p.Value, "err", err)
		return model.DateTime{}
	}
	return dt
}

func param(p *ical.IANAProperty, name string) string {
	if p == nil || p.ICalParameters == nil {
		return ""
	}
	for k, vs := range p.ICalParameters {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return strings.Trim(strings.TrimSpace(vs[0]), `"`)
		}
	}
	return ""
}

// parseDateTime parses DATE and DATE-TIME values. The location of the
// returned Value is UTC for bookkeeping only; see model.DateTime.
func parseDateTime(v, tzid string, dateOnly bool) (model.DateTime, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return model.DateTime{}, errors.New("empty time value")
	}

	// Date-only (all-day), e.g., 20250101
	if dateOnly || !strings.Contains(v, "T") {
		t, err := time.Parse("20060102", v)
		if err != nil {
			return model.DateTime{}, err
		}
		return model.DateTime{Value: t, TZID: tzid, DateOnly: true}, nil
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		if err != nil {
			return model.DateTime{}, err
		}
		return model.DateTime{Value: t, UTC: true}, nil
	}

	// Local or zoned date-time, e.g., 20250101T090000
	t, err := time.Parse("20060102T150405", v)
	if err != nil {
		return model.DateTime{}, err
	}
	return model.DateTime{Value: t, TZID: tzid}, nil
}

// parseDuration handles the RFC 5545 dur-value grammar, e.g. PT1H30M, P1D,
// -PT15M, P2W.
func parseDuration(v string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	sign := time.Duration(1)
	switch {
	case strings.HasPrefix(s, "-"):
		sign = -1
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid duration %q", v)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, err
			}
			num = ""
			unit, ok := durationUnit(r, inTime)
			if !ok {
				return 0, fmt.Errorf("invalid duration unit %q in %q", r, v)
			}
			total += time.Duration(n) * unit
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return sign * total, nil
}

func durationUnit(r rune, inTime bool) (time.Duration, bool) {
	if inTime {
		switch r {
		case 'H':
			return time.Hour, true
		case 'M':
			return time.Minute, true
		case 'S':
			return time.Second, true
		}
		return 0, false
	}
	switch r {
	case 'W':
		return 7 * 24 * time.Hour, true
	case 'D':
		return 24 * time.Hour, true
	}
	return 0, false
}
