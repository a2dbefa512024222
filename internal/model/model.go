package model

import (
	"time"
	// Embedded zone database; feeds are resolved against IANA names even on
	// hosts without /usr/share/zoneinfo.
	_ "time/tzdata"
)

// DateTime is a calendar date value as it appears in a feed, before any
// timezone has been applied.
//
// Value holds the wall-clock reading (its Location is not meaningful) unless
// UTC is set, in which case it is an absolute instant. DateOnly marks
// VALUE=DATE properties, which have no time of day.
type DateTime struct {
	Value    time.Time
	TZID     string
	UTC      bool
	DateOnly bool
}

// IsZero reports whether the value is missing.
func (d DateTime) IsZero() bool {
	return d.Value.IsZero()
}

// In interprets the value in loc and returns the corresponding instant.
// UTC values ignore loc.
func (d DateTime) In(loc *time.Location) time.Time {
	if d.UTC {
		return d.Value.UTC()
	}
	v := d.Value
	return time.Date(v.Year(), v.Month(), v.Day(), v.Hour(), v.Minute(), v.Second(), v.Nanosecond(), loc)
}

// Wall builds a DateTime from an instant, keeping t's wall clock in its own
// location and tagging it with tzid.
func Wall(t time.Time, tzid string) DateTime {
	return DateTime{
		Value: time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC),
		TZID:  tzid,
	}
}

// RawOccurrence is one concrete instance of an event after recurrence
// expansion. It only lives for the duration of an import run.
type RawOccurrence struct {
	UID         string
	Summary     string
	Description string
	Location    string

	Start DateTime
	End   DateTime

	AllDay bool

	// TZID is the occurrence-specific zone (an overridden instance that
	// declares its own DTSTART zone). EventTZID is the parent event's zone.
	TZID      string
	EventTZID string
}

// Training is the persisted unit for one imported (or manually created)
// training session.
type Training struct {
	DocID string `json:"docId"`

	UID         string  `json:"uid"`
	Title       string  `json:"title"`
	Summary     string  `json:"summary"`
	Description *string `json:"description"`
	Location    *string `json:"location"`

	StartUTC time.Time `json:"startUtc"`
	EndUTC   time.Time `json:"endUtc"`
	TZID     string    `json:"tzid"`

	TeamID   string `json:"teamId"`
	Source   string `json:"source"`
	DeepLink string `json:"deepLink"`

	// Players is owned by response collection; the importer never
	// overwrites it.
	Players []string `json:"players"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary aggregates the outcome of one import run.
type Summary struct {
	Processed int      `json:"processed"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Skipped   int      `json:"skipped"`
	Cleaned   int      `json:"cleaned"`
	Errors    []string `json:"errors"`
}
