package scheduler

import "time"

// Schedule computes the next fire time strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Hourly fires at Minute past every hour in Location.
type Hourly struct {
	Minute   int
	Location *time.Location
}

// Next implements Schedule.
func (h Hourly) Next(after time.Time) time.Time {
	return NextRun(after, h.Minute, h.Location)
}

// Daily fires once a day at Hour:Minute in Location.
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// Next implements Schedule.
func (d Daily) Next(after time.Time) time.Time {
	loc := location(d.Location)
	local := after.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.Hour, d.Minute, 0, 0, loc)
	}
	return next
}

// NextRun returns the first instant after now that falls on minute of an
// hour in loc. A pass due this very minute moves to the next hour.
func NextRun(now time.Time, minute int, loc *time.Location) time.Time {
	loc = location(loc)
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day(), local.Hour()+1, minute, 0, 0, loc)
	}
	return next
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
