package ranking

// DateRange is an optional inclusive date filter. Empty bounds are absent.
//
// When only one bound is present the filter matches that exact date rather
// than an open range. Existing clients depend on this.
type DateRange struct {
	Start string
	End   string
}

// IsZero reports whether neither bound is set.
func (d DateRange) IsZero() bool {
	return d.Start == "" && d.End == ""
}

// Match reports whether date passes the filter.
func (d DateRange) Match(date string) bool {
	switch {
	case d.IsZero():
		return true
	case date == "":
		return false
	case d.End == "":
		return date == d.Start
	case d.Start == "":
		return date == d.End
	default:
		return date >= d.Start && date <= d.End
	}
}

// Filter returns the records whose date passes the filter, as a new slice.
func (d DateRange) Filter(records []ProductRecord) []ProductRecord {
	out := make([]ProductRecord, 0, len(records))
	for _, r := range records {
		if d.Match(r.Date) {
			out = append(out, r)
		}
	}
	return out
}
