package ranking

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Missing is stored in price and promotion fields when the page had no node for them.
const Missing = "none"

// Layouts used for the bucket fields of a record.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15-04"
)

// ProductRecord is one observed ranking entry.
type ProductRecord struct {
	Rank          int    `json:"rank"`
	Brand         string `json:"brand"`
	Name          string `json:"name"`
	OriginalPrice string `json:"originalPrice"`
	SalePrice     string `json:"salePrice"`
	Promotion     string `json:"promotion"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	Category      string `json:"category"`
}

// IdentityKey is the deduplication key of a record.
type IdentityKey struct {
	Date string
	Time string
	Rank int
	Name string
}

// Key returns the identity key of the record.
func (r ProductRecord) Key() IdentityKey {
	return IdentityKey{Date: r.Date, Time: r.Time, Rank: r.Rank, Name: r.Name}
}

// SearchText is the text matched by keyword search.
func (r ProductRecord) SearchText() string {
	return strings.ToLower(r.Brand + " " + r.Name)
}

// Bucket is the (date, time) pair shared by every record of one crawl pass.
type Bucket struct {
	Date string
	Time string
}

// NewBucket derives the bucket for a pass started at t, in t's location.
func NewBucket(t time.Time) Bucket {
	return Bucket{Date: t.Format(DateLayout), Time: t.Format(TimeLayout)}
}

// String renders the bucket as "YYYY-MM-DD HH-MM".
func (b Bucket) String() string {
	return b.Date + " " + b.Time
}

// FailedCategory is one entry of the crawl failure log.
type FailedCategory struct {
	Category  string     `json:"category"`
	Timestamp time.Time  `json:"timestamp"`
	Error     string     `json:"error"`
	Status    StatusCode `json:"status"`
}

// StatusCode is an HTTP status code, or zero when no response was received.
// It is encoded as the string "unknown" when zero.
type StatusCode int

const unknownStatus = "unknown"

// MarshalJSON implements json.Marshaler.
func (s StatusCode) MarshalJSON() ([]byte, error) {
	if s == 0 {
		return json.Marshal(unknownStatus)
	}
	return []byte(strconv.Itoa(int(s))), nil
}

// UnmarshalJSON accepts either a number or a string.
func (s *StatusCode) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		*s = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		n, err := strconv.Atoi(text)
		if err != nil {
			*s = 0
			return nil
		}
		*s = StatusCode(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	*s = StatusCode(n)
	return nil
}

// FetchRequest describes one ranking page fetch.
type FetchRequest struct {
	Category string
	URL      string
}

// FetchResponse is the raw page returned by a Fetcher.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// FetchError reports a failed fetch together with the HTTP status, if any.
type FetchError struct {
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("fetch failed: %v", e.Err)
	}
	return fmt.Sprintf("fetch failed with status %d: %v", e.StatusCode, e.Err)
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// PassCompleted is published after every crawl pass.
type PassCompleted struct {
	PassID           string    `json:"pass_id"`
	Date             string    `json:"date"`
	Time             string    `json:"time"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	CategoriesOK     []string  `json:"categories_ok"`
	CategoriesFailed []string  `json:"categories_failed"`
	RecordsMerged    int       `json:"records_merged"`
	TotalRecords     int       `json:"total_records"`
	Persisted        bool      `json:"persisted"`
}

// CaptureResult summarizes one screenshot run.
type CaptureResult struct {
	Bucket   Bucket
	Files    []string
	Captured []string
	Errors   []CaptureError
	Total    int
}

// Complete reports whether every category was captured.
func (r CaptureResult) Complete() bool {
	return r.Total > 0 && len(r.Captured) == r.Total
}

// CaptureError records a category whose screenshot could not be taken.
type CaptureError struct {
	Category  string    `json:"category"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}
