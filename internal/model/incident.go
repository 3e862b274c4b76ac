package model

import "time"

// TimeLayout is the storage format for every timestamp column. Unlike
// RFC3339Nano it keeps trailing zeros, so the stored strings sort
// lexicographically in the same order as the instants they represent,
// which the dedup window query relies on.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in TimeLayout, normalized to UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Incident status values. Transitions are admin-driven; the dedup engine only
// ever writes OPEN.
const (
	StatusOpen         = "OPEN"
	StatusAcknowledged = "ACKNOWLEDGED"
	StatusResolved     = "RESOLVED"
	StatusSuppressed   = "SUPPRESSED"
)

// ValidStatus reports whether s is one of the known incident states.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusResolved, StatusSuppressed:
		return true
	}
	return false
}

// Incident is the durable record of one deduplicated failure class.
//
// IncidentID is the public-facing identifier handed to end users
// (e.g. INCIDENT-0042); it is assigned exactly once at creation.
// DedupHash is the matching signature and never changes after creation.
type Incident struct {
	ID               string            `json:"id"`
	RequestID        string            `json:"request_id"`
	IncidentID       string            `json:"incident_id"`
	Status           string            `json:"status"`
	HTTPStatus       int               `json:"http_status"`
	Method           string            `json:"method"`
	Path             string            `json:"path"`
	QueryString      string            `json:"query_string,omitempty"`
	UserID           string            `json:"user_id,omitempty"`
	IPAddress        string            `json:"ip_address,omitempty"`
	UserAgent        string            `json:"user_agent,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	BodyPreview      string            `json:"body_preview,omitempty"`
	ContentType      string            `json:"content_type,omitempty"`
	ExceptionClass   string            `json:"exception_class,omitempty"`
	ExceptionMessage string            `json:"exception_message,omitempty"`
	Stacktrace       string            `json:"stacktrace,omitempty"`
	FirstSeenAt      time.Time         `json:"first_seen_at"`
	OccurredAt       time.Time         `json:"occurred_at"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	Notes            string            `json:"notes,omitempty"`
	DedupHash        string            `json:"dedup_hash"`
	OccurrenceCount  int               `json:"occurrence_count"`

	// Persisted is false when the record could not be written anywhere and
	// the incident exists only as a fallback-log line (or not at all). The
	// IncidentID is still valid for user-facing correlation.
	Persisted bool `json:"-"`
}
