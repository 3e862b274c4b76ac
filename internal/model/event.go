package model

import "time"

// ErrorEvent is one failing request as seen by the interception layer.
// It is built once per failure and consumed once by the capture pipeline;
// nothing mutates it after construction.
type ErrorEvent struct {
	Method      string
	Path        string
	QueryString string

	// HTTPStatus is the response status. Exceptions (panics) that never
	// produced a response carry 0 and are treated as 500 for matching.
	HTTPStatus int

	ExceptionClass   string
	ExceptionMessage string
	Stacktrace       string

	Headers     map[string]string
	Body        []byte // possibly truncated upstream
	ContentType string

	RequestID string
	UserID    string
	IPAddress string
	UserAgent string

	OccurredAt time.Time
}

// StatusForMatching returns the status code used by capture rules: the real
// status when present, else 500 for a bare exception.
func (e *ErrorEvent) StatusForMatching() int {
	if e.HTTPStatus == 0 {
		return 500
	}
	return e.HTTPStatus
}
