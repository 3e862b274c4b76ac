package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/blackboxhq/blackbox/internal/config"
)

// Redactor masks sensitive header and body-field values before anything is
// persisted. It never mutates its inputs; callers may still hand the original
// event to the fallback log.
type Redactor struct {
	enabled      bool
	headerKeys   map[string]bool // lowercase
	fieldKeys    map[string]bool // lowercase
	mask         string
	maxBodyBytes int
}

func NewRedactor(cfg *config.Config) *Redactor {
	r := &Redactor{
		enabled:      cfg.RedactSensitiveData,
		headerKeys:   make(map[string]bool, len(cfg.RedactHeaders)),
		fieldKeys:    make(map[string]bool, len(cfg.RedactFields)),
		mask:         cfg.RedactMask,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	for _, k := range cfg.RedactHeaders {
		r.headerKeys[strings.ToLower(k)] = true
	}
	for _, k := range cfg.RedactFields {
		r.fieldKeys[strings.ToLower(k)] = true
	}
	return r
}

// RedactHeaders returns a copy of headers with configured keys masked.
// Matching is case-insensitive.
func (r *Redactor) RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if r.enabled && r.headerKeys[strings.ToLower(k)] {
			out[k] = r.mask
			continue
		}
		out[k] = v
	}
	return out
}

// RedactBody produces the stored body preview: structured bodies get their
// configured fields masked recursively, anything unparseable is treated as an
// opaque blob. The result never exceeds MaxBodyBytes.
func (r *Redactor) RedactBody(body []byte, contentType string) string {
	if len(body) == 0 {
		return ""
	}
	if !utf8.Valid(body) {
		return fmt.Sprintf("[binary content: %d bytes]", len(body))
	}

	text := string(body)
	if r.enabled && strings.Contains(contentType, "json") {
		var obj any
		if err := json.Unmarshal(body, &obj); err == nil {
			masked := r.maskValue(obj)
			if compact, err := json.Marshal(masked); err == nil {
				return r.truncate(string(compact))
			}
		}
	}
	return r.truncate(text)
}

// maskValue walks decoded JSON and masks values whose key matches the
// configured field set at any nesting depth.
func (r *Redactor) maskValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if r.fieldKeys[strings.ToLower(k)] {
				out[k] = r.mask
				continue
			}
			out[k] = r.maskValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.maskValue(item)
		}
		return out
	default:
		return v
	}
}

// truncate cuts s to at most maxBodyBytes, ending with "..." when cut. The
// cut lands on a rune boundary so the result stays valid UTF-8, and a second
// application is a no-op.
func (r *Redactor) truncate(s string) string {
	if len(s) <= r.maxBodyBytes {
		return s
	}
	limit := r.maxBodyBytes - 3
	if limit < 0 {
		limit = 0
	}
	cut := s[:limit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}
