package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/blackboxhq/blackbox/internal/config"
	"github.com/blackboxhq/blackbox/internal/model"
	"github.com/blackboxhq/blackbox/internal/service"
)

// UserResolver maps a request to a user identifier for incident records.
// Supplied by the host application at wiring time; nil means no user context.
type UserResolver func(r *http.Request) string

// Capture is the interception layer: it recovers panics and watches response
// status codes, turns failures into ErrorEvents, and decorates the response
// with the incident identifier. Whatever happens inside, the original error
// response is always delivered.
func Capture(svc *service.CaptureService, cfg *config.Config, resolveUser UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodySnapshot := snapshotBody(r, cfg)

			cw := &captureWriter{
				ResponseWriter: w,
				shouldBuffer: func(status int) bool {
					return statusCapturable(cfg, status)
				},
			}

			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					ev := buildEvent(r, cfg, resolveUser, bodySnapshot)
					ev.HTTPStatus = 0 // exception path
					ev.ExceptionClass = fmt.Sprintf("%T", rec)
					ev.ExceptionMessage = fmt.Sprint(rec)
					ev.Stacktrace = string(debug.Stack())

					inc, _, _ := svc.Capture(r.Context(), ev)
					writePanicResponse(w, cfg, inc)
				}
			}()

			next.ServeHTTP(cw, r)

			if !cw.buffered {
				return
			}

			ev := buildEvent(r, cfg, resolveUser, bodySnapshot)
			ev.HTTPStatus = cw.status
			ev.ExceptionMessage = messageFromResponse(cw.buf.Bytes(), cw.status)

			inc, _, _ := svc.Capture(r.Context(), ev)

			if inc != nil && cfg.AddIncidentIDHeader {
				w.Header().Set("X-Incident-ID", inc.IncidentID)
			}

			if inc != nil && cfg.Return400InsteadOf500 && cw.status >= 500 {
				body, _ := json.Marshal(errorBody(cfg, inc.IncidentID))
				w.Header().Set("Content-Type", "application/json")
				w.Header().Del("Content-Length")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write(body)
				return
			}

			// Pass the original response through untouched.
			w.WriteHeader(cw.status)
			_, _ = w.Write(cw.buf.Bytes())
		})
	}
}

// captureWriter holds back responses whose status is capturable so the
// incident id header can still be attached (headers cannot change after the
// first WriteHeader). Everything else streams straight through.
type captureWriter struct {
	http.ResponseWriter
	shouldBuffer func(int) bool
	status       int
	wroteHeader  bool
	buffered     bool
	buf          bytes.Buffer
}

func (w *captureWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	if w.shouldBuffer(status) {
		w.buffered = true
		return
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.buffered {
		return w.buf.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func statusCapturable(cfg *config.Config, status int) bool {
	if !cfg.Enabled {
		return false
	}
	for _, rule := range cfg.StatusRules {
		if rule.Matches(status) {
			return true
		}
	}
	return false
}

// snapshotBody captures up to MaxBodyBytes of the request body without
// consuming it from the handler's point of view.
func snapshotBody(r *http.Request, cfg *config.Config) []byte {
	if r.Body == nil || cfg.MaxBodyBytes <= 0 {
		return nil
	}
	contentType := r.Header.Get("Content-Type")
	stored := false
	for _, ct := range cfg.BodyContentTypes {
		if strings.HasPrefix(contentType, ct) {
			stored = true
			break
		}
	}
	if !stored {
		return nil
	}

	buf := make([]byte, cfg.MaxBodyBytes)
	n, _ := io.ReadFull(r.Body, buf)
	snapshot := buf[:n]
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(snapshot), r.Body), r.Body}
	return snapshot
}

func buildEvent(r *http.Request, cfg *config.Config, resolveUser UserResolver, body []byte) *model.ErrorEvent {
	headers := make(map[string]string, len(r.Header))
	for k, vals := range r.Header {
		if len(vals) > 0 {
			headers[k] = vals[0]
		}
	}

	userID := ""
	if resolveUser != nil {
		userID = resolveUser(r)
	}

	return &model.ErrorEvent{
		Method:      r.Method,
		Path:        r.URL.Path,
		QueryString: r.URL.RawQuery,
		Headers:     headers,
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		RequestID:   RequestIDFromCtx(r.Context()),
		UserID:      userID,
		IPAddress:   clientIP(r),
		UserAgent:   r.UserAgent(),
		OccurredAt:  time.Now().UTC(),
	}
}

// clientIP prefers X-Forwarded-For, then X-Real-IP, then the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}

// messageFromResponse digs an error message out of the buffered response
// body, falling back to a plain status line.
func messageFromResponse(body []byte, status int) string {
	fallback := fmt.Sprintf("HTTP %d", status)
	if len(body) == 0 {
		return fallback
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err == nil {
		for _, key := range []string{"detail", "error", "error_message", "message"} {
			if v, ok := data[key]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
		return fallback
	}
	if len(body) < 1000 {
		return string(body)
	}
	return fallback
}

// errorBody renders the user-facing error payload, substituting the incident
// id into a custom format when one is configured.
func errorBody(cfg *config.Config, incidentID string) map[string]any {
	if cfg.CustomErrorFormat != nil {
		body := make(map[string]any, len(cfg.CustomErrorFormat)+1)
		for k, v := range cfg.CustomErrorFormat {
			body[k] = strings.ReplaceAll(v, "<incident_id>", incidentID)
		}
		if _, ok := body["incident_id"]; !ok && cfg.IncludeIncidentIDInBody {
			body["incident_id"] = incidentID
		}
		return body
	}
	body := map[string]any{"detail": cfg.GenericErrorMessage}
	if cfg.IncludeIncidentIDInBody && incidentID != "" {
		body["incident_id"] = incidentID
	}
	return body
}

func writePanicResponse(w http.ResponseWriter, cfg *config.Config, inc *model.Incident) {
	status := http.StatusInternalServerError
	if cfg.Return400InsteadOf500 {
		status = http.StatusBadRequest
	}

	incidentID := ""
	if inc != nil {
		incidentID = inc.IncidentID
	}
	if incidentID != "" && cfg.AddIncidentIDHeader {
		w.Header().Set("X-Incident-ID", incidentID)
	}

	if !cfg.ExposeJSONErrorBody {
		http.Error(w, http.StatusText(status), status)
		return
	}
	body, _ := json.Marshal(errorBody(cfg, incidentID))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
