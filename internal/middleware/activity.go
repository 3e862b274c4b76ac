package middleware

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/blackboxhq/blackbox/internal/service"
)

// statusWriter records the status code without interfering with the write.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Activity records one row per request after the response is written.
// Recording failures are logged and swallowed; they never touch the response.
func Activity(svc *service.ActivityService, resolveUser UserResolver, log zerolog.Logger) func(http.Handler) http.Handler {
	alog := log.With().Str("component", "activity").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}

			next.ServeHTTP(sw, r)

			userID := ""
			if resolveUser != nil {
				userID = resolveUser(r)
			}
			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			err := svc.Record(r.Context(), service.ActivityEntry{
				RequestID:  RequestIDFromCtx(r.Context()),
				UserID:     userID,
				Method:     r.Method,
				Path:       r.URL.Path,
				HTTPStatus: status,
				Duration:   time.Since(start),
			})
			if err != nil {
				alog.Warn().Err(err).Msg("activity record failed")
			}
		})
	}
}
