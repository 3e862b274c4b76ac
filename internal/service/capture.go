package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/blackboxhq/blackbox/internal/config"
	"github.com/blackboxhq/blackbox/internal/model"
)

// CaptureService runs the full pipeline for one error event:
// status/exclusion filtering, sampling, redaction, fingerprinting, then the
// dedup engine. It is the only entry point the interception layer calls.
type CaptureService struct {
	cfg      *config.Config
	matcher  *StatusMatcher
	sampler  *Sampler
	redactor *Redactor
	engine   *Engine
	log      zerolog.Logger
}

func NewCaptureService(cfg *config.Config, engine *Engine, log zerolog.Logger) *CaptureService {
	return &CaptureService{
		cfg:      cfg,
		matcher:  NewStatusMatcher(cfg),
		sampler:  NewSampler(),
		redactor: NewRedactor(cfg),
		engine:   engine,
		log:      log.With().Str("component", "capture").Logger(),
	}
}

// Capture decides whether the event produces an incident and records it.
// A nil incident with nil error means the event was filtered out (disabled,
// ignored path/exception, non-matching status, or sampled away). Filtered
// events never consume a random draw.
func (s *CaptureService) Capture(ctx context.Context, ev *model.ErrorEvent) (*model.Incident, bool, error) {
	if !s.cfg.Enabled {
		return nil, false, nil
	}
	if ev.HTTPStatus != 0 && !s.cfg.CaptureResponse5xx {
		return nil, false, nil
	}
	if ev.HTTPStatus == 0 && !s.cfg.CaptureExceptions {
		return nil, false, nil
	}
	if s.matcher.PathIgnored(ev.Path) {
		return nil, false, nil
	}
	if !s.matcher.ShouldCapture(ev.StatusForMatching(), ev.ExceptionClass) {
		return nil, false, nil
	}
	if !s.sampler.Admit(s.cfg.SampleRate) {
		return nil, false, nil
	}

	signature := Signature(ev.ExceptionClass, ev.StatusForMatching(), ev.Path, ev.ExceptionMessage)

	stored := *ev
	stored.Headers = s.redactor.RedactHeaders(ev.Headers)
	stored.Body = []byte(s.redactor.RedactBody(ev.Body, ev.ContentType))
	if !s.cfg.CaptureStacktrace {
		stored.Stacktrace = ""
	}

	inc, isNew, err := s.engine.Record(ctx, &stored, signature)
	if err != nil {
		// The engine already fell back; the incident is still valid for the
		// response path.
		s.log.Warn().Err(err).Str("incident_id", inc.IncidentID).Msg("incident recorded without primary store")
		return inc, isNew, nil
	}
	if isNew {
		s.log.Info().
			Str("incident_id", inc.IncidentID).
			Str("path", inc.Path).
			Int("http_status", inc.HTTPStatus).
			Msg("incident created")
	} else {
		s.log.Debug().
			Str("incident_id", inc.IncidentID).
			Int("occurrence_count", inc.OccurrenceCount).
			Msg("incident merged")
	}
	return inc, isNew, nil
}
