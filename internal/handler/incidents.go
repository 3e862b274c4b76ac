package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blackboxhq/blackbox/internal/model"
	"github.com/blackboxhq/blackbox/internal/service"
)

type IncidentHandler struct {
	svc *service.IncidentService
}

func NewIncidentHandler(svc *service.IncidentService) *IncidentHandler {
	return &IncidentHandler{svc: svc}
}

// GET /v1/incidents?status=&path=&since=&limit=&offset=
func (h *IncidentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := service.IncidentFilter{
		Status:       strings.ToUpper(q.Get("status")),
		PathContains: q.Get("path"),
	}
	if filter.Status != "" && !model.ValidStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, "E_INVALID", "unknown status "+filter.Status)
		return
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "E_INVALID", "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	incidents, err := h.svc.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if incidents == nil {
		incidents = []*model.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents, "count": len(incidents)})
}

// GET /v1/incidents/{incident_id}
func (h *IncidentHandler) Get(w http.ResponseWriter, r *http.Request) {
	inc, err := h.svc.Get(r.Context(), chi.URLParam(r, "incident_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// PATCH /v1/incidents/{incident_id}
// Accepts {"status": "..."} and/or {"notes": "..."}.
func (h *IncidentHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status *string `json:"status"`
		Notes  *string `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "E_INVALID", "malformed JSON body")
		return
	}
	if req.Status == nil && req.Notes == nil {
		writeError(w, http.StatusBadRequest, "E_INVALID", "nothing to update")
		return
	}

	incidentID := chi.URLParam(r, "incident_id")
	var inc *model.Incident
	var err error
	if req.Status != nil {
		inc, err = h.svc.UpdateStatus(r.Context(), incidentID, strings.ToUpper(*req.Status))
		if err != nil {
			writeServiceError(w, err)
			return
		}
	}
	if req.Notes != nil {
		inc, err = h.svc.SetNotes(r.Context(), incidentID, *req.Notes)
		if err != nil {
			writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, inc)
}

// GET /v1/incidents/{incident_id}/curl
// Renders a curl command reproducing the captured request.
func (h *IncidentHandler) Curl(w http.ResponseWriter, r *http.Request) {
	inc, err := h.svc.Get(r.Context(), chi.URLParam(r, "incident_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	url := inc.Path
	if inc.QueryString != "" {
		url += "?" + inc.QueryString
	}

	parts := []string{"curl", "-X", inc.Method}
	for name, value := range inc.Headers {
		if strings.EqualFold(name, "Host") {
			continue
		}
		parts = append(parts, "-H", fmt.Sprintf("%q", name+": "+value))
	}
	hasBody := false
	switch inc.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		if inc.BodyPreview != "" {
			hasBody = true
			parts = append(parts, "-d", fmt.Sprintf("%q", inc.BodyPreview))
		}
	}
	parts = append(parts, url)

	writeJSON(w, http.StatusOK, map[string]any{
		"curl":     strings.Join(parts, " "),
		"method":   inc.Method,
		"url":      url,
		"has_body": hasBody,
	})
}
