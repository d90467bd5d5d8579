package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lifeline/internal/incident"
	"github.com/linnemanlabs/lifeline/internal/sla"
)

type linkedRequest struct {
	DriverID   string `json:"driverId"`
	VehicleID  string `json:"vehicleId"`
	BookingID  string `json:"bookingId"`
	CustomerID string `json:"customerId"`
}

type submitIncidentRequest struct {
	Type        string        `json:"type" validate:"required,oneof=safety driver vehicle financial system"`
	Severity    string        `json:"severity" validate:"required,oneof=critical high medium low"`
	Title       string        `json:"title" validate:"required,max=200"`
	Description string        `json:"description" validate:"max=4000"`
	ReportedBy  string        `json:"reportedBy" validate:"required"`
	AssignedTo  string        `json:"assignedTo"`
	Linked      linkedRequest `json:"linked"`
}

type transitionRequest struct {
	To string `json:"to" validate:"required,oneof=acknowledged in_progress resolved"`
}

type closeRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

// incidentView is an incident with its SLA evaluated at response time.
type incidentView struct {
	*incident.Incident
	Clock sla.Status `json:"slaStatus"`
}

func (a *API) incidentView(inc *incident.Incident) incidentView {
	return incidentView{Incident: inc, Clock: inc.SLAStatus(a.deps.Incidents.Now())}
}

func (a *API) handleSubmitIncident(w http.ResponseWriter, r *http.Request) {
	var req submitIncidentRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err, "decode incident")
		return
	}

	inc, err := a.deps.Incidents.Create(r.Context(), incident.NewIncident{
		Type:        incident.Type(req.Type),
		Severity:    sla.Severity(req.Severity),
		Title:       req.Title,
		Description: req.Description,
		CreatedBy:   req.ReportedBy,
		AssignedTo:  req.AssignedTo,
		Linked:      incident.Linked(req.Linked),
	})
	if err != nil {
		a.writeError(w, r, err, "create incident")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("lifeline.incident.id", inc.ID))
	writeJSON(w, http.StatusCreated, a.incidentView(inc))
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("lifeline.incident.id", id))

	inc, err := a.deps.Incidents.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "get incident", "incident_id", id)
		return
	}
	writeJSON(w, http.StatusOK, a.incidentView(inc))
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	f, err := incidentFilter(r)
	if err != nil {
		a.writeError(w, r, err, "parse incident filter")
		return
	}
	list, err := a.deps.Incidents.List(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err, "list incidents")
		return
	}
	out := make([]incidentView, len(list))
	for i, inc := range list {
		out[i] = a.incidentView(inc)
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": out, "count": len(out)})
}

func (a *API) handleIncidentStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.deps.Incidents.Stats(r.Context())
	if err != nil {
		a.writeError(w, r, err, "incident stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleTransitionIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req transitionRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err, "decode transition")
		return
	}
	inc, err := a.deps.Incidents.Transition(r.Context(), id, incident.Status(req.To), actor(r))
	if err != nil {
		a.writeError(w, r, err, "transition incident", "incident_id", id)
		return
	}
	writeJSON(w, http.StatusOK, a.incidentView(inc))
}

func (a *API) handleInstantiateChecklist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, err := a.deps.Checklists.Instantiate(r.Context(), id, actor(r))
	if err != nil {
		a.writeError(w, r, err, "instantiate checklist", "incident_id", id)
		return
	}
	writeJSON(w, http.StatusOK, a.incidentView(inc))
}

func (a *API) handleToggleItem(w http.ResponseWriter, r *http.Request) {
	id, item := chi.URLParam(r, "id"), chi.URLParam(r, "itemID")
	inc, err := a.deps.Checklists.Toggle(r.Context(), id, item, actor(r))
	if err != nil {
		a.writeError(w, r, err, "toggle checklist item", "incident_id", id, "item", item)
		return
	}
	writeJSON(w, http.StatusOK, a.incidentView(inc))
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inc, err := a.deps.Checklists.Approve(r.Context(), id, actor(r))
	if err != nil {
		a.writeError(w, r, err, "approve incident", "incident_id", id)
		return
	}
	writeJSON(w, http.StatusOK, a.incidentView(inc))
}

func (a *API) handleCloseIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req closeRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err, "decode close")
		return
	}
	inc, err := a.deps.Checklists.Close(r.Context(), id, actor(r), req.Reason, req.Notes)
	if err != nil {
		a.writeError(w, r, err, "close incident", "incident_id", id)
		return
	}
	writeJSON(w, http.StatusOK, a.incidentView(inc))
}

func incidentFilter(r *http.Request) (incident.Filter, error) {
	q := r.URL.Query()
	f := incident.Filter{
		Severity: sla.Severity(q.Get("severity")),
		Type:     incident.Type(q.Get("type")),
		Search:   q.Get("q"),
	}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, incident.Status(s))
	}

	var err error
	if f.ActiveOnly, err = parseBool(q.Get("active")); err != nil {
		return f, err
	}
	if f.CreatedFrom, err = parseTime("from", q.Get("from")); err != nil {
		return f, err
	}
	if f.CreatedTo, err = parseTime("to", q.Get("to")); err != nil {
		return f, err
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		return f, err
	}
	return f, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, &requestError{status: http.StatusBadRequest, msg: "active: " + err.Error()}
	}
	return b, nil
}

func parseTime(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &requestError{status: http.StatusBadRequest, msg: name + ": want RFC 3339 timestamp"}
	}
	return t, nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, &requestError{status: http.StatusBadRequest, msg: "limit: want a non-negative integer"}
	}
	return n, nil
}
