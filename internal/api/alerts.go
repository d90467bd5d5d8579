package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/sla"
)

type reporterRequest struct {
	ID    string `json:"id" validate:"required"`
	Type  string `json:"type" validate:"required,oneof=customer driver"`
	Name  string `json:"name"`
	Phone string `json:"phone" validate:"omitempty,e164"`
}

type locationRequest struct {
	Lat      *float64 `json:"lat" validate:"required,latitude"`
	Lon      *float64 `json:"lon" validate:"required,longitude"`
	Accuracy *float64 `json:"accuracy" validate:"omitempty,gte=0"`
	Address  string   `json:"address"`
}

type submitAlertRequest struct {
	Reporter      reporterRequest `json:"reporter"`
	Location      locationRequest `json:"location"`
	EmergencyType string          `json:"emergencyType" validate:"required,max=64"`
	Severity      int             `json:"severity" validate:"required,min=1,max=10"`
	Description   string          `json:"description" validate:"max=4000"`
}

type pingRequest struct {
	Lat        *float64   `json:"lat" validate:"required,latitude"`
	Lon        *float64   `json:"lon" validate:"required,longitude"`
	Accuracy   *float64   `json:"accuracy" validate:"omitempty,gte=0"`
	Speed      *float64   `json:"speed" validate:"omitempty,gte=0"`
	RecordedAt *time.Time `json:"recordedAt"`
}

type alertStatusRequest struct {
	Notes string `json:"notes"`
}

// alertView is an alert with its SLA evaluated at response time.
type alertView struct {
	*alert.Alert
	Clock sla.Status `json:"slaStatus"`
}

func (a *API) alertView(al *alert.Alert) alertView {
	return alertView{Alert: al, Clock: al.SLAStatus(a.deps.Alerts.Now())}
}

func (a *API) handleSubmitAlert(w http.ResponseWriter, r *http.Request) {
	var req submitAlertRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err, "decode alert")
		return
	}

	al, err := a.deps.Alerts.Trigger(r.Context(), alert.NewAlert{
		Reporter: alert.Reporter(req.Reporter),
		Location: alert.Location{
			Lat:      *req.Location.Lat,
			Lon:      *req.Location.Lon,
			Accuracy: req.Location.Accuracy,
			Address:  req.Location.Address,
		},
		EmergencyType: req.EmergencyType,
		Severity:      req.Severity,
		Description:   req.Description,
	})
	if err != nil {
		a.writeError(w, r, err, "trigger alert")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("lifeline.alert.id", al.ID),
		attribute.Int("lifeline.alert.severity", al.Severity),
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"alertId": al.ID,
		"sosCode": al.SOSCode,
		"status":  al.Status,
	})
}

func (a *API) handleLocationPing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req pingRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err, "decode location ping")
		return
	}

	p := alert.Point{Lat: *req.Lat, Lon: *req.Lon, Accuracy: req.Accuracy, Speed: req.Speed}
	if req.RecordedAt != nil {
		p.RecordedAt = *req.RecordedAt
	}
	if err := a.deps.Alerts.IngestLocation(r.Context(), id, p); err != nil {
		a.writeError(w, r, err, "ingest location", "alert_id", id)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("lifeline.alert.id", id))

	al, err := a.deps.Alerts.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "get alert", "alert_id", id)
		return
	}
	writeJSON(w, http.StatusOK, a.alertView(al))
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := alertFilter(r)
	if err != nil {
		a.writeError(w, r, err, "parse alert filter")
		return
	}
	list, err := a.deps.Alerts.List(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err, "list alerts")
		return
	}
	out := make([]alertView, len(list))
	for i, al := range list {
		out[i] = a.alertView(al)
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out, "count": len(out)})
}

func (a *API) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.deps.Alerts.Stats(r.Context())
	if err != nil {
		a.writeError(w, r, err, "alert stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type alertAction int

const (
	alertAcknowledge alertAction = iota
	alertRespond
	alertResolve
	alertFalseAlarm
)

func (a *API) handleAlertStatus(action alertAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req alertStatusRequest
		if err := a.decode(r, &req); err != nil {
			a.writeError(w, r, err, "decode alert status")
			return
		}

		var (
			al  *alert.Alert
			err error
			who = actor(r)
		)
		switch action {
		case alertAcknowledge:
			al, err = a.deps.Alerts.Acknowledge(r.Context(), id, who)
		case alertRespond:
			al, err = a.deps.Alerts.Respond(r.Context(), id, who)
		case alertResolve:
			al, err = a.deps.Alerts.Resolve(r.Context(), id, who, req.Notes)
		case alertFalseAlarm:
			al, err = a.deps.Alerts.MarkFalseAlarm(r.Context(), id, who, req.Notes)
		}
		if err != nil {
			a.writeError(w, r, err, "update alert status", "alert_id", id)
			return
		}
		writeJSON(w, http.StatusOK, a.alertView(al))
	}
}

func alertFilter(r *http.Request) (alert.Filter, error) {
	q := r.URL.Query()
	f := alert.Filter{
		ReporterID:    q.Get("reporter"),
		EmergencyType: q.Get("type"),
		Search:        q.Get("q"),
	}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, alert.Status(s))
	}

	var err error
	if f.ActiveOnly, err = parseBool(q.Get("active")); err != nil {
		return f, err
	}
	if f.From, err = parseTime("from", q.Get("from")); err != nil {
		return f, err
	}
	if f.To, err = parseTime("to", q.Get("to")); err != nil {
		return f, err
	}
	if f.Severity, err = parseSeverity("severity", q.Get("severity")); err != nil {
		return f, err
	}
	if f.MinSeverity, err = parseSeverity("min_severity", q.Get("min_severity")); err != nil {
		return f, err
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		return f, err
	}
	return f, nil
}

func parseSeverity(name, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 10 {
		return 0, &requestError{status: http.StatusBadRequest, msg: name + ": want an integer 1..10"}
	}
	return n, nil
}
