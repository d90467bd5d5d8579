// Package api exposes the incident and emergency-alert lifecycle over
// HTTP/JSON under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/authmw"
	"github.com/linnemanlabs/lifeline/internal/checklist"
	"github.com/linnemanlabs/lifeline/internal/incident"
	"github.com/linnemanlabs/lifeline/internal/notify"
)

const maxBodyBytes = 64 << 10

// Incidents is the incident lifecycle the API drives.
type Incidents interface {
	Create(ctx context.Context, in incident.NewIncident) (*incident.Incident, error)
	Get(ctx context.Context, id string) (*incident.Incident, error)
	List(ctx context.Context, f incident.Filter) ([]*incident.Incident, error)
	Stats(ctx context.Context) (incident.Stats, error)
	Transition(ctx context.Context, id string, to incident.Status, actor string) (*incident.Incident, error)
	Now() time.Time
}

// Checklists is the closure checklist workflow.
type Checklists interface {
	Instantiate(ctx context.Context, id, actor string) (*incident.Incident, error)
	Toggle(ctx context.Context, id, itemID, actor string) (*incident.Incident, error)
	Approve(ctx context.Context, id, actor string) (*incident.Incident, error)
	Close(ctx context.Context, id, actor, reason, notes string) (*incident.Incident, error)
}

// Alerts is the emergency alert lifecycle.
type Alerts interface {
	Trigger(ctx context.Context, in alert.NewAlert) (*alert.Alert, error)
	Get(ctx context.Context, id string) (*alert.Alert, error)
	List(ctx context.Context, f alert.Filter) ([]*alert.Alert, error)
	Stats(ctx context.Context) (alert.Stats, error)
	IngestLocation(ctx context.Context, id string, p alert.Point) error
	Acknowledge(ctx context.Context, id, actor string) (*alert.Alert, error)
	Respond(ctx context.Context, id, actor string) (*alert.Alert, error)
	Resolve(ctx context.Context, id, actor, notes string) (*alert.Alert, error)
	MarkFalseAlarm(ctx context.Context, id, actor, notes string) (*alert.Alert, error)
	Now() time.Time
}

// DeliveryHealth reports notification channel health.
type DeliveryHealth interface {
	Health() notify.Health
}

// Deps are the services behind the handlers. Health and Console are optional.
type Deps struct {
	Incidents  Incidents
	Checklists Checklists
	Alerts     Alerts
	Health     DeliveryHealth
	Console    http.Handler
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	deps     Deps
	validate *validator.Validate
}

// New creates the API. It panics when a required service is missing.
func New(logger log.Logger, deps Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if deps.Incidents == nil || deps.Checklists == nil || deps.Alerts == nil {
		panic(xerrors.New("incident, checklist and alert services are required"))
	}
	return &API{
		logger:   logger,
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes attaches the endpoints. Reporter submissions (new
// incident, SOS, location pings) are open; everything an operator does
// goes through operatorAuth, which must put the operator on the context
// (authmw.Operators).
func (a *API) RegisterRoutes(r chi.Router, operatorAuth func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/incidents", a.handleSubmitIncident)
		r.Post("/alerts", a.handleSubmitAlert)
		r.Post("/alerts/{id}/locations", a.handleLocationPing)

		r.Group(func(r chi.Router) {
			if operatorAuth != nil {
				r.Use(operatorAuth)
			}

			r.Get("/incidents", a.handleListIncidents)
			r.Get("/incidents/stats", a.handleIncidentStats)
			r.Get("/incidents/{id}", a.handleGetIncident)
			r.Post("/incidents/{id}/transition", a.handleTransitionIncident)
			r.Post("/incidents/{id}/checklist", a.handleInstantiateChecklist)
			r.Post("/incidents/{id}/checklist/{itemID}/toggle", a.handleToggleItem)
			r.Post("/incidents/{id}/approve", a.handleApprove)
			r.Post("/incidents/{id}/close", a.handleCloseIncident)

			r.Get("/alerts", a.handleListAlerts)
			r.Get("/alerts/stats", a.handleAlertStats)
			r.Get("/alerts/{id}", a.handleGetAlert)
			r.Post("/alerts/{id}/acknowledge", a.handleAlertStatus(alertAcknowledge))
			r.Post("/alerts/{id}/respond", a.handleAlertStatus(alertRespond))
			r.Post("/alerts/{id}/resolve", a.handleAlertStatus(alertResolve))
			r.Post("/alerts/{id}/false-alarm", a.handleAlertStatus(alertFalseAlarm))

			r.Get("/notifications/health", a.handleNotificationHealth)
			if a.deps.Console != nil {
				r.Handle("/console/ws", a.deps.Console)
			}
		})
	})
}

func (a *API) handleNotificationHealth(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Health == nil {
		writeJSON(w, http.StatusOK, notify.Health{Healthy: true})
		return
	}
	h := a.deps.Health.Health()
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// actor returns the authenticated operator. Routes without auth (tests
// that register a nil operatorAuth) fall back to "anonymous".
func actor(r *http.Request) string {
	if a, ok := authmw.Actor(r.Context()); ok {
		return a
	}
	return "anonymous"
}

// decode reads a JSON body into dst and runs struct validation. An empty
// body decodes to the zero value.
func (a *API) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return &requestError{status: http.StatusBadRequest, msg: "invalid JSON body: " + err.Error()}
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return &requestError{status: http.StatusUnprocessableEntity, msg: strings.Join(parts, "; ")}
		}
		return &requestError{status: http.StatusBadRequest, msg: err.Error()}
	}
	return nil
}

type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return re.status
	case errors.Is(err, incident.ErrNotFound),
		errors.Is(err, alert.ErrNotFound),
		errors.Is(err, checklist.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrInvalidTransition),
		errors.Is(err, incident.ErrIncidentClosed),
		errors.Is(err, incident.ErrConcurrentModification),
		errors.Is(err, alert.ErrInvalidTransition),
		errors.Is(err, alert.ErrAlertTerminal),
		errors.Is(err, alert.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, incident.ErrInvalidInput),
		errors.Is(err, incident.ErrApprovalRequired),
		errors.Is(err, checklist.ErrCompletionIncomplete),
		errors.Is(err, checklist.ErrMissingReason),
		errors.Is(err, checklist.ErrNotesTooShort),
		errors.Is(err, alert.ErrInvalidInput),
		errors.Is(err, alert.ErrMissingResolutionNotes),
		errors.Is(err, alert.ErrStaleLocation):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg, kv...)
		writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful to do with encode errors once the header is out
	_ = json.NewEncoder(w).Encode(v)
}
