package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/alert"
	"github.com/linnemanlabs/lifeline/internal/authmw"
	"github.com/linnemanlabs/lifeline/internal/checklist"
	"github.com/linnemanlabs/lifeline/internal/incident"
	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/store/memstore"
)

type okNotifier struct{}

func (okNotifier) Send(_ context.Context, ref notify.Ref, channels []string, recipients []notify.Recipient, _ notify.Payload) notify.Report {
	rep := notify.Report{Ref: ref}
	for _, r := range recipients {
		for _, ch := range channels {
			rep.Records = append(rep.Records, notify.Record{RecordID: ref.ID, Channel: ch, Recipient: r.ID, Status: notify.StatusSent})
		}
	}
	return rep
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type staticHealth notify.Health

func (h staticHealth) Health() notify.Health { return notify.Health(h) }

var t0 = time.Date(2026, 4, 1, 22, 15, 0, 0, time.UTC)

const operatorToken = "tok-ops"

type harness struct {
	router     chi.Router
	dispatcher *alert.Dispatcher
	clk        *fakeClock
}

func newHarness(t *testing.T, health DeliveryHealth) *harness {
	t.Helper()
	clk := &fakeClock{t: t0}
	reg := incident.NewRegistry(memstore.NewIncidents(), incident.Config{Now: clk.Now}, log.Nop(), nil)
	disp := alert.NewDispatcher(memstore.NewAlerts(), okNotifier{}, notify.StaticDirectory{
		Roles: map[string][]notify.Recipient{"safety": {{ID: "ops-1", Phone: "+15550001"}}},
	}, alert.Config{Now: clk.Now, ContactChannels: []string{notify.ChannelSMS}, RoleChannels: []string{notify.ChannelSMS}}, log.Nop(), nil)
	t.Cleanup(disp.Wait)

	a := New(log.Nop(), Deps{
		Incidents:  reg,
		Checklists: incident.NewChecklists(reg),
		Alerts:     disp,
		Health:     health,
	})
	r := chi.NewRouter()
	a.RegisterRoutes(r, authmw.Operators(map[string]string{operatorToken: "ops-alice"}))
	return &harness{router: r, dispatcher: disp, clk: clk}
}

func (h *harness) do(t *testing.T, method, path, body string, operator bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if operator {
		req.Header.Set("Authorization", "Bearer "+operatorToken)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

const incidentBody = `{"type":"safety","severity":"critical","title":"Harassment report","reportedBy":"rider-7","linked":{"bookingId":"bk-1"}}`

func (h *harness) submitIncident(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/incidents", incidentBody, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit incident status = %d, body %s", rec.Code, rec.Body)
	}
	var got struct {
		ID string `json:"id"`
	}
	decodeBody(t, rec, &got)
	return got.ID
}

const alertBody = `{"reporter":{"id":"rider-7","type":"customer","phone":"+15550100"},"location":{"lat":0,"lon":13.4},"emergencyType":"medical","severity":9}`

func (h *harness) submitAlert(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/v1/alerts", alertBody, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit alert status = %d, body %s", rec.Code, rec.Body)
	}
	var got struct {
		AlertID string `json:"alertId"`
		SOSCode string `json:"sosCode"`
	}
	decodeBody(t, rec, &got)
	if !strings.HasPrefix(got.SOSCode, "SOS-260401-") {
		t.Errorf("sosCode = %q, want SOS-260401- prefix", got.SOSCode)
	}
	h.dispatcher.Wait()
	return got.AlertID
}

func TestNew_NilServicePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with no services did not panic")
		}
	}()
	New(nil, Deps{})
}

func TestSubmitIncident(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/api/v1/incidents", incidentBody, false)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body %s", rec.Code, rec.Body)
	}

	var got struct {
		Status    string `json:"status"`
		CreatedBy string `json:"createdBy"`
		Linked    struct {
			BookingID string `json:"bookingId"`
		} `json:"linked"`
		SLAStatus struct {
			Phase string `json:"phase"`
			Level string `json:"level"`
		} `json:"slaStatus"`
	}
	decodeBody(t, rec, &got)
	if got.Status != "open" || got.CreatedBy != "rider-7" || got.Linked.BookingID != "bk-1" {
		t.Errorf("incident = %+v", got)
	}
	if got.SLAStatus.Phase != "response" || got.SLAStatus.Level != "nominal" {
		t.Errorf("slaStatus = %+v, want response/nominal", got.SLAStatus)
	}
}

func TestSubmitIncident_RejectsBadInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"type":`, http.StatusBadRequest},
		{"unknown field", `{"kind":"safety"}`, http.StatusBadRequest},
		{"unknown type", `{"type":"weather","severity":"low","title":"x","reportedBy":"r"}`, http.StatusUnprocessableEntity},
		{"missing title", `{"type":"safety","severity":"low","reportedBy":"r"}`, http.StatusUnprocessableEntity},
		{"empty body", ``, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := h.do(t, http.MethodPost, "/api/v1/incidents", tt.body, false); rec.Code != tt.want {
				t.Errorf("status = %d, want %d; body %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestOperatorRoutesRequireToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	paths := []string{"/api/v1/incidents", "/api/v1/alerts", "/api/v1/alerts/stats", "/api/v1/notifications/health"}
	for _, p := range paths {
		if rec := h.do(t, http.MethodGet, p, "", false); rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", p, rec.Code)
		}
	}
}

func TestIncidentLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	id := h.submitIncident(t)
	base := "/api/v1/incidents/" + id

	if rec := h.do(t, http.MethodGet, "/api/v1/incidents/nope", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("get unknown status = %d, want 404", rec.Code)
	}

	// open -> resolved skips steps
	if rec := h.do(t, http.MethodPost, base+"/transition", `{"to":"resolved"}`, true); rec.Code != http.StatusConflict {
		t.Errorf("skip transition status = %d, want 409", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, base+"/transition", `{"to":"closed"}`, true); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("transition to closed status = %d, want 422", rec.Code)
	}

	rec := h.do(t, http.MethodPost, base+"/transition", `{"to":"acknowledged"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("acknowledge status = %d; body %s", rec.Code, rec.Body)
	}
	var inc struct {
		Status   string `json:"status"`
		Timeline []struct {
			Actor string `json:"actor"`
		} `json:"timeline"`
	}
	decodeBody(t, rec, &inc)
	if inc.Status != "acknowledged" {
		t.Errorf("status = %s, want acknowledged", inc.Status)
	}
	if last := inc.Timeline[len(inc.Timeline)-1]; last.Actor != "ops-alice" {
		t.Errorf("timeline actor = %q, want ops-alice", last.Actor)
	}

	rec = h.do(t, http.MethodPost, base+"/checklist", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("instantiate status = %d; body %s", rec.Code, rec.Body)
	}
	var withList struct {
		Checklist []struct {
			ID string `json:"id"`
		} `json:"checklist"`
	}
	decodeBody(t, rec, &withList)
	if len(withList.Checklist) < 13 {
		t.Fatalf("checklist items = %d, want at least 13", len(withList.Checklist))
	}

	item := withList.Checklist[0].ID
	if rec := h.do(t, http.MethodPost, base+"/checklist/"+item+"/toggle", "", true); rec.Code != http.StatusOK {
		t.Errorf("toggle status = %d; body %s", rec.Code, rec.Body)
	}
	if rec := h.do(t, http.MethodPost, base+"/checklist/no-such-item/toggle", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("toggle unknown item status = %d, want 404", rec.Code)
	}

	h.do(t, http.MethodPost, base+"/transition", `{"to":"in_progress"}`, true)
	h.do(t, http.MethodPost, base+"/transition", `{"to":"resolved"}`, true)

	// required items still open
	rec = h.do(t, http.MethodPost, base+"/close", `{"reason":"resolved","notes":"driver suspended pending review"}`, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("close status = %d, want 422; body %s", rec.Code, rec.Body)
	}
}

func TestListIncidents_Filters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.submitIncident(t)
	h.submitIncident(t)

	rec := h.do(t, http.MethodGet, "/api/v1/incidents?status=open&limit=1", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Count int `json:"count"`
	}
	decodeBody(t, rec, &got)
	if got.Count != 1 {
		t.Errorf("count = %d, want 1", got.Count)
	}

	for _, q := range []string{"limit=-1", "active=maybe", "from=yesterday"} {
		if rec := h.do(t, http.MethodGet, "/api/v1/incidents?"+q, "", true); rec.Code != http.StatusBadRequest {
			t.Errorf("?%s status = %d, want 400", q, rec.Code)
		}
	}
}

func TestListAlerts_Filters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.submitAlert(t)
	minor := `{"reporter":{"id":"rider-8","type":"customer","name":"Ravi"},"location":{"lat":0,"lon":13.4},"emergencyType":"accident","severity":4,"description":"Bike crash near gate"}`
	if rec := h.do(t, http.MethodPost, "/api/v1/alerts", minor, false); rec.Code != http.StatusCreated {
		t.Fatalf("submit alert status = %d, body %s", rec.Code, rec.Body)
	}
	h.dispatcher.Wait()

	tests := []struct {
		query string
		want  int
	}{
		{"severity=9", 1},
		{"severity=4", 1},
		{"min_severity=5", 1},
		{"min_severity=1", 2},
		{"q=CRASH", 1},
		{"q=ravi", 1},
		{"q=rider", 2},
		{"q=SOS-260401", 2},
		{"q=flood", 0},
		{"q=rider&min_severity=9", 1},
	}
	for _, tt := range tests {
		rec := h.do(t, http.MethodGet, "/api/v1/alerts?"+tt.query, "", true)
		if rec.Code != http.StatusOK {
			t.Errorf("?%s status = %d; body %s", tt.query, rec.Code, rec.Body)
			continue
		}
		var got struct {
			Count int `json:"count"`
		}
		decodeBody(t, rec, &got)
		if got.Count != tt.want {
			t.Errorf("?%s count = %d, want %d", tt.query, got.Count, tt.want)
		}
	}

	for _, q := range []string{"severity=11", "severity=0", "min_severity=high"} {
		if rec := h.do(t, http.MethodGet, "/api/v1/alerts?"+q, "", true); rec.Code != http.StatusBadRequest {
			t.Errorf("?%s status = %d, want 400", q, rec.Code)
		}
	}
}

func TestSubmitAlert_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"severity out of range", `{"reporter":{"id":"r","type":"customer"},"location":{"lat":1,"lon":1},"emergencyType":"medical","severity":11}`},
		{"missing location", `{"reporter":{"id":"r","type":"customer"},"emergencyType":"medical","severity":5}`},
		{"latitude out of range", `{"reporter":{"id":"r","type":"customer"},"location":{"lat":91,"lon":1},"emergencyType":"medical","severity":5}`},
		{"bad phone", `{"reporter":{"id":"r","type":"customer","phone":"call me"},"location":{"lat":1,"lon":1},"emergencyType":"medical","severity":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := h.do(t, http.MethodPost, "/api/v1/alerts", tt.body, false); rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422; body %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestAlertLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	id := h.submitAlert(t)
	base := "/api/v1/alerts/" + id

	ping := fmt.Sprintf(`{"lat":0.001,"lon":13.4,"recordedAt":%q}`, t0.Add(5*time.Second).Format(time.RFC3339))
	if rec := h.do(t, http.MethodPost, base+"/locations", ping, false); rec.Code != http.StatusAccepted {
		t.Errorf("ping status = %d, want 202; body %s", rec.Code, rec.Body)
	}
	stale := fmt.Sprintf(`{"lat":0.001,"lon":13.4,"recordedAt":%q}`, t0.Add(-time.Minute).Format(time.RFC3339))
	if rec := h.do(t, http.MethodPost, base+"/locations", stale, false); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("stale ping status = %d, want 422", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/v1/alerts/nope/locations", ping, false); rec.Code != http.StatusNotFound {
		t.Errorf("ping unknown status = %d, want 404", rec.Code)
	}

	// respond before acknowledge skips a step
	if rec := h.do(t, http.MethodPost, base+"/respond", "", true); rec.Code != http.StatusConflict {
		t.Errorf("respond status = %d, want 409", rec.Code)
	}

	h.clk.Advance(12 * time.Second)
	rec := h.do(t, http.MethodPost, base+"/acknowledge", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("acknowledge status = %d; body %s", rec.Code, rec.Body)
	}
	var got struct {
		Status         string `json:"status"`
		ResponseTimeMs int64  `json:"responseTimeMs"`
		AcknowledgedBy string `json:"acknowledgedBy"`
		LocationTrail  []any  `json:"locationTrail"`
	}
	decodeBody(t, rec, &got)
	if got.ResponseTimeMs != 12000 || got.AcknowledgedBy != "ops-alice" {
		t.Errorf("ack = %+v, want 12000ms by ops-alice", got)
	}
	if len(got.LocationTrail) != 2 {
		t.Errorf("trail = %d points, want 2", len(got.LocationTrail))
	}

	h.do(t, http.MethodPost, base+"/respond", "", true)
	if rec := h.do(t, http.MethodPost, base+"/resolve", `{"notes":"  "}`, true); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("resolve without notes status = %d, want 422", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, base+"/resolve", `{"notes":"rider safe, escorted home"}`, true); rec.Code != http.StatusOK {
		t.Errorf("resolve status = %d; body %s", rec.Code, rec.Body)
	}
	if rec := h.do(t, http.MethodPost, base+"/locations", ping, false); rec.Code != http.StatusConflict {
		t.Errorf("ping after resolve status = %d, want 409", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, base+"/false-alarm", `{"notes":"late"}`, true); rec.Code != http.StatusConflict {
		t.Errorf("false alarm after resolve status = %d, want 409", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/api/v1/alerts/stats", "", true)
	var st struct {
		Total             int   `json:"total"`
		AvgResponseTimeMs int64 `json:"avgResponseTimeMs"`
	}
	decodeBody(t, rec, &st)
	if st.Total != 1 || st.AvgResponseTimeMs != 12000 {
		t.Errorf("stats = %+v, want 1 alert averaging 12000ms", st)
	}
}

func TestNotificationHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		health DeliveryHealth
		want   int
	}{
		{"no fan-out wired", nil, http.StatusOK},
		{"healthy", staticHealth{Healthy: true}, http.StatusOK},
		{"degraded", staticHealth{Healthy: false, Channels: map[string]notify.ChannelHealth{"sms": {Failed: 3}}}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.health)
			if rec := h.do(t, http.MethodGet, "/api/v1/notifications/health", "", true); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", incident.ErrNotFound), http.StatusNotFound},
		{alert.ErrNotFound, http.StatusNotFound},
		{checklist.ErrItemNotFound, http.StatusNotFound},
		{incident.ErrIncidentClosed, http.StatusConflict},
		{alert.ErrConcurrentModification, http.StatusConflict},
		{incident.ErrApprovalRequired, http.StatusUnprocessableEntity},
		{checklist.ErrNotesTooShort, http.StatusUnprocessableEntity},
		{alert.ErrStaleLocation, http.StatusUnprocessableEntity},
		{&requestError{status: http.StatusBadRequest, msg: "bad"}, http.StatusBadRequest},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
