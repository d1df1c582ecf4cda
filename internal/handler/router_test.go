package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ArmDaniel/medrouter/internal/config"
	"github.com/ArmDaniel/medrouter/internal/domain/analysis"
	"github.com/ArmDaniel/medrouter/internal/events"
	"github.com/ArmDaniel/medrouter/internal/repository"
	"github.com/ArmDaniel/medrouter/internal/service"
	"github.com/ArmDaniel/medrouter/pkg/auth"
	"github.com/ArmDaniel/medrouter/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type echoText struct{}

func (echoText) Analyze(_ context.Context, text string) analysis.Result[analysis.TextFindings] {
	return analysis.Succeeded("", analysis.TextFindings{
		Summary:             "summary: " + text,
		Entities:            []analysis.Entity{},
		PotentialConditions: []string{},
		RawOutput:           `{"summary":"summary: ` + text + `"}`,
	})
}

type echoImages struct{}

func (echoImages) Analyze(_ context.Context, ref string) analysis.Result[analysis.ImageFindings] {
	return analysis.Succeeded(ref, analysis.ImageFindings{
		ImageID:     ref,
		Description: "looks fine",
		Anomalies:   []string{},
		RawOutput:   `{"description":"looks fine"}`,
	})
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Tracing:   config.TracingConfig{ServiceName: "medrouter-test"},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1000, AuthRequestsPerMinute: 1000},
		CORS:      config.CORSConfig{AllowedOrigins: []string{"http://localhost:3000"}},
	}
	log := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("medrouter_test", reg)

	users := repository.NewMemoryUserRepository()
	cases := repository.NewMemoryCaseRepository()
	auditSvc := service.NewAuditService(repository.NewMemoryAuditRepository(), m, log)
	t.Cleanup(auditSvc.Shutdown)

	jwt := auth.NewJWTManager(config.JWTConfig{
		Secret:          "test-secret-at-least-32-characters-long",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
		Issuer:          "medrouter-test",
	})
	pub := events.NoopPublisher{}
	processing := service.NewProcessingService(cases, echoText{}, echoImages{}, 2, m, log)

	return NewRouter(RouterDeps{
		Config:   cfg,
		Log:      log,
		Metrics:  m,
		Gatherer: reg,
		JWT:      jwt,
		Auth:     service.NewAuthService(users, jwt, auditSvc, log),
		Cases:    service.NewCaseService(cases, users, processing, auditSvc, pub, m, log),
		Chat:     service.NewChatService(cases, auditSvc, pub, m, log),
	})
}

func do(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("decode data: %v (%s)", err, envelope.Data)
	}
}

type account struct {
	ID    string
	Token string
}

func signUp(t *testing.T, r http.Handler, email, name, role string) account {
	t.Helper()
	const password = "a-long-enough-password"

	rec := do(t, r, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": email, "password": password, "name": name, "role": role,
	})
	expectStatus(t, rec, http.StatusCreated)
	var user struct {
		ID string `json:"id"`
	}
	decodeData(t, rec, &user)

	rec = do(t, r, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": email, "password": password})
	expectStatus(t, rec, http.StatusOK)
	var pair struct {
		AccessToken string `json:"access_token"`
	}
	decodeData(t, rec, &pair)
	return account{ID: user.ID, Token: pair.AccessToken}
}

type caseBody struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	DoctorID    *string         `json:"doctorId"`
	Data        json.RawMessage `json:"data"`
	FinalReport *string         `json:"finalReport"`
}

func TestCaseWorkflowOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	patient := signUp(t, r, "pat@example.com", "Pat", "patient")
	doctor := signUp(t, r, "house@example.com", "Gregory House", "doctor")
	stranger := signUp(t, r, "wilson@example.com", "James Wilson", "doctor")

	rec := do(t, r, http.MethodGet, "/api/v1/doctors", patient.Token, nil)
	expectStatus(t, rec, http.StatusOK)
	var doctors []struct {
		ID string `json:"id"`
	}
	decodeData(t, rec, &doctors)
	if len(doctors) != 2 {
		t.Fatalf("expected 2 doctors, got %d", len(doctors))
	}

	rec = do(t, r, http.MethodPost, "/api/v1/cases", patient.Token, map[string]any{"text": "headache for 2 days", "files": []string{"scan.png"}})
	expectStatus(t, rec, http.StatusCreated)
	var created caseBody
	decodeData(t, rec, &created)
	if created.Status != "pending_doctor_selection" || created.DoctorID != nil {
		t.Fatalf("unexpected created case %+v", created)
	}
	base := "/api/v1/cases/" + created.ID

	rec = do(t, r, http.MethodPost, base+"/doctor", patient.Token, map[string]string{"doctorId": doctor.ID})
	expectStatus(t, rec, http.StatusOK)
	rec = do(t, r, http.MethodPost, base+"/doctor", patient.Token, map[string]string{"doctorId": stranger.ID})
	expectStatus(t, rec, http.StatusConflict)

	expectStatus(t, do(t, r, http.MethodPost, base+"/process", stranger.Token, nil), http.StatusForbidden)
	rec = do(t, r, http.MethodPost, base+"/process", doctor.Token, nil)
	expectStatus(t, rec, http.StatusOK)
	var processed caseBody
	decodeData(t, rec, &processed)
	if !strings.Contains(string(processed.Data), `"processedData"`) || !strings.Contains(string(processed.Data), `"initialInput"`) {
		t.Errorf("expected both data keys, got %s", processed.Data)
	}

	expectStatus(t, do(t, r, http.MethodPost, base+"/reports/patient_friendly", patient.Token, nil), http.StatusUnprocessableEntity)
	expectStatus(t, do(t, r, http.MethodPost, base+"/reports/doctor_full", patient.Token, nil), http.StatusForbidden)

	rec = do(t, r, http.MethodPost, base+"/reports/doctor_full", doctor.Token, map[string]string{"notes": "Likely tension headache."})
	expectStatus(t, rec, http.StatusOK)
	var rep struct {
		Content  string   `json:"content"`
		FileName string   `json:"fileName"`
		Case     caseBody `json:"case"`
	}
	decodeData(t, rec, &rep)
	if !strings.Contains(rep.Content, "Likely tension headache.") || rep.Case.Status != "report_generated" {
		t.Errorf("unexpected doctor report response %+v", rep.Case)
	}
	if rep.Case.FinalReport == nil || *rep.Case.FinalReport != rep.Content {
		t.Error("expected the stored final report to match the response")
	}
	expectStatus(t, do(t, r, http.MethodPost, base+"/reports/doctor_full", doctor.Token, nil), http.StatusConflict)

	rec = do(t, r, http.MethodPost, base+"/reports/patient_friendly?download=true", patient.Token, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "patient_summary_case_"+created.ID+".txt") {
		t.Errorf("unexpected Content-Disposition %q", got)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("unexpected Content-Type %q", got)
	}
	if !strings.Contains(rec.Body.String(), "Dear Pat,") {
		t.Errorf("unexpected summary body %s", rec.Body.String())
	}

	rec = do(t, r, http.MethodGet, base+"/final-report", patient.Token, nil)
	expectStatus(t, rec, http.StatusOK)

	expectStatus(t, do(t, r, http.MethodPost, base+"/chat", patient.Token, map[string]string{"content": "Thank you"}), http.StatusCreated)
	expectStatus(t, do(t, r, http.MethodPost, base+"/chat", patient.Token, map[string]string{"content": "  "}), http.StatusBadRequest)
	rec = do(t, r, http.MethodGet, base+"/chat", doctor.Token, nil)
	expectStatus(t, rec, http.StatusOK)
	var msgs []struct {
		Content    string `json:"content"`
		SenderRole string `json:"senderRole"`
	}
	decodeData(t, rec, &msgs)
	if len(msgs) != 1 || msgs[0].Content != "Thank you" || msgs[0].SenderRole != "patient" {
		t.Errorf("unexpected chat history %+v", msgs)
	}

	expectStatus(t, do(t, r, http.MethodGet, base, stranger.Token, nil), http.StatusForbidden)
	expectStatus(t, do(t, r, http.MethodGet, base+"/chat", stranger.Token, nil), http.StatusForbidden)

	rec = do(t, r, http.MethodGet, "/api/v1/cases/mine", patient.Token, nil)
	expectStatus(t, rec, http.StatusOK)
	var mine []caseBody
	decodeData(t, rec, &mine)
	if len(mine) != 1 || mine[0].ID != created.ID {
		t.Errorf("unexpected my cases %+v", mine)
	}
	rec = do(t, r, http.MethodGet, "/api/v1/cases/assigned", stranger.Token, nil)
	expectStatus(t, rec, http.StatusOK)
	var assigned []caseBody
	decodeData(t, rec, &assigned)
	if len(assigned) != 0 {
		t.Errorf("expected no assigned cases for another doctor, got %d", len(assigned))
	}
}

func TestRequestRejections(t *testing.T) {
	r := newTestRouter(t)
	patient := signUp(t, r, "pat@example.com", "Pat", "patient")
	doctor := signUp(t, r, "house@example.com", "Gregory House", "doctor")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{name: "missing token", method: http.MethodGet, path: "/api/v1/cases/mine", want: http.StatusUnauthorized},
		{name: "garbage token", method: http.MethodGet, path: "/api/v1/cases/mine", token: "not-a-jwt", want: http.StatusUnauthorized},
		{name: "doctor cannot create cases", method: http.MethodPost, path: "/api/v1/cases", token: doctor.Token, body: map[string]string{"text": "x"}, want: http.StatusForbidden},
		{name: "patient cannot list assigned", method: http.MethodGet, path: "/api/v1/cases/assigned", token: patient.Token, want: http.StatusForbidden},
		{name: "empty input", method: http.MethodPost, path: "/api/v1/cases", token: patient.Token, body: map[string]any{"text": "", "files": []string{}}, want: http.StatusBadRequest},
		{name: "bad case id", method: http.MethodGet, path: "/api/v1/cases/not-a-uuid", token: patient.Token, want: http.StatusBadRequest},
		{name: "unknown case", method: http.MethodGet, path: "/api/v1/cases/6f1c2f3e-8a56-4a55-9a41-8d2f5a0c1e11", token: patient.Token, want: http.StatusNotFound},
		{name: "unknown variant", method: http.MethodPost, path: "/api/v1/cases/6f1c2f3e-8a56-4a55-9a41-8d2f5a0c1e11/reports/summary", token: doctor.Token, want: http.StatusBadRequest},
		{name: "wrong password", method: http.MethodPost, path: "/api/v1/auth/login", body: map[string]string{"email": "pat@example.com", "password": "nope-nope-nope"}, want: http.StatusUnauthorized},
		{name: "duplicate email", method: http.MethodPost, path: "/api/v1/auth/register", body: map[string]string{"email": "pat@example.com", "password": "a-long-enough-password", "name": "Pat", "role": "patient"}, want: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, do(t, r, tt.method, tt.path, tt.token, tt.body), tt.want)
		})
	}
}

func TestSelectingNonDoctorIsUnprocessable(t *testing.T) {
	r := newTestRouter(t)
	patient := signUp(t, r, "pat@example.com", "Pat", "patient")
	other := signUp(t, r, "other@example.com", "Other", "patient")

	rec := do(t, r, http.MethodPost, "/api/v1/cases", patient.Token, map[string]string{"text": "cough"})
	expectStatus(t, rec, http.StatusCreated)
	var created caseBody
	decodeData(t, rec, &created)

	rec = do(t, r, http.MethodPost, "/api/v1/cases/"+created.ID+"/doctor", patient.Token, map[string]string{"doctorId": other.ID})
	expectStatus(t, rec, http.StatusUnprocessableEntity)
}

func TestOperationalEndpoints(t *testing.T) {
	r := newTestRouter(t)

	rec := do(t, r, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("expected inbound request id echoed, got %q", got)
	}

	expectStatus(t, do(t, r, http.MethodGet, "/readyz", "", nil), http.StatusOK)

	rec = do(t, r, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "medrouter_test_http_requests_total") {
		t.Error("expected HTTP request metrics to be exported")
	}
}

func TestDoctorReportWithEmptyStreamedBody(t *testing.T) {
	r := newTestRouter(t)
	patient := signUp(t, r, "pat@example.com", "Pat", "patient")
	doctor := signUp(t, r, "house@example.com", "Gregory House", "doctor")

	rec := do(t, r, http.MethodPost, "/api/v1/cases", patient.Token, map[string]string{"text": "cough"})
	expectStatus(t, rec, http.StatusCreated)
	var created caseBody
	decodeData(t, rec, &created)
	base := "/api/v1/cases/" + created.ID
	expectStatus(t, do(t, r, http.MethodPost, base+"/doctor", patient.Token, map[string]string{"doctorId": doctor.ID}), http.StatusOK)
	expectStatus(t, do(t, r, http.MethodPost, base+"/process", doctor.Token, nil), http.StatusOK)

	malformed := httptest.NewRequest(http.MethodPost, base+"/reports/doctor_full", strings.NewReader("{"))
	malformed.ContentLength = -1
	malformed.Header.Set("Content-Type", "application/json")
	malformed.Header.Set("Authorization", "Bearer "+doctor.Token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, malformed)
	expectStatus(t, rec, http.StatusBadRequest)

	req := httptest.NewRequest(http.MethodPost, base+"/reports/doctor_full", strings.NewReader(""))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+doctor.Token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusOK)

	var rep struct {
		Case caseBody `json:"case"`
	}
	decodeData(t, rec, &rep)
	if rep.Case.Status != "report_generated" {
		t.Errorf("expected report_generated, got %s", rep.Case.Status)
	}
}

func TestCurrentProfile(t *testing.T) {
	r := newTestRouter(t)
	doctor := signUp(t, r, "house@example.com", "Gregory House", "doctor")

	expectStatus(t, do(t, r, http.MethodGet, "/api/v1/me", "", nil), http.StatusUnauthorized)

	rec := do(t, r, http.MethodGet, "/api/v1/me", doctor.Token, nil)
	expectStatus(t, rec, http.StatusOK)
	var me map[string]any
	decodeData(t, rec, &me)
	if me["id"] != doctor.ID || me["email"] != "house@example.com" || me["role"] != "doctor" {
		t.Errorf("unexpected profile %v", me)
	}
	for _, key := range []string{"passwordHash", "password_hash", "PasswordHash", "password"} {
		if _, ok := me[key]; ok {
			t.Errorf("profile must not expose %q", key)
		}
	}
}
