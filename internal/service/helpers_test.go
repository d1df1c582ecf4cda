package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain"
	"github.com/ArmDaniel/medrouter/internal/domain/analysis"
	"github.com/ArmDaniel/medrouter/internal/domain/medcase"
	"github.com/ArmDaniel/medrouter/internal/events"
	"github.com/ArmDaniel/medrouter/internal/report"
	"github.com/ArmDaniel/medrouter/internal/repository"
	"github.com/ArmDaniel/medrouter/pkg/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type stubText struct {
	mu    sync.Mutex
	calls int
	fn    func(text string) analysis.Result[analysis.TextFindings]
}

func (s *stubText) Analyze(_ context.Context, text string) analysis.Result[analysis.TextFindings] {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(text)
	}
	return analysis.Succeeded("", analysis.TextFindings{
		Summary:             "summary of " + text,
		Entities:            []analysis.Entity{},
		PotentialConditions: []string{},
		RawOutput:           "raw <text> `output` for " + text,
	})
}

func (s *stubText) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubImages struct {
	mu          sync.Mutex
	calls       []string
	inFlight    int
	maxInFlight int
	delay       func(ref string) time.Duration
	fail        map[string]analysis.ErrorKind
}

func (s *stubImages) Analyze(_ context.Context, ref string) analysis.Result[analysis.ImageFindings] {
	s.mu.Lock()
	s.calls = append(s.calls, ref)
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()

	if s.delay != nil {
		time.Sleep(s.delay(ref))
	}

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()

	if kind, ok := s.fail[ref]; ok {
		return analysis.Failed[analysis.ImageFindings](ref, kind, "failed "+ref)
	}
	return analysis.Succeeded(ref, analysis.ImageFindings{
		ImageID:     ref,
		Description: "image " + ref,
		Anomalies:   []string{},
		Confidence:  0.5,
		RawOutput:   `{"description":"image ` + ref + `"}`,
	})
}

func (s *stubImages) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubImages) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	cases      *repository.MemoryCaseRepository
	users      *repository.MemoryUserRepository
	auditRepo  *repository.MemoryAuditRepository
	audit      *AuditService
	text       *stubText
	images     *stubImages
	pub        *recordingPublisher
	processing *ProcessingService
	svc        *CaseService
	chat       *ChatService

	patient      *domain.User
	otherPatient *domain.User
	doctor       *domain.User
	otherDoctor  *domain.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zap.NewNop()
	m := metrics.NewCollector("medrouter_test", prometheus.NewRegistry())

	h := &harness{
		cases:     repository.NewMemoryCaseRepository(),
		users:     repository.NewMemoryUserRepository(),
		auditRepo: repository.NewMemoryAuditRepository(),
		text:      &stubText{},
		images:    &stubImages{},
		pub:       &recordingPublisher{},
	}
	h.audit = NewAuditService(h.auditRepo, m, log)
	t.Cleanup(h.audit.Shutdown)

	h.processing = NewProcessingService(h.cases, h.text, h.images, 4, m, log)
	h.svc = NewCaseService(h.cases, h.users, h.processing, h.audit, h.pub, m, log)
	h.chat = NewChatService(h.cases, h.audit, h.pub, m, log)

	h.patient = h.addUser(t, "pat@example.com", "Pat Patient", domain.RolePatient)
	h.otherPatient = h.addUser(t, "other@example.com", "Other Patient", domain.RolePatient)
	h.doctor = h.addUser(t, "house@example.com", "Gregory House", domain.RoleDoctor)
	h.otherDoctor = h.addUser(t, "wilson@example.com", "James Wilson", domain.RoleDoctor)
	return h
}

func (h *harness) addUser(t *testing.T, email, name string, role domain.Role) *domain.User {
	t.Helper()
	u := &domain.User{Email: email, Name: name, Role: role, IsActive: true, PasswordHash: "x"}
	if err := h.users.Create(context.Background(), u); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	return u
}

func (h *harness) createCase(t *testing.T, text string, files ...string) *medcase.Case {
	t.Helper()
	if files == nil {
		files = []string{}
	}
	c, err := h.svc.CreateCase(context.Background(), &CreateCaseCommand{Text: text, Files: files}, h.patient.ID, domain.RolePatient, "127.0.0.1")
	if err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	return c
}

func (h *harness) assignedCase(t *testing.T, text string, files ...string) *medcase.Case {
	t.Helper()
	c := h.createCase(t, text, files...)
	updated, err := h.svc.AssignDoctor(context.Background(), c.ID, h.doctor.ID, h.patient.ID, domain.RolePatient, "127.0.0.1")
	if err != nil {
		t.Fatalf("AssignDoctor: %v", err)
	}
	return updated
}

func (h *harness) processedCase(t *testing.T, text string, files ...string) *medcase.Case {
	t.Helper()
	c := h.assignedCase(t, text, files...)
	updated, err := h.svc.TriggerProcessing(context.Background(), c.ID, h.doctor.ID, domain.RoleDoctor, "127.0.0.1")
	if err != nil {
		t.Fatalf("TriggerProcessing: %v", err)
	}
	return updated
}

func (h *harness) reportedCase(t *testing.T, text string, files ...string) *medcase.Case {
	t.Helper()
	c := h.processedCase(t, text, files...)
	rep, err := h.svc.GenerateReport(context.Background(), c.ID, report.DoctorFull, "", h.doctor.ID, domain.RoleDoctor, "127.0.0.1")
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	return rep.Case
}

func decode(t *testing.T, c *medcase.Case) *medcase.CaseData {
	t.Helper()
	data, err := c.DecodeData()
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	return data
}

func newID() uuid.UUID { return uuid.New() }

func containsKey(t *testing.T, c *medcase.Case, key string) bool {
	t.Helper()
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(c.Data, &fields); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	_, ok := fields[key]
	return ok
}
