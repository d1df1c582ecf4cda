package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain"
	"github.com/ArmDaniel/medrouter/internal/domain/medcase"
	"github.com/ArmDaniel/medrouter/internal/events"
	"github.com/ArmDaniel/medrouter/internal/report"
	"github.com/ArmDaniel/medrouter/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const resourceCase = "case"

// UserDirectory is the read-only view of user records the case workflow needs.
type UserDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

type CreateCaseCommand struct {
	Text  string   `json:"text"`
	Files []string `json:"files"`
}

// GeneratedReport is a rendered document ready to return or download.
type GeneratedReport struct {
	Variant  report.Variant
	Content  string
	FileName string
	MimeType string
	Case     *medcase.Case
}

// CaseService drives a case through its lifecycle. Every check compares the
// caller against the recorded patient or doctor of the case; the caller's
// role is only a first filter.
type CaseService struct {
	cases      medcase.Repository
	users      UserDirectory
	processing *ProcessingService
	auditSvc   *AuditService
	notify     notifier
	metrics    *metrics.Collector
	log        *zap.Logger
	now        func() time.Time
}

func NewCaseService(
	cases medcase.Repository,
	users UserDirectory,
	processing *ProcessingService,
	auditSvc *AuditService,
	pub events.Publisher,
	m *metrics.Collector,
	log *zap.Logger,
) *CaseService {
	return &CaseService{
		cases:      cases,
		users:      users,
		processing: processing,
		auditSvc:   auditSvc,
		notify:     notifier{pub: pub, metrics: m, log: log},
		metrics:    m,
		log:        log,
		now:        time.Now,
	}
}

func (s *CaseService) CreateCase(ctx context.Context, cmd *CreateCaseCommand, callerID uuid.UUID, callerRole domain.Role, ip string) (*medcase.Case, error) {
	if callerRole != domain.RolePatient {
		return nil, ErrForbidden
	}

	input, err := validateCreateCase(cmd)
	if err != nil {
		return nil, err
	}

	c, err := medcase.New(callerID, input, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.cases.Create(ctx, c); err != nil {
		s.log.Error("failed to create case", zap.Error(err))
		return nil, fmt.Errorf("creating case: %w", err)
	}

	s.audit(ctx, callerID, callerRole, domain.ActionCreate, c.ID, ip, map[string]any{
		"files": len(input.Files),
		"text":  input.HasText(),
	})
	s.notify.caseEvent(ctx, events.CaseCreated, c, callerID, callerRole, nil)
	s.metrics.CaseCreated()

	s.log.Info("case created",
		zap.String("case_id", c.ID.String()),
		zap.String("patient_id", callerID.String()),
	)

	return c, nil
}

// AssignDoctor is the patient's doctor selection.
func (s *CaseService) AssignDoctor(ctx context.Context, caseID, doctorID uuid.UUID, callerID uuid.UUID, callerRole domain.Role, ip string) (*medcase.Case, error) {
	if callerRole != domain.RolePatient {
		return nil, ErrForbidden
	}

	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.PatientID != callerID {
		return nil, ErrForbidden
	}
	if c.DoctorID != nil {
		return nil, medcase.ErrDoctorAlreadyAssigned
	}

	doctor, err := s.users.GetByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if !doctor.IsDoctor() || !doctor.IsActive {
		return nil, ErrNotADoctor
	}

	updated, err := s.cases.AssignDoctor(ctx, caseID, doctorID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, callerID, callerRole, domain.ActionUpdate, caseID, ip, map[string]any{
		"doctor_id": doctorID.String(),
		"status":    string(updated.Status),
	})
	s.notify.caseEvent(ctx, events.CaseDoctorAssigned, updated, callerID, callerRole, map[string]string{"doctorId": doctorID.String()})
	s.metrics.CaseTransitioned(string(updated.Status))

	s.log.Info("doctor assigned",
		zap.String("case_id", caseID.String()),
		zap.String("doctor_id", doctorID.String()),
	)

	return updated, nil
}

// TriggerProcessing runs the analyses for a case under review. It may be
// repeated; each run replaces the previous processed data.
func (s *CaseService) TriggerProcessing(ctx context.Context, caseID uuid.UUID, callerID uuid.UUID, callerRole domain.Role, ip string) (*medcase.Case, error) {
	c, err := s.assignedDoctorCase(ctx, caseID, callerID, callerRole)
	if err != nil {
		return nil, err
	}
	if c.Status != medcase.StatusUnderReview {
		return nil, medcase.ErrInvalidStatusTransition
	}

	updated, err := s.processing.Process(ctx, caseID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, callerID, callerRole, domain.ActionUpdate, caseID, ip, map[string]any{"processed": true})
	s.notify.caseEvent(ctx, events.CaseProcessed, updated, callerID, callerRole, nil)

	return updated, nil
}

// GenerateReport renders a report. DoctorFull is persisted as the final
// report and moves the case to report_generated; PatientFriendly is read-only
// and only available once that has happened.
func (s *CaseService) GenerateReport(ctx context.Context, caseID uuid.UUID, variant report.Variant, notes string, callerID uuid.UUID, callerRole domain.Role, ip string) (*GeneratedReport, error) {
	switch variant {
	case report.DoctorFull:
		return s.generateDoctorReport(ctx, caseID, notes, callerID, callerRole, ip)
	case report.PatientFriendly:
		return s.generatePatientSummary(ctx, caseID, notes, callerID, callerRole, ip)
	}
	return nil, fmt.Errorf("%w: %q", report.ErrUnsupportedVariant, variant)
}

func (s *CaseService) generateDoctorReport(ctx context.Context, caseID uuid.UUID, notes string, callerID uuid.UUID, callerRole domain.Role, ip string) (*GeneratedReport, error) {
	c, err := s.assignedDoctorCase(ctx, caseID, callerID, callerRole)
	if err != nil {
		return nil, err
	}
	if c.Status != medcase.StatusUnderReview {
		return nil, medcase.ErrInvalidStatusTransition
	}
	if err := requireProcessed(c); err != nil {
		return nil, err
	}

	gen, err := report.New(report.DoctorFull, c, s.reportOptions(ctx, c, notes))
	if err != nil {
		return nil, err
	}
	content := gen.Generate()

	// The store re-checks the status under its lock, so a concurrent second
	// submission fails here instead of overwriting the first report.
	updated, err := s.cases.SaveFinalReport(ctx, caseID, content)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, callerID, callerRole, domain.ActionUpdate, caseID, ip, map[string]any{
		"report": string(report.DoctorFull),
		"status": string(updated.Status),
	})
	s.notify.caseEvent(ctx, events.CaseReportFinalized, updated, callerID, callerRole, nil)
	s.metrics.CaseTransitioned(string(updated.Status))
	s.metrics.ReportGenerated(string(report.DoctorFull))

	s.log.Info("final report saved",
		zap.String("case_id", caseID.String()),
		zap.String("doctor_id", callerID.String()),
	)

	return &GeneratedReport{
		Variant:  report.DoctorFull,
		Content:  content,
		FileName: gen.FileName(),
		MimeType: gen.MimeType(),
		Case:     updated,
	}, nil
}

func (s *CaseService) generatePatientSummary(ctx context.Context, caseID uuid.UUID, notes string, callerID uuid.UUID, callerRole domain.Role, ip string) (*GeneratedReport, error) {
	c, err := s.participantCase(ctx, caseID, callerID, callerRole)
	if err != nil {
		return nil, err
	}
	if c.FinalReport == nil {
		return nil, medcase.ErrDoctorReportMissing
	}
	if err := requireProcessed(c); err != nil {
		return nil, err
	}

	// Only the doctor may word the notes a patient reads.
	if callerRole != domain.RoleDoctor {
		notes = ""
	}

	gen, err := report.New(report.PatientFriendly, c, s.reportOptions(ctx, c, notes))
	if err != nil {
		return nil, err
	}

	s.audit(ctx, callerID, callerRole, domain.ActionRead, caseID, ip, map[string]any{"report": string(report.PatientFriendly)})
	s.metrics.ReportGenerated(string(report.PatientFriendly))

	return &GeneratedReport{
		Variant:  report.PatientFriendly,
		Content:  gen.Generate(),
		FileName: gen.FileName(),
		MimeType: gen.MimeType(),
		Case:     c,
	}, nil
}

func (s *CaseService) GetCase(ctx context.Context, caseID uuid.UUID, callerID uuid.UUID, callerRole domain.Role, ip string) (*medcase.Case, error) {
	c, err := s.participantCase(ctx, caseID, callerID, callerRole)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, callerID, callerRole, domain.ActionRead, caseID, ip, nil)
	return c, nil
}

// GetFinalReport returns the stored doctor report of a case.
func (s *CaseService) GetFinalReport(ctx context.Context, caseID uuid.UUID, callerID uuid.UUID, callerRole domain.Role, ip string) (*GeneratedReport, error) {
	c, err := s.participantCase(ctx, caseID, callerID, callerRole)
	if err != nil {
		return nil, err
	}
	if c.FinalReport == nil {
		return nil, medcase.ErrDoctorReportMissing
	}

	gen, err := report.New(report.DoctorFull, c, report.Options{})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, callerID, callerRole, domain.ActionRead, caseID, ip, map[string]any{"report": "final"})

	return &GeneratedReport{
		Variant:  report.DoctorFull,
		Content:  *c.FinalReport,
		FileName: gen.FileName(),
		MimeType: gen.MimeType(),
		Case:     c,
	}, nil
}

func (s *CaseService) ListMyCases(ctx context.Context, callerID uuid.UUID, callerRole domain.Role) ([]*medcase.Case, error) {
	if callerRole != domain.RolePatient {
		return nil, ErrForbidden
	}
	return s.cases.ListByPatientID(ctx, callerID)
}

func (s *CaseService) ListAssignedCases(ctx context.Context, callerID uuid.UUID, callerRole domain.Role) ([]*medcase.Case, error) {
	if callerRole != domain.RoleDoctor {
		return nil, ErrForbidden
	}
	return s.cases.ListByDoctorID(ctx, callerID)
}

func (s *CaseService) assignedDoctorCase(ctx context.Context, caseID, callerID uuid.UUID, callerRole domain.Role) (*medcase.Case, error) {
	if callerRole != domain.RoleDoctor {
		return nil, ErrForbidden
	}
	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !c.IsAssignedDoctor(callerID) {
		return nil, ErrForbidden
	}
	return c, nil
}

func (s *CaseService) participantCase(ctx context.Context, caseID, callerID uuid.UUID, callerRole domain.Role) (*medcase.Case, error) {
	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if err := authorizeParticipant(c, callerID, callerRole); err != nil {
		return nil, err
	}
	return c, nil
}

// authorizeParticipant requires callerID to be the case's patient or its
// assigned doctor, and callerRole to match that slot.
func authorizeParticipant(c *medcase.Case, callerID uuid.UUID, callerRole domain.Role) error {
	slot, ok := c.RoleOf(callerID)
	if !ok || slot != callerRole {
		return ErrForbidden
	}
	return nil
}

func requireProcessed(c *medcase.Case) error {
	data, err := c.DecodeData()
	if err != nil {
		return err
	}
	if data.ProcessedData == nil {
		return medcase.ErrNotProcessed
	}
	return nil
}

func (s *CaseService) reportOptions(ctx context.Context, c *medcase.Case, notes string) report.Options {
	opts := report.Options{DoctorNotes: notes, GeneratedAt: s.now()}
	opts.PatientName = s.userName(ctx, c.PatientID)
	if c.DoctorID != nil {
		opts.DoctorName = s.userName(ctx, *c.DoctorID)
	}
	return opts
}

// userName resolves a display name. Reports render without one when the
// lookup fails.
func (s *CaseService) userName(ctx context.Context, id uuid.UUID) string {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrUserNotFound) {
			s.log.Warn("user lookup failed", zap.String("user_id", id.String()), zap.Error(err))
		}
		return ""
	}
	return u.Name
}

func (s *CaseService) audit(ctx context.Context, callerID uuid.UUID, callerRole domain.Role, action domain.AuditAction, caseID uuid.UUID, ip string, changes map[string]any) {
	if s.auditSvc == nil {
		return
	}
	s.auditSvc.LogAsync(ctx, AuditEntry{
		UserID:       callerID,
		UserRole:     callerRole,
		Action:       action,
		ResourceType: resourceCase,
		ResourceID:   caseID.String(),
		IPAddress:    ip,
		Changes:      changes,
	})
}

func validateCreateCase(cmd *CreateCaseCommand) (medcase.InitialInput, error) {
	if cmd == nil {
		return medcase.InitialInput{}, &ValidationError{Fields: []string{"initial input is required"}}
	}

	var errs []string
	input := medcase.InitialInput{Text: cmd.Text, Files: make([]string, 0, len(cmd.Files))}
	for i, f := range cmd.Files {
		f = strings.TrimSpace(f)
		if f == "" {
			errs = append(errs, fmt.Sprintf("files[%d] must not be empty", i))
			continue
		}
		input.Files = append(input.Files, f)
	}
	if len(errs) == 0 && input.IsEmpty() {
		errs = append(errs, "text or at least one file is required")
	}

	if len(errs) > 0 {
		return medcase.InitialInput{}, &ValidationError{Fields: errs}
	}
	return input, nil
}
