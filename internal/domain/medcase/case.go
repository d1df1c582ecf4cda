package medcase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain"
	"github.com/ArmDaniel/medrouter/internal/domain/analysis"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// State transitions possibilities:
//
//	pending_doctor_selection → under_review → report_generated → closed
type Status string

const (
	StatusPendingDoctorSelection Status = "pending_doctor_selection"
	StatusUnderReview            Status = "under_review"
	StatusReportGenerated        Status = "report_generated"
	StatusClosed                 Status = "closed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPendingDoctorSelection, StatusUnderReview, StatusReportGenerated, StatusClosed:
		return true
	}
	return false
}

// Top-level keys of Case.Data.
const (
	DataKeyInitialInput  = "initialInput"
	DataKeyProcessedData = "processedData"
)

// InitialInput is what the patient submitted. Written once at creation.
type InitialInput struct {
	Text  string   `json:"text,omitempty"`
	Files []string `json:"files"`
}

func (in *InitialInput) HasText() bool {
	return in != nil && strings.TrimSpace(in.Text) != ""
}

func (in *InitialInput) IsEmpty() bool {
	return in == nil || (!in.HasText() && len(in.Files) == 0)
}

type LLMOutputs struct {
	Text   analysis.Result[analysis.TextFindings]    `json:"medGemma"`
	Images []analysis.Result[analysis.ImageFindings] `json:"mistral"`
}

// CompiledData is the merged output of every analysis run over a case.
type CompiledData struct {
	PatientProvidedInput InitialInput `json:"patientProvidedInput"`
	LLMOutputs           LLMOutputs   `json:"llmOutputs"`
	ProcessedAt          time.Time    `json:"processedAt"`
}

// CaseData is the typed view of the known keys of Case.Data.
type CaseData struct {
	InitialInput  *InitialInput `json:"initialInput,omitempty"`
	ProcessedData *CompiledData `json:"processedData,omitempty"`
}

type Message struct {
	ID         uuid.UUID   `json:"messageId"`
	SenderID   uuid.UUID   `json:"senderId"`
	SenderRole domain.Role `json:"senderRole"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Case tracks one patient query from submission to final report.
type Case struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime:false;not null;index"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime:false;not null"`

	PatientID uuid.UUID  `gorm:"column:patient_id;type:uuid;not null;index"`
	DoctorID  *uuid.UUID `gorm:"column:doctor_id;type:uuid;index"`

	Status Status `gorm:"column:status;type:varchar(40);not null;default:'pending_doctor_selection';index"`

	Data        datatypes.JSON `gorm:"column:data;type:jsonb;not null;default:'{}'"`
	ChatHistory []Message      `gorm:"column:chat_history;type:jsonb;serializer:json"`
	FinalReport *string        `gorm:"column:final_report;type:text"`
}

func (Case) TableName() string {
	return "clinical.cases"
}

// New builds a case in its initial state. The input is copied so later
// mutation by the caller cannot reach the stored record.
func New(patientID uuid.UUID, input InitialInput, now time.Time) (*Case, error) {
	files := make([]string, len(input.Files))
	copy(files, input.Files)

	raw, err := json.Marshal(map[string]any{
		DataKeyInitialInput: InitialInput{Text: input.Text, Files: files},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding initial input: %w", err)
	}

	return &Case{
		ID:          uuid.New(),
		CreatedAt:   now,
		UpdatedAt:   now,
		PatientID:   patientID,
		Status:      StatusPendingDoctorSelection,
		Data:        datatypes.JSON(raw),
		ChatHistory: []Message{},
	}, nil
}

func (c *Case) CanTransitionTo(newStatus Status) bool {
	allowed := map[Status][]Status{
		StatusPendingDoctorSelection: {StatusUnderReview},
		StatusUnderReview:            {StatusReportGenerated},
		StatusReportGenerated:        {StatusClosed},
		StatusClosed:                 {},
	}

	for _, s := range allowed[c.Status] {
		if s == newStatus {
			return true
		}
	}
	return false
}

// DecodeData returns the typed view of Data.
func (c *Case) DecodeData() (*CaseData, error) {
	out := &CaseData{}
	if len(c.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(c.Data, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	return out, nil
}

func (c *Case) IsParticipant(userID uuid.UUID) bool {
	return c.PatientID == userID || c.IsAssignedDoctor(userID)
}

func (c *Case) IsAssignedDoctor(userID uuid.UUID) bool {
	return c.DoctorID != nil && *c.DoctorID == userID
}

// RoleOf reports which participant slot userID occupies, if any.
func (c *Case) RoleOf(userID uuid.UUID) (domain.Role, bool) {
	switch {
	case c.PatientID == userID:
		return domain.RolePatient, true
	case c.IsAssignedDoctor(userID):
		return domain.RoleDoctor, true
	}
	return "", false
}

// AssignDoctor records the reviewing doctor and moves the case under review.
func (c *Case) AssignDoctor(doctorID uuid.UUID, now time.Time) error {
	if c.DoctorID != nil {
		return ErrDoctorAlreadyAssigned
	}
	if !c.CanTransitionTo(StatusUnderReview) {
		return ErrInvalidStatusTransition
	}
	c.DoctorID = &doctorID
	c.Status = StatusUnderReview
	c.touch(now)
	return nil
}

// TransitionTo moves the case along the state graph. Transitions that carry
// data of their own (doctor assignment, final report) have dedicated methods.
func (c *Case) TransitionTo(newStatus Status, now time.Time) error {
	if newStatus == StatusUnderReview || newStatus == StatusReportGenerated {
		return ErrInvalidStatusTransition
	}
	if !c.CanTransitionTo(newStatus) {
		return ErrInvalidStatusTransition
	}
	c.Status = newStatus
	c.touch(now)
	return nil
}

// MergeData shallow-merges patch into Data.
func (c *Case) MergeData(patch map[string]any, now time.Time) error {
	merged, err := MergeData(c.Data, patch)
	if err != nil {
		return err
	}
	c.Data = merged
	c.touch(now)
	return nil
}

// SaveProcessedData stores a compiled analysis run. Results are only
// accepted while the case is under review.
func (c *Case) SaveProcessedData(compiled CompiledData, now time.Time) error {
	if c.Status != StatusUnderReview {
		return ErrInvalidStatusTransition
	}
	return c.MergeData(map[string]any{DataKeyProcessedData: compiled}, now)
}

func (c *Case) AppendMessage(m Message, now time.Time) {
	c.ChatHistory = append(c.ChatHistory, m)
	c.touch(now)
}

// SaveFinalReport stores the doctor's report and closes the review.
func (c *Case) SaveFinalReport(content string, now time.Time) error {
	if !c.CanTransitionTo(StatusReportGenerated) {
		return ErrInvalidStatusTransition
	}
	c.FinalReport = &content
	c.Status = StatusReportGenerated
	c.touch(now)
	return nil
}

// CheckInvariants verifies the relations between status, doctor and report.
func (c *Case) CheckInvariants() error {
	if (c.FinalReport != nil) != (c.Status == StatusReportGenerated || c.Status == StatusClosed) {
		return fmt.Errorf("final report presence does not match status %s", c.Status)
	}
	if (c.DoctorID == nil) != (c.Status == StatusPendingDoctorSelection) {
		return fmt.Errorf("doctor assignment does not match status %s", c.Status)
	}
	if c.UpdatedAt.Before(c.CreatedAt) {
		return fmt.Errorf("updated_at precedes created_at")
	}
	return nil
}

// Clone returns a deep copy safe to hand out of a store.
func (c *Case) Clone() *Case {
	out := *c
	if c.DoctorID != nil {
		id := *c.DoctorID
		out.DoctorID = &id
	}
	if c.FinalReport != nil {
		report := *c.FinalReport
		out.FinalReport = &report
	}
	out.Data = append(datatypes.JSON(nil), c.Data...)
	out.ChatHistory = append(make([]Message, 0, len(c.ChatHistory)), c.ChatHistory...)
	return &out
}

// touch advances UpdatedAt, never moving it backwards.
func (c *Case) touch(now time.Time) {
	if !now.After(c.UpdatedAt) {
		now = c.UpdatedAt.Add(time.Microsecond)
	}
	c.UpdatedAt = now
}

// MergeData shallow-merges patch into the JSON object existing. Keys present
// in patch replace keys of the same name; every other key is preserved.
func MergeData(existing datatypes.JSON, patch map[string]any) (datatypes.JSON, error) {
	fields := map[string]json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
		}
	}

	for key, value := range patch {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding %q: %w", key, err)
		}
		fields[key] = raw
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding merged data: %w", err)
	}
	return datatypes.JSON(merged), nil
}
