// Package report renders a case snapshot into audience-specific documents.
// Generators are pure: everything they need is captured at construction.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain/analysis"
	"github.com/ArmDaniel/medrouter/internal/domain/medcase"
	"github.com/google/uuid"
)

type Variant string

const (
	DoctorFull      Variant = "doctor_full"
	PatientFriendly Variant = "patient_friendly"
)

var ErrUnsupportedVariant = errors.New("unsupported report variant")

// Generator is the contract every report variant implements.
type Generator interface {
	Generate() string
	FileName() string
	MimeType() string
}

type Options struct {
	PatientName string
	DoctorName  string
	DoctorNotes string
	GeneratedAt time.Time
}

type constructor func(s snapshot, opts Options) Generator

var registry = map[Variant]constructor{
	DoctorFull:      newDoctorFull,
	PatientFriendly: newPatientFriendly,
}

// ParseVariant accepts the wire tag of a variant.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := registry[v]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVariant, s)
	}
	return v, nil
}

// New builds the generator registered for variant from the case snapshot c.
func New(variant Variant, c *medcase.Case, opts Options) (Generator, error) {
	build, ok := registry[variant]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVariant, variant)
	}
	if opts.GeneratedAt.IsZero() {
		opts.GeneratedAt = time.Now()
	}
	return build(capture(c), opts), nil
}

// snapshot is the immutable view of a case a generator renders from.
type snapshot struct {
	caseID    uuid.UUID
	patientID uuid.UUID
	doctorID  *uuid.UUID
	compiled  medcase.CompiledData
	processed bool
}

func capture(c *medcase.Case) snapshot {
	s := snapshot{caseID: c.ID, patientID: c.PatientID}
	if c.DoctorID != nil {
		id := *c.DoctorID
		s.doctorID = &id
	}

	data, err := c.DecodeData()
	if err == nil && data.ProcessedData != nil {
		s.compiled = *data.ProcessedData
		s.processed = true
	} else {
		s.compiled = placeholder(data)
	}
	if s.compiled.LLMOutputs.Images == nil {
		s.compiled.LLMOutputs.Images = []analysis.Result[analysis.ImageFindings]{}
	}
	return s
}

// placeholder stands in for a case that has not been processed yet.
func placeholder(data *medcase.CaseData) medcase.CompiledData {
	var input medcase.InitialInput
	if data != nil && data.InitialInput != nil {
		input = *data.InitialInput
	}
	return medcase.CompiledData{
		PatientProvidedInput: input,
		LLMOutputs: medcase.LLMOutputs{
			Text:   analysis.Failed[analysis.TextFindings]("", analysis.KindValidation, "Automated analysis has not been run for this case."),
			Images: []analysis.Result[analysis.ImageFindings]{},
		},
	}
}

// fence wraps content in a code fence longer than any backtick run inside
// it, so the content is reproduced exactly.
func fence(content string) string {
	longest, run := 0, 0
	for _, r := range content {
		if r == '`' {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	marker := strings.Repeat("`", max(3, longest+1))
	return marker + "\n" + content + "\n" + marker + "\n"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
