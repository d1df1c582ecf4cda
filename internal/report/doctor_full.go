package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain/analysis"
)

type doctorFull struct {
	s    snapshot
	opts Options
}

func newDoctorFull(s snapshot, opts Options) Generator {
	return &doctorFull{s: s, opts: opts}
}

func (r *doctorFull) FileName() string {
	return fmt.Sprintf("doctor_report_case_%s.md", r.s.caseID)
}

func (r *doctorFull) MimeType() string {
	return "text/markdown"
}

func (r *doctorFull) Generate() string {
	var b strings.Builder
	input := r.s.compiled.PatientProvidedInput
	outputs := r.s.compiled.LLMOutputs

	fmt.Fprintf(&b, "# Medical Report - Case ID: %s\n\n", r.s.caseID)

	b.WriteString("## Patient Information\n")
	fmt.Fprintf(&b, "- Name: %s\n", orNA(r.opts.PatientName))
	fmt.Fprintf(&b, "- Patient ID: %s\n\n", r.s.patientID)

	b.WriteString("## Patient Provided Input\n")
	b.WriteString("### Text Input\n")
	if input.HasText() {
		b.WriteString(fence(input.Text))
	} else {
		b.WriteString("No text input provided.\n")
	}
	b.WriteString("\n### Submitted Files\n")
	if len(input.Files) == 0 {
		b.WriteString("- None\n")
	}
	for _, f := range input.Files {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\n")

	b.WriteString("## Text Analysis\n")
	r.writeText(&b, outputs.Text)

	b.WriteString("## Image Analysis\n")
	if len(outputs.Images) == 0 {
		b.WriteString("No images were submitted.\n\n")
	}
	for i, img := range outputs.Images {
		r.writeImage(&b, i+1, img)
	}

	b.WriteString("## Doctor's Notes and Diagnosis\n")
	if notes := strings.TrimSpace(r.opts.DoctorNotes); notes != "" {
		b.WriteString(notes + "\n\n")
	} else {
		b.WriteString("*(Space for the doctor to add notes and a diagnosis)*\n\n")
	}

	b.WriteString("---\n")
	doctorID := "N/A"
	if r.s.doctorID != nil {
		doctorID = r.s.doctorID.String()
	}
	fmt.Fprintf(&b, "Finalized by: Dr. %s (User ID: %s)\n", orNA(r.opts.DoctorName), doctorID)
	fmt.Fprintf(&b, "Date: %s\n", r.opts.GeneratedAt.UTC().Format(time.RFC3339))

	return b.String()
}

func (r *doctorFull) writeText(b *strings.Builder, res analysis.Result[analysis.TextFindings]) {
	if !res.OK() {
		writeFailure(b, res.Error)
		b.WriteString("#### Raw Output\n")
		b.WriteString(fence("N/A"))
		b.WriteString("\n")
		return
	}

	d := res.Data
	entities := make([]string, 0, len(d.Entities))
	for _, e := range d.Entities {
		entities = append(entities, fmt.Sprintf("%s (%s)", e.Text, e.Type))
	}

	fmt.Fprintf(b, "- Summary: %s\n", orNA(d.Summary))
	fmt.Fprintf(b, "- Entities: %s\n", orNA(strings.Join(entities, ", ")))
	fmt.Fprintf(b, "- Potential Conditions: %s\n", orNA(strings.Join(d.PotentialConditions, ", ")))
	b.WriteString("#### Raw Output\n")
	b.WriteString(fence(d.RawOutput))
	b.WriteString("\n")
}

func (r *doctorFull) writeImage(b *strings.Builder, n int, res analysis.Result[analysis.ImageFindings]) {
	fmt.Fprintf(b, "### Image %d (%s)\n", n, orNA(res.Ref))
	if !res.OK() {
		writeFailure(b, res.Error)
		fmt.Fprintf(b, "#### Raw Output (Image %d)\n", n)
		b.WriteString(fence("N/A"))
		b.WriteString("\n")
		return
	}

	d := res.Data
	anomalies := "None"
	if len(d.Anomalies) > 0 {
		anomalies = strings.Join(d.Anomalies, ", ")
	}
	fmt.Fprintf(b, "- Description: %s\n", orNA(d.Description))
	fmt.Fprintf(b, "- Identified Anomalies: %s\n", anomalies)
	fmt.Fprintf(b, "- Confidence: %.2f\n", d.Confidence)
	fmt.Fprintf(b, "#### Raw Output (Image %d)\n", n)
	b.WriteString(fence(d.RawOutput))
	b.WriteString("\n")
}

func writeFailure(b *strings.Builder, f *analysis.Failure) {
	if f == nil {
		b.WriteString("- Status: no result recorded\n")
		return
	}
	fmt.Fprintf(b, "- Status: failed (%s)\n", f.Kind)
	fmt.Fprintf(b, "- Reason: %s\n", f.Message)
}
