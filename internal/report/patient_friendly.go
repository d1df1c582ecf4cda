package report

import (
	"fmt"
	"strings"

	"github.com/ArmDaniel/medrouter/internal/domain/analysis"
)

const (
	defaultDoctorNotes = "Your doctor is reviewing your case."
	patientEchoLen     = 100
)

type patientFriendly struct {
	s    snapshot
	opts Options
}

func newPatientFriendly(s snapshot, opts Options) Generator {
	return &patientFriendly{s: s, opts: opts}
}

func (r *patientFriendly) FileName() string {
	return fmt.Sprintf("patient_summary_case_%s.txt", r.s.caseID)
}

func (r *patientFriendly) MimeType() string {
	return "text/plain"
}

func (r *patientFriendly) Generate() string {
	var b strings.Builder
	input := r.s.compiled.PatientProvidedInput
	outputs := r.s.compiled.LLMOutputs

	fmt.Fprintf(&b, "Your Medical Case Summary - Case ID: %s\n\n", r.s.caseID)

	name := strings.TrimSpace(r.opts.PatientName)
	if name == "" {
		name = "Patient"
	}
	fmt.Fprintf(&b, "Dear %s, here is a summary of your case based on the information you provided and the initial analysis.\n\n", name)

	if input.HasText() {
		b.WriteString("Information You Provided:\n")
		fmt.Fprintf(&b, "You described: \"%s\"\n\n", truncate(oneLine(input.Text), patientEchoLen))
	}

	b.WriteString("Summary of Automated Analysis:\n")
	if outputs.Text.OK() && strings.TrimSpace(outputs.Text.Data.Summary) != "" {
		fmt.Fprintf(&b, "- Overview: %s\n", oneLine(outputs.Text.Data.Summary))
	} else {
		b.WriteString("- Automated text analysis is pending or was not applicable.\n")
	}
	b.WriteString(imageLine(outputs.Images))
	b.WriteString("\n")

	b.WriteString("Doctor's Notes:\n")
	notes := strings.TrimSpace(r.opts.DoctorNotes)
	if notes == "" {
		notes = defaultDoctorNotes
	}
	b.WriteString(notes + "\n\n")

	b.WriteString("Please note: this is a summary and not a diagnosis. Your doctor will discuss the complete findings with you. You can use the chat to ask questions.\n")
	fmt.Fprintf(&b, "Report Generated: %s\n", r.opts.GeneratedAt.UTC().Format("2006-01-02"))

	return b.String()
}

func imageLine(images []analysis.Result[analysis.ImageFindings]) string {
	if len(images) == 0 {
		return "- No images were submitted or image analysis is pending.\n"
	}
	analyzed := 0
	for _, img := range images {
		if img.OK() {
			analyzed++
		}
	}
	return fmt.Sprintf("- Image Analysis: %d of %d submitted images were analyzed. Your doctor will go through the results with you.\n", analyzed, len(images))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
