package report

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain/analysis"
	"github.com/ArmDaniel/medrouter/internal/domain/medcase"
	"github.com/google/uuid"
)

var fixedTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func processedCase(t *testing.T, input medcase.InitialInput, outputs medcase.LLMOutputs) *medcase.Case {
	t.Helper()
	c, err := medcase.New(uuid.New(), input, fixedTime)
	if err != nil {
		t.Fatalf("medcase.New: %v", err)
	}
	if err := c.AssignDoctor(uuid.New(), fixedTime); err != nil {
		t.Fatalf("AssignDoctor: %v", err)
	}
	compiled := medcase.CompiledData{PatientProvidedInput: input, LLMOutputs: outputs, ProcessedAt: fixedTime}
	if err := c.MergeData(map[string]any{medcase.DataKeyProcessedData: compiled}, fixedTime); err != nil {
		t.Fatalf("MergeData: %v", err)
	}
	return c
}

func textOK(raw string) analysis.Result[analysis.TextFindings] {
	return analysis.Succeeded("", analysis.TextFindings{
		Summary:             "Tension headache",
		Entities:            []analysis.Entity{{Type: "symptom", Text: "headache"}},
		PotentialConditions: []string{"migraine"},
		RawOutput:           raw,
	})
}

func imageOK(ref, raw string) analysis.Result[analysis.ImageFindings] {
	return analysis.Succeeded(ref, analysis.ImageFindings{
		ImageID:     ref,
		Description: "Clear lungs",
		Anomalies:   []string{},
		Confidence:  0.9,
		RawOutput:   raw,
	})
}

func generate(t *testing.T, v Variant, c *medcase.Case, opts Options) Generator {
	t.Helper()
	if opts.GeneratedAt.IsZero() {
		opts.GeneratedAt = fixedTime
	}
	g, err := New(v, c, opts)
	if err != nil {
		t.Fatalf("New(%s): %v", v, err)
	}
	return g
}

func TestNewRejectsUnknownVariant(t *testing.T) {
	c, _ := medcase.New(uuid.New(), medcase.InitialInput{Text: "x"}, fixedTime)
	if _, err := New("radiology", c, Options{}); !errors.Is(err, ErrUnsupportedVariant) {
		t.Errorf("Expected ErrUnsupportedVariant, got %v", err)
	}
}

func TestParseVariant(t *testing.T) {
	tests := []struct {
		in      string
		want    Variant
		wantErr bool
	}{
		{in: "doctor_full", want: DoctorFull},
		{in: " PATIENT_FRIENDLY ", want: PatientFriendly},
		{in: "DoctorMarkdown", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVariant(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedVariant) {
					t.Errorf("Expected ErrUnsupportedVariant, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Expected %s, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestDoctorFullKeepsRawOutputVerbatim(t *testing.T) {
	raws := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "markdown specials", raw: "# not a heading\n*bold* _it_ <script>alert(1)</script> | a | b |"},
		{name: "embedded fences", raw: "```json\n{\"a\":1}\n```\nand ```` four"},
		{name: "trailing whitespace", raw: "line one  \n\n\tindented\n"},
	}

	for _, tt := range raws {
		t.Run(tt.name, func(t *testing.T) {
			c := processedCase(t,
				medcase.InitialInput{Text: "headache", Files: []string{"a.png"}},
				medcase.LLMOutputs{
					Text:   textOK(tt.raw),
					Images: []analysis.Result[analysis.ImageFindings]{imageOK("a.png", tt.raw + "{image}")},
				},
			)
			out := generate(t, DoctorFull, c, Options{}).Generate()

			if !strings.Contains(out, fence(tt.raw)) {
				t.Errorf("Expected text raw output verbatim in:\n%s", out)
			}
			if !strings.Contains(out, fence(tt.raw+"{image}")) {
				t.Errorf("Expected image raw output verbatim in:\n%s", out)
			}
		})
	}
}

func TestFenceOutrunsContent(t *testing.T) {
	got := fence("a ```` b")
	if !strings.HasPrefix(got, "`````\n") || !strings.HasSuffix(got, "\n`````\n") {
		t.Errorf("Expected five-backtick fence, got %q", got)
	}
	if got := fence("plain"); got != "```\nplain\n```\n" {
		t.Errorf("unexpected fence %q", got)
	}
}

func TestDoctorFullFailedAnalyses(t *testing.T) {
	c := processedCase(t,
		medcase.InitialInput{Text: "headache", Files: []string{"gone.png"}},
		medcase.LLMOutputs{
			Text: analysis.Failed[analysis.TextFindings]("", analysis.KindTransport, "MedGemma request failed: timed out"),
			Images: []analysis.Result[analysis.ImageFindings]{
				analysis.Failed[analysis.ImageFindings]("gone.png", analysis.KindNotFound, "file not found: gone.png"),
			},
		},
	)
	out := generate(t, DoctorFull, c, Options{}).Generate()

	for _, want := range []string{
		"- Status: failed (TransportError)",
		"- Reason: MedGemma request failed: timed out",
		"### Image 1 (gone.png)",
		"- Status: failed (NotFoundError)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in report:\n%s", want, out)
		}
	}
	if strings.Count(out, fence("N/A")) != 2 {
		t.Errorf("Expected N/A raw output for both failed analyses:\n%s", out)
	}
}

func TestDoctorFullSectionOrder(t *testing.T) {
	c := processedCase(t,
		medcase.InitialInput{Text: "headache", Files: []string{"a.png", "b.png"}},
		medcase.LLMOutputs{
			Text:   textOK("raw"),
			Images: []analysis.Result[analysis.ImageFindings]{imageOK("a.png", "ra"), imageOK("b.png", "rb")},
		},
	)
	g := generate(t, DoctorFull, c, Options{PatientName: "Jane Roe", DoctorName: "House"})
	out := g.Generate()

	sections := []string{
		"# Medical Report - Case ID: " + c.ID.String(),
		"## Patient Information",
		"- Name: Jane Roe",
		"## Patient Provided Input",
		"### Submitted Files",
		"## Text Analysis",
		"- Entities: headache (symptom)",
		"## Image Analysis",
		"### Image 1 (a.png)",
		"### Image 2 (b.png)",
		"## Doctor's Notes and Diagnosis",
		"Finalized by: Dr. House (User ID: " + c.DoctorID.String() + ")",
		"Date: 2026-03-14T09:30:00Z",
	}
	last := -1
	for _, s := range sections {
		idx := strings.Index(out, s)
		if idx < 0 {
			t.Fatalf("Missing %q in report:\n%s", s, out)
		}
		if idx <= last {
			t.Errorf("Section %q out of order", s)
		}
		last = idx
	}

	if out != g.Generate() {
		t.Error("Expected Generate to be deterministic")
	}
	if g.FileName() != "doctor_report_case_"+c.ID.String()+".md" || g.MimeType() != "text/markdown" {
		t.Errorf("unexpected file metadata %s %s", g.FileName(), g.MimeType())
	}
}

func TestGeneratorsToleratesUnprocessedCase(t *testing.T) {
	c, _ := medcase.New(uuid.New(), medcase.InitialInput{Text: "headache"}, fixedTime)

	for _, v := range []Variant{DoctorFull, PatientFriendly} {
		out := generate(t, v, c, Options{}).Generate()
		if out == "" {
			t.Errorf("%s: expected placeholder output", v)
		}
	}

	out := generate(t, DoctorFull, c, Options{}).Generate()
	if !strings.Contains(out, "Automated analysis has not been run for this case.") {
		t.Errorf("Expected placeholder analysis in:\n%s", out)
	}
	if !strings.Contains(out, "No images were submitted.") {
		t.Errorf("Expected empty image section in:\n%s", out)
	}
}

func TestPatientFriendly(t *testing.T) {
	longText := strings.Repeat("ache ", 40)
	c := processedCase(t,
		medcase.InitialInput{Text: longText, Files: []string{"a.png", "b.png"}},
		medcase.LLMOutputs{
			Text: textOK("raw provider text"),
			Images: []analysis.Result[analysis.ImageFindings]{
				imageOK("a.png", "r"),
				analysis.Failed[analysis.ImageFindings]("b.png", analysis.KindUpstream, "bad"),
			},
		},
	)

	g := generate(t, PatientFriendly, c, Options{PatientName: "Jane"})
	out := g.Generate()

	wantEcho := `You described: "` + strings.TrimSpace(longText)[:100] + `..."`
	for _, want := range []string{
		"Dear Jane,",
		wantEcho,
		"- Overview: Tension headache",
		"- Image Analysis: 1 of 2 submitted images were analyzed.",
		defaultDoctorNotes,
		"not a diagnosis",
		"Report Generated: 2026-03-14",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in summary:\n%s", want, out)
		}
	}
	if strings.Contains(out, "raw provider text") {
		t.Error("Expected raw provider output to stay out of the patient summary")
	}
	if g.FileName() != "patient_summary_case_"+c.ID.String()+".txt" || g.MimeType() != "text/plain" {
		t.Errorf("unexpected file metadata %s %s", g.FileName(), g.MimeType())
	}

	withNotes := generate(t, PatientFriendly, c, Options{DoctorNotes: "Rest and drink water."}).Generate()
	if !strings.Contains(withNotes, "Rest and drink water.") || strings.Contains(withNotes, defaultDoctorNotes) {
		t.Errorf("Expected supplied notes to replace the default:\n%s", withNotes)
	}
}
