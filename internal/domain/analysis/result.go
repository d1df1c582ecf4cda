package analysis

// ErrorKind classifies why an analysis produced no findings.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "ConfigurationError"
	KindTransport     ErrorKind = "TransportError"
	KindNotFound      ErrorKind = "NotFoundError"
	KindUpstream      ErrorKind = "UpstreamError"
	KindValidation    ErrorKind = "ValidationError"
)

type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Result is the normalized outcome of one provider call. Exactly one of Data
// and Error is set. Ref echoes the input reference (an image file reference)
// so a failed result can still be matched to what was submitted.
type Result[T any] struct {
	Ref   string   `json:"ref,omitempty"`
	Data  *T       `json:"data,omitempty"`
	Error *Failure `json:"error,omitempty"`
}

func Succeeded[T any](ref string, data T) Result[T] {
	return Result[T]{Ref: ref, Data: &data}
}

func Failed[T any](ref string, kind ErrorKind, message string) Result[T] {
	return Result[T]{Ref: ref, Error: &Failure{Kind: kind, Message: message}}
}

func (r Result[T]) OK() bool {
	return r.Error == nil && r.Data != nil
}

// Outcome is a low-cardinality label for metrics and logs.
func (r Result[T]) Outcome() string {
	if r.Error != nil {
		return string(r.Error.Kind)
	}
	return "success"
}

type Entity struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextFindings is the structured output of the text analyzer.
type TextFindings struct {
	Summary             string   `json:"summary"`
	Entities            []Entity `json:"entities"`
	PotentialConditions []string `json:"potentialConditions"`
	RawOutput           string   `json:"raw_output"`
}

// ImageFindings is the structured output of the image analyzer.
type ImageFindings struct {
	ImageID     string   `json:"imageId"`
	Description string   `json:"description"`
	Anomalies   []string `json:"identifiedAnomalies"`
	Confidence  float64  `json:"confidenceScore"`
	RawOutput   string   `json:"raw_output"`
}

// NoTextInput is the canonical record stored when a case carries no text.
func NoTextInput() Result[TextFindings] {
	return Failed[TextFindings]("", KindValidation, "No text input provided for analysis.")
}
