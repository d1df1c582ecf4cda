package medcase

import "errors"

var (
	ErrCaseNotFound            = errors.New("case not found")
	ErrDoctorAlreadyAssigned   = errors.New("a doctor is already assigned to this case")
	ErrInvalidStatusTransition = errors.New("invalid case status transition")
	ErrInitialInputMissing     = errors.New("case has no initial input")
	ErrNotProcessed            = errors.New("case data has not been processed yet")
	ErrDoctorReportMissing     = errors.New("no doctor report has been generated for this case")
	ErrMalformedData           = errors.New("case data is malformed")
)
