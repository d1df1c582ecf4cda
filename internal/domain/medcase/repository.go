package medcase

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the case record store. Every mutation is a single atomic
// read-modify-write and returns the updated snapshot, or ErrCaseNotFound.
type Repository interface {
	Create(ctx context.Context, c *Case) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)

	// Newest first.
	ListByPatientID(ctx context.Context, patientID uuid.UUID) ([]*Case, error)
	ListByDoctorID(ctx context.Context, doctorID uuid.UUID) ([]*Case, error)

	// AssignDoctor fails with ErrDoctorAlreadyAssigned when the case already has one.
	AssignDoctor(ctx context.Context, id, doctorID uuid.UUID) (*Case, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Case, error)

	// MergeData shallow-merges patch into the case data (see MergeData).
	MergeData(ctx context.Context, id uuid.UUID, patch map[string]any) (*Case, error)
	// SaveProcessedData fails with ErrInvalidStatusTransition unless the case is under review.
	SaveProcessedData(ctx context.Context, id uuid.UUID, compiled CompiledData) (*Case, error)
	AppendChatMessage(ctx context.Context, id uuid.UUID, m Message) (*Case, error)

	// SaveFinalReport fails with ErrInvalidStatusTransition unless the case is under review.
	SaveFinalReport(ctx context.Context, id uuid.UUID, content string) (*Case, error)
}
