package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain/medcase"
	"github.com/google/uuid"
)

// MemoryCaseRepository keeps cases in process memory. Used for local
// development and tests.
type MemoryCaseRepository struct {
	mu    sync.RWMutex
	cases map[uuid.UUID]*medcase.Case
	now   func() time.Time
}

func NewMemoryCaseRepository() *MemoryCaseRepository {
	return &MemoryCaseRepository{
		cases: make(map[uuid.UUID]*medcase.Case),
		now:   time.Now,
	}
}

func (r *MemoryCaseRepository) Create(_ context.Context, c *medcase.Case) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	r.cases[c.ID] = c.Clone()
	return nil
}

func (r *MemoryCaseRepository) GetByID(_ context.Context, id uuid.UUID) (*medcase.Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.cases[id]
	if !ok {
		return nil, medcase.ErrCaseNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryCaseRepository) ListByPatientID(_ context.Context, patientID uuid.UUID) ([]*medcase.Case, error) {
	return r.list(func(c *medcase.Case) bool { return c.PatientID == patientID }), nil
}

func (r *MemoryCaseRepository) ListByDoctorID(_ context.Context, doctorID uuid.UUID) ([]*medcase.Case, error) {
	return r.list(func(c *medcase.Case) bool { return c.IsAssignedDoctor(doctorID) }), nil
}

func (r *MemoryCaseRepository) list(match func(*medcase.Case) bool) []*medcase.Case {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*medcase.Case, 0)
	for _, c := range r.cases {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *MemoryCaseRepository) AssignDoctor(_ context.Context, id, doctorID uuid.UUID) (*medcase.Case, error) {
	return r.mutate(id, func(c *medcase.Case, now time.Time) error {
		return c.AssignDoctor(doctorID, now)
	})
}

func (r *MemoryCaseRepository) UpdateStatus(_ context.Context, id uuid.UUID, status medcase.Status) (*medcase.Case, error) {
	return r.mutate(id, func(c *medcase.Case, now time.Time) error {
		return c.TransitionTo(status, now)
	})
}

func (r *MemoryCaseRepository) MergeData(_ context.Context, id uuid.UUID, patch map[string]any) (*medcase.Case, error) {
	return r.mutate(id, func(c *medcase.Case, now time.Time) error {
		return c.MergeData(patch, now)
	})
}

func (r *MemoryCaseRepository) SaveProcessedData(_ context.Context, id uuid.UUID, compiled medcase.CompiledData) (*medcase.Case, error) {
	return r.mutate(id, func(c *medcase.Case, now time.Time) error {
		return c.SaveProcessedData(compiled, now)
	})
}

func (r *MemoryCaseRepository) AppendChatMessage(_ context.Context, id uuid.UUID, m medcase.Message) (*medcase.Case, error) {
	return r.mutate(id, func(c *medcase.Case, now time.Time) error {
		c.AppendMessage(m, now)
		return nil
	})
}

func (r *MemoryCaseRepository) SaveFinalReport(_ context.Context, id uuid.UUID, content string) (*medcase.Case, error) {
	return r.mutate(id, func(c *medcase.Case, now time.Time) error {
		return c.SaveFinalReport(content, now)
	})
}

// mutate applies fn to a working copy and commits it only when fn succeeds,
// so a rejected mutation leaves the stored case untouched.
func (r *MemoryCaseRepository) mutate(id uuid.UUID, fn func(*medcase.Case, time.Time) error) (*medcase.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.cases[id]
	if !ok {
		return nil, medcase.ErrCaseNotFound
	}

	working := stored.Clone()
	if err := fn(working, r.now()); err != nil {
		return nil, err
	}
	r.cases[id] = working
	return working.Clone(), nil
}
