package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain/medcase"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CaseRepository stores cases in postgres. Mutations lock the row with
// SELECT ... FOR UPDATE, apply the domain mutator and save, all in one
// transaction.
type CaseRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewCaseRepository(db *gorm.DB) *CaseRepository {
	return &CaseRepository{db: db, now: time.Now}
}

func (r *CaseRepository) Create(ctx context.Context, c *medcase.Case) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("inserting case: %w", err)
	}
	return nil
}

func (r *CaseRepository) GetByID(ctx context.Context, id uuid.UUID) (*medcase.Case, error) {
	var c medcase.Case
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, medcase.ErrCaseNotFound
		}
		return nil, fmt.Errorf("loading case %s: %w", id, err)
	}
	return &c, nil
}

func (r *CaseRepository) ListByPatientID(ctx context.Context, patientID uuid.UUID) ([]*medcase.Case, error) {
	return r.list(ctx, "patient_id = ?", patientID)
}

func (r *CaseRepository) ListByDoctorID(ctx context.Context, doctorID uuid.UUID) ([]*medcase.Case, error) {
	return r.list(ctx, "doctor_id = ?", doctorID)
}

func (r *CaseRepository) list(ctx context.Context, where string, id uuid.UUID) ([]*medcase.Case, error) {
	cases := make([]*medcase.Case, 0)
	if err := r.db.WithContext(ctx).Where(where, id).Order("created_at DESC").Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("listing cases: %w", err)
	}
	return cases, nil
}

func (r *CaseRepository) AssignDoctor(ctx context.Context, id, doctorID uuid.UUID) (*medcase.Case, error) {
	return r.mutate(ctx, id, func(c *medcase.Case, now time.Time) error {
		return c.AssignDoctor(doctorID, now)
	})
}

func (r *CaseRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status medcase.Status) (*medcase.Case, error) {
	return r.mutate(ctx, id, func(c *medcase.Case, now time.Time) error {
		return c.TransitionTo(status, now)
	})
}

func (r *CaseRepository) MergeData(ctx context.Context, id uuid.UUID, patch map[string]any) (*medcase.Case, error) {
	return r.mutate(ctx, id, func(c *medcase.Case, now time.Time) error {
		return c.MergeData(patch, now)
	})
}

func (r *CaseRepository) SaveProcessedData(ctx context.Context, id uuid.UUID, compiled medcase.CompiledData) (*medcase.Case, error) {
	return r.mutate(ctx, id, func(c *medcase.Case, now time.Time) error {
		return c.SaveProcessedData(compiled, now)
	})
}

func (r *CaseRepository) AppendChatMessage(ctx context.Context, id uuid.UUID, m medcase.Message) (*medcase.Case, error) {
	return r.mutate(ctx, id, func(c *medcase.Case, now time.Time) error {
		c.AppendMessage(m, now)
		return nil
	})
}

func (r *CaseRepository) SaveFinalReport(ctx context.Context, id uuid.UUID, content string) (*medcase.Case, error) {
	return r.mutate(ctx, id, func(c *medcase.Case, now time.Time) error {
		return c.SaveFinalReport(content, now)
	})
}

func (r *CaseRepository) mutate(ctx context.Context, id uuid.UUID, fn func(*medcase.Case, time.Time) error) (*medcase.Case, error) {
	var out medcase.Case
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&out, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return medcase.ErrCaseNotFound
			}
			return fmt.Errorf("locking case %s: %w", id, err)
		}

		if err := fn(&out, r.now()); err != nil {
			return err
		}

		if err := tx.Save(&out).Error; err != nil {
			return fmt.Errorf("saving case %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
