package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/ArmDaniel/medrouter/internal/domain"
)

func TestMemoryUserRepository(t *testing.T) {
	repo := NewMemoryUserRepository()
	ctx := context.Background()

	doc := &domain.User{Email: " House@Example.com ", Name: "Gregory House", Role: domain.RoleDoctor, IsActive: true}
	if err := repo.Create(ctx, doc); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Create(ctx, &domain.User{Email: "house@example.com", Role: domain.RolePatient}); !errors.Is(err, domain.ErrEmailTaken) {
		t.Errorf("Expected ErrEmailTaken, got %v", err)
	}
	_ = repo.Create(ctx, &domain.User{Email: "wilson@example.com", Name: "James Wilson", Role: domain.RoleDoctor, IsActive: true})
	_ = repo.Create(ctx, &domain.User{Email: "p@example.com", Name: "Pat", Role: domain.RolePatient, IsActive: true})

	got, err := repo.GetByEmail(ctx, "HOUSE@example.com")
	if err != nil || got.ID != doc.ID {
		t.Fatalf("GetByEmail: %v", err)
	}

	doctors, _ := repo.ListByRole(ctx, domain.RoleDoctor)
	if len(doctors) != 2 || doctors[0].Name != "Gregory House" {
		t.Errorf("Expected two doctors sorted by name, got %d", len(doctors))
	}

	for i := 0; i < maxFailedLogins; i++ {
		_ = repo.UpdateLoginAttempt(ctx, doc.ID, false)
	}
	locked, _ := repo.GetByID(ctx, doc.ID)
	if !locked.IsLocked() {
		t.Error("Expected account to be locked after repeated failures")
	}

	_ = repo.UpdateLoginAttempt(ctx, doc.ID, true)
	unlocked, _ := repo.GetByID(ctx, doc.ID)
	if unlocked.IsLocked() || unlocked.LastLoginAt == nil {
		t.Error("Expected successful login to clear the lock")
	}
}
