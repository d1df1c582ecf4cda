package service

import (
	"context"
	"errors"
	"strings"

	"github.com/ArmDaniel/medrouter/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrForbidden  = errors.New("forbidden: insufficient permissions")
	ErrNotADoctor = errors.New("target user is not a doctor")
)

type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

type AuditEntry struct {
	UserID       uuid.UUID
	UserRole     domain.Role
	Action       domain.AuditAction
	ResourceType string
	ResourceID   string
	IPAddress    string
	Changes      map[string]any
}

type requestIDKey struct{}

// WithRequestID attaches the inbound request ID so audit entries can be
// correlated with access logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
