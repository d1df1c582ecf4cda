package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/ArmDaniel/medrouter/internal/domain"
	"github.com/ArmDaniel/medrouter/pkg/auth"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountLocked      = errors.New("account is temporarily locked due to multiple failed login attempts")
	ErrAccountInactive    = errors.New("account is inactive")
)

const minPasswordLen = 12

var passwordTooShort = fmt.Sprintf("password must be at least %d characters", minPasswordLen)

type UserRepository interface {
	Create(ctx context.Context, u *domain.User) error
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	ListByRole(ctx context.Context, role domain.Role) ([]*domain.User, error)
	UpdateLoginAttempt(ctx context.Context, id uuid.UUID, success bool) error
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
}

type RegisterCommand struct {
	Email     string      `json:"email"`
	Password  string      `json:"password"`
	Name      string      `json:"name"`
	Role      domain.Role `json:"role"`
	Specialty string      `json:"specialty"`
}

type AuthService struct {
	userRepo   UserRepository
	jwtManager *auth.JWTManager
	auditSvc   *AuditService
	log        *zap.Logger
	bcryptCost int
}

func NewAuthService(userRepo UserRepository, jwtManager *auth.JWTManager, auditSvc *AuditService, log *zap.Logger) *AuthService {
	return &AuthService{
		userRepo:   userRepo,
		jwtManager: jwtManager,
		auditSvc:   auditSvc,
		log:        log,
		bcryptCost: bcrypt.DefaultCost,
	}
}

func (s *AuthService) Register(ctx context.Context, cmd *RegisterCommand, ip string) (*domain.User, error) {
	if err := validateRegisterCommand(cmd); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cmd.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := &domain.User{
		Email:        strings.TrimSpace(cmd.Email),
		PasswordHash: string(hash),
		Name:         strings.TrimSpace(cmd.Name),
		Role:         cmd.Role,
		IsActive:     true,
	}
	if cmd.Role == domain.RoleDoctor {
		u.Specialty = strings.TrimSpace(cmd.Specialty)
	}

	if err := s.userRepo.Create(ctx, u); err != nil {
		if errors.Is(err, domain.ErrEmailTaken) {
			return nil, err
		}
		s.log.Error("failed to create user", zap.Error(err))
		return nil, fmt.Errorf("creating user: %w", err)
	}

	if s.auditSvc != nil {
		s.auditSvc.LogAsync(ctx, AuditEntry{
			UserID:       u.ID,
			UserRole:     u.Role,
			Action:       domain.ActionCreate,
			ResourceType: "user",
			ResourceID:   u.ID.String(),
			IPAddress:    ip,
		})
	}

	s.log.Info("user registered",
		zap.String("user_id", u.ID.String()),
		zap.String("role", string(u.Role)),
	)

	return u, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string, ip string) (*domain.TokenPair, error) {
	user, err := s.userRepo.GetByEmail(ctx, email)
	if err != nil {
		// Spend the same time as a real comparison so response latency does
		// not reveal whether the email exists.
		_, _ = bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		return nil, ErrAccountInactive
	}

	if user.IsLocked() {
		return nil, ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		_ = s.userRepo.UpdateLoginAttempt(ctx, user.ID, false)
		s.log.Warn("failed login attempt",
			zap.String("user_id", user.ID.String()),
			zap.String("ip", ip),
		)
		return nil, ErrInvalidCredentials
	}

	_ = s.userRepo.UpdateLoginAttempt(ctx, user.ID, true)

	pair, err := s.jwtManager.GenerateTokenPair(claimsFor(user))
	if err != nil {
		s.log.Error("failed to generate token pair", zap.Error(err))
		return nil, fmt.Errorf("generating tokens: %w", err)
	}

	if s.auditSvc != nil {
		s.auditSvc.LogAsync(ctx, AuditEntry{
			UserID:       user.ID,
			UserRole:     user.Role,
			Action:       domain.ActionLogin,
			ResourceType: "session",
			ResourceID:   user.ID.String(),
			IPAddress:    ip,
		})
	}

	s.log.Info("user logged in",
		zap.String("user_id", user.ID.String()),
		zap.String("ip", ip),
	)

	return pair, nil
}

// RefreshToken issues a new token pair given a valid refresh token.
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	claims, err := s.jwtManager.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	// Re-validate user is still active
	user, err := s.userRepo.GetByID(ctx, claims.UserID)
	if err != nil || !user.IsActive {
		return nil, ErrInvalidCredentials
	}

	return s.jwtManager.GenerateTokenPair(claimsFor(user))
}

// ChangePassword updates a user's password after verifying the current one.
func (s *AuthService) ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string) error {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		return ErrInvalidCredentials
	}

	if err := validatePasswordStrength(newPassword); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	return s.userRepo.UpdatePassword(ctx, userID, string(hash))
}

// Profile returns the caller's own user record.
func (s *AuthService) Profile(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return s.userRepo.GetByID(ctx, userID)
}

// ListDoctors returns the active doctors a patient can select.
func (s *AuthService) ListDoctors(ctx context.Context) ([]*domain.User, error) {
	return s.userRepo.ListByRole(ctx, domain.RoleDoctor)
}

func claimsFor(u *domain.User) *domain.Claims {
	return &domain.Claims{UserID: u.ID, Email: u.Email, Role: u.Role}
}

func validateRegisterCommand(cmd *RegisterCommand) error {
	if cmd == nil {
		return &ValidationError{Fields: []string{"request body is required"}}
	}

	var errs []string
	if _, err := mail.ParseAddress(strings.TrimSpace(cmd.Email)); err != nil {
		errs = append(errs, "email is invalid")
	}
	if strings.TrimSpace(cmd.Name) == "" {
		errs = append(errs, "name is required")
	}
	if !cmd.Role.IsValid() {
		errs = append(errs, "role must be patient or doctor")
	}
	if len(cmd.Password) < minPasswordLen {
		errs = append(errs, passwordTooShort)
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func validatePasswordStrength(password string) error {
	if len(password) < minPasswordLen {
		return &ValidationError{Fields: []string{passwordTooShort}}
	}
	return nil
}
