package v1

import (
	"net/http"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain"
	"github.com/ArmDaniel/medrouter/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type AuthHandler struct {
	auth *service.AuthService
	log  *zap.Logger
}

func NewAuthHandler(auth *service.AuthService, log *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, log: log}
}

type userResponse struct {
	ID        uuid.UUID   `json:"id"`
	Email     string      `json:"email"`
	Name      string      `json:"name"`
	Role      domain.Role `json:"role"`
	Specialty string      `json:"specialty,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

func toUserResponse(u *domain.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		Specialty: u.Specialty,
		CreatedAt: u.CreatedAt,
	}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req service.RegisterCommand
	if !bindJSON(c, &req) {
		return
	}

	u, err := h.auth.Register(c.Request.Context(), &req, c.ClientIP())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondCreated(c, toUserResponse(u))
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}

	pair, err := h.auth.Login(c.Request.Context(), req.Email, req.Password, c.ClientIP())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, pair)
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req) {
		return
	}

	pair, err := h.auth.RefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, pair)
}

func (h *AuthHandler) ChangePassword(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	var req changePasswordRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.auth.ChangePassword(c.Request.Context(), claims.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse[any]{Data: nil, Message: "password updated"})
}

func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := caller(c)
	if !ok {
		return
	}
	user, err := h.auth.Profile(c.Request.Context(), claims.UserID)
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}
	respondOK(c, toUserResponse(user))
}

// ListDoctors feeds the patient's doctor selection.
func (h *AuthHandler) ListDoctors(c *gin.Context) {
	doctors, err := h.auth.ListDoctors(c.Request.Context())
	if err != nil {
		respondServiceError(c, h.log, err)
		return
	}

	out := make([]userResponse, 0, len(doctors))
	for _, d := range doctors {
		out = append(out, toUserResponse(d))
	}
	respondOK(c, out)
}
