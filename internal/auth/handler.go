package auth

import (
	"errors"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/response"
)

// bcrypt ignores input past 72 bytes, so longer passwords are refused rather than truncated.
const maxPasswordBytes = 72

var (
	decoyOnce sync.Once
	decoyHash []byte
)

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	FullName string `json:"full_name" binding:"required"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token string            `json:"token"`
	User  models.UserPublic `json:"user"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	store  Store
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(store Store, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, jwt: jwt, logger: logger}
}

// Register handles POST /auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	if len(req.Password) > maxPasswordBytes {
		response.BadRequest(c, "password must be at most 72 bytes")
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}

	user, err := h.store.Create(c.Request.Context(), req.Email, hash, strings.TrimSpace(req.FullName))
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			response.Conflict(c, "email already registered")
			return
		}
		h.logger.Error("create user failed", zap.Error(err))
		response.ServiceUnavailable(c, "failed to create user")
		return
	}

	token, err := h.jwt.Generate(user.ID, user.Email)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}

	response.Created(c, TokenResponse{Token: token, User: user.ToPublic()})
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.store.GetByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			h.logger.Error("load user failed", zap.Error(err))
		}
		checkPassword(req.Password, "")
		response.Unauthorized(c, "invalid email or password")
		return
	}

	if !checkPassword(req.Password, user.Password) {
		response.Unauthorized(c, "invalid email or password")
		return
	}

	token, err := h.jwt.Generate(user.ID, user.Email)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}

	response.OK(c, TokenResponse{Token: token, User: user.ToPublic()})
}

// ContextUserID is the gin context key the JWT middleware stores the caller's id under.
const ContextUserID = "user_id"

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	userID := c.MustGet(ContextUserID).(uuid.UUID)
	user, err := h.store.GetByID(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, user.ToPublic())
}

func hashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// checkPassword reports whether plain matches hashed. An empty hash is compared against a
// decoy so an unknown email takes as long as a wrong password.
func checkPassword(plain, hashed string) bool {
	if hashed == "" {
		decoyOnce.Do(func() {
			decoyHash, _ = bcrypt.GenerateFromPassword([]byte("decoy-password"), bcrypt.DefaultCost)
		})
		_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(plain))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}
