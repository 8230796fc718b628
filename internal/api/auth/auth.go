package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Handler 提供管理端登录接口。
//
// 管理端只有一个内置账号：密码的 bcrypt 哈希放在配置里，
// 哈希为空时管理端整体禁用。
type Handler struct {
	jwtSecret    []byte
	passwordHash string
	logger       *slog.Logger
}

// NewHandler 创建 Auth Handler。
func NewHandler(jwtSecret, passwordHash string, logger *slog.Logger) *Handler {
	return &Handler{
		jwtSecret:    []byte(jwtSecret),
		passwordHash: passwordHash,
		logger:       logger,
	}
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type adminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Login 校验管理员密码并返回 JWT。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.passwordHash == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin access disabled"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(h.passwordHash), []byte(req.Password)); err != nil {
		h.logger.Warn("admin login rejected", slog.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := h.issueToken()
	if err != nil {
		h.logger.Error("issue admin token failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}

	h.logger.Info("admin logged in", slog.String("client_ip", c.ClientIP()))
	c.JSON(http.StatusOK, tokenResponse{Token: token})
}

func (h *Handler) issueToken() (string, error) {
	claims := adminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: "admin",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}
