package auth

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"codeverse/internal/api/middleware"
	"codeverse/internal/api/response"
	"codeverse/internal/identity"
	"codeverse/internal/model"
	"codeverse/internal/pkg/metrics"
	"codeverse/internal/profile"

	"github.com/gin-gonic/gin"
)

const cooldownTimeout = 500 * time.Millisecond

// Service 是 Handler 依赖的身份服务。
type Service interface {
	Register(ctx context.Context, reg identity.Registration) (*model.Account, error)
	RequestVerificationCode(ctx context.Context, username string) error
	VerifyCode(ctx context.Context, username, code string) (identity.VerifyResult, error)
	SignIn(ctx context.Context, identifier, password string) (*identity.Session, error)
	UsernameAvailable(ctx context.Context, username string) (bool, error)
}

// Cooldown 限制验证码重发频率。
type Cooldown interface {
	Acquire(ctx context.Context, key string) (bool, time.Duration, error)
	Release(ctx context.Context, key string) error
}

// CookieConfig 会话 cookie 设置。
type CookieConfig struct {
	Secure bool
	MaxAge time.Duration
}

// Handler 提供注册、验证、登录与会话接口。
type Handler struct {
	svc      Service
	cooldown Cooldown
	cookie   CookieConfig
	logger   *slog.Logger
}

// NewHandler 创建 Auth Handler。cooldown 可以为 nil。
func NewHandler(svc Service, cooldown Cooldown, cookie CookieConfig, logger *slog.Logger) *Handler {
	if cookie.MaxAge <= 0 {
		cookie.MaxAge = 7 * 24 * time.Hour
	}
	return &Handler{
		svc:      svc,
		cooldown: cooldown,
		cookie:   cookie,
		logger:   logger,
	}
}

type registerRequest struct {
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	Name      string   `json:"name"`
	Bio       string   `json:"bio"`
	AvatarURL string   `json:"avatarUrl"`
	Location  []string `json:"location"`
	Website   string   `json:"website"`
}

type verifyRequest struct {
	Username string `json:"username" binding:"required"`
	Code     string `json:"code" binding:"required"`
}

type signInRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

type signInResponse struct {
	Message  string `json:"message"`
	Token    string `json:"token"`
	Verified bool   `json:"verified"`
}

// Register 创建未验证账户（基础资料随账户一起写入）并发送验证码。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Abort(c, http.StatusBadRequest, identity.KindValidation, "invalid request body")
		return
	}
	basics, err := profile.Basics{
		Name:      req.Name,
		Bio:       req.Bio,
		AvatarURL: req.AvatarURL,
		Location:  req.Location,
		Website:   req.Website,
	}.Profile()
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}

	_, err = h.svc.Register(c.Request.Context(), identity.Registration{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Profile:  basics,
	})
	observe("register", err)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "registered, verification code sent"})
}

// RequestCode 重新发送验证码，每个用户名受冷却时间限制。
func (h *Handler) RequestCode(c *gin.Context) {
	username := strings.TrimSpace(c.Query("username"))
	if username == "" {
		response.Abort(c, http.StatusBadRequest, identity.KindValidation, "username is required")
		return
	}

	key := "verify:" + strings.ToLower(username)
	if h.cooldown != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cooldownTimeout)
		ok, retryAfter, err := h.cooldown.Acquire(ctx, key)
		cancel()
		switch {
		case err != nil:
			h.logger.Warn("resend cooldown unavailable", slog.String("error", err.Error()))
		case !ok:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "verification code recently sent",
				"code":        response.KindRateLimited,
				"retry_after": int(math.Ceil(retryAfter.Seconds())),
			})
			return
		}
	}

	err := h.svc.RequestVerificationCode(c.Request.Context(), username)
	observe("request_code", err)
	if err != nil {
		if h.cooldown != nil {
			if relErr := h.cooldown.Release(context.WithoutCancel(c.Request.Context()), key); relErr != nil {
				h.logger.Warn("release resend cooldown failed", slog.String("error", relErr.Error()))
			}
		}
		response.Error(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "verification code sent"})
}

// Verify 校验验证码。
func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Abort(c, http.StatusBadRequest, identity.KindValidation, "username and code are required")
		return
	}

	res, err := h.svc.VerifyCode(c.Request.Context(), strings.TrimSpace(req.Username), strings.TrimSpace(req.Code))
	observe("verify", err)
	if err != nil {
		if identity.KindOf(err) == identity.KindExpiredCode {
			response.Abort(c, http.StatusPaymentRequired, identity.KindExpiredCode, "verification code expired, a new code has been sent")
			return
		}
		response.Error(c, h.logger, err)
		return
	}
	if res.AlreadyVerified {
		c.JSON(http.StatusOK, gin.H{"message": "account already verified"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "account verified"})
}

// SignIn 校验凭证，签发会话 cookie，并在响应体中返回令牌。
func (h *Handler) SignIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Abort(c, http.StatusBadRequest, identity.KindValidation, "identifier and password are required")
		return
	}

	session, err := h.svc.SignIn(c.Request.Context(), req.Identifier, req.Password)
	observe("sign_in", err)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}

	h.setSessionCookie(c, session.Token, int(h.cookie.MaxAge.Seconds()))
	c.JSON(http.StatusOK, signInResponse{
		Message:  "signed in",
		Token:    session.Token,
		Verified: session.Account.Verified,
	})
}

// SignOut 清除会话 cookie。令牌本身是无状态的，过期前仍然有效。
func (h *Handler) SignOut(c *gin.Context) {
	h.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"message": "signed out"})
}

// Session 返回当前会话的用户名，需挂在 middleware.Session 之后。
func (h *Handler) Session(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":  "session valid",
		"username": middleware.Username(c),
	})
}

// UsernameAvailable 检查用户名是否可注册。
func (h *Handler) UsernameAvailable(c *gin.Context) {
	available, err := h.svc.UsernameAvailable(c.Request.Context(), c.Query("username"))
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}
	if !available {
		response.Abort(c, http.StatusConflict, identity.KindDuplicateIdentifier, "username taken")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "username available", "available": true})
}

func (h *Handler) setSessionCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(middleware.SessionCookie, token, maxAge, "/", "", h.cookie.Secure, true)
}

func observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(identity.KindOf(err))
	}
	metrics.IdentityOperationsTotal.WithLabelValues(op, outcome).Inc()
}
