package profile

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"codeverse/internal/api/middleware"
	"codeverse/internal/api/response"
	"codeverse/internal/identity"
	"codeverse/internal/model"
	profilesvc "codeverse/internal/profile"

	"github.com/gin-gonic/gin"
)

const (
	kindNotVerified      identity.Kind = "not_verified"
	kindProfileCompleted identity.Kind = "profile_completed"
	kindProfileNotFound  identity.Kind = "profile_not_found"
)

// Accounts 按 ID 查询账户。
type Accounts interface {
	Account(ctx context.Context, id string) (*model.Account, error)
}

// Profiles 读取与补全账户资料。
type Profiles interface {
	Get(ctx context.Context, accountID string) (*model.Profile, error)
	Complete(ctx context.Context, accountID string, d profilesvc.Details) (*model.Profile, error)
}

// Handler 提供当前用户与资料接口，需挂在 middleware.Session 之后。
type Handler struct {
	accounts Accounts
	profiles Profiles
	logger   *slog.Logger
}

func NewHandler(accounts Accounts, profiles Profiles, logger *slog.Logger) *Handler {
	return &Handler{accounts: accounts, profiles: profiles, logger: logger}
}

type accountView struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	Verified   bool       `json:"verified"`
	VerifiedAt *time.Time `json:"verifiedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type profileView struct {
	Name         string            `json:"name"`
	Bio          string            `json:"bio"`
	AvatarURL    string            `json:"avatarUrl"`
	Location     []string          `json:"location"`
	Website      string            `json:"website"`
	Role         model.ProfileRole `json:"role"`
	About        string            `json:"about"`
	Technologies []string          `json:"technologies"`
	SocialLinks  model.SocialLinks `json:"socialLinks"`
	Projects     []model.Project   `json:"projects"`
	Completed    bool              `json:"completed"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
}

func newAccountView(a *model.Account) accountView {
	return accountView{
		ID:         a.ID,
		Username:   a.Username,
		Email:      a.Email,
		Verified:   a.Verified,
		VerifiedAt: a.VerifiedAt,
		CreatedAt:  a.CreatedAt,
	}
}

func newProfileView(p *model.Profile) *profileView {
	if p == nil {
		return nil
	}
	return &profileView{
		Name:         p.Name,
		Bio:          p.Bio,
		AvatarURL:    p.AvatarURL,
		Location:     p.Location,
		Website:      p.Website,
		Role:         p.Role,
		About:        p.About,
		Technologies: p.Technologies,
		SocialLinks:  p.SocialLinks,
		Projects:     p.Projects,
		Completed:    p.CompletedAt != nil,
		CompletedAt:  p.CompletedAt,
	}
}

// Me 返回当前账户与资料。资料不存在时 profile 为 null。
func (h *Handler) Me(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	account, err := h.accounts.Account(ctx, userID)
	if err != nil {
		response.Error(c, h.logger, err)
		return
	}

	p, err := h.profiles.Get(ctx, userID)
	if err != nil && !errors.Is(err, profilesvc.ErrNotFound) {
		response.Error(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account": newAccountView(account),
		"profile": newProfileView(p),
	})
}

// Complete 补全详细资料。
func (h *Handler) Complete(c *gin.Context) {
	var req profilesvc.Details
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Abort(c, http.StatusBadRequest, identity.KindValidation, "invalid request body")
		return
	}

	p, err := h.profiles.Complete(c.Request.Context(), middleware.UserID(c), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "profile completed", "profile": newProfileView(p)})
	case errors.Is(err, profilesvc.ErrNotVerified):
		response.Abort(c, http.StatusForbidden, kindNotVerified, err.Error())
	case errors.Is(err, profilesvc.ErrAlreadyCompleted):
		response.Abort(c, http.StatusConflict, kindProfileCompleted, err.Error())
	case errors.Is(err, profilesvc.ErrNotFound):
		response.Abort(c, http.StatusNotFound, kindProfileNotFound, err.Error())
	default:
		response.Error(c, h.logger, err)
	}
}
