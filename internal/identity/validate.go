package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"codeverse/internal/model"

	"github.com/go-playground/validator/v10"
	passwordvalidator "github.com/wagslane/go-password-validator"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return v
}

// Registration 是注册请求中身份核心关心的字段。
type Registration struct {
	Username string `validate:"required,min=2,max=20,username"`
	Email    string `validate:"required,email,max=191"`
	Password string `validate:"required,min=6,max=72"`

	// Profile 是随账户一起写入的资料，可以为空。
	Profile *model.Profile `validate:"-"`
}

func (r *Registration) normalize() {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = normalizeEmail(r.Email)
}

// ValidateUsername 检查用户名格式（2–20 位字母、数字或下划线）。
func ValidateUsername(username string) error {
	if err := validate.Var(username, "required,min=2,max=20,username"); err != nil {
		return fmt.Errorf("%w: username must be 2-20 letters, digits or underscores", ErrValidation)
	}
	return nil
}

func validateRegistration(r Registration, minEntropy float64) error {
	if err := validate.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s", ErrValidation, describeField(fieldErrs[0]))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	// bcrypt 的长度上限按字节计。
	if len(r.Password) > maxPasswordBytes {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrValidation, maxPasswordBytes)
	}
	if minEntropy > 0 {
		if err := passwordvalidator.Validate(r.Password, minEntropy); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

func describeField(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "username":
		return field + " may only contain letters, digits and underscores"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return field + " is invalid"
	}
}
