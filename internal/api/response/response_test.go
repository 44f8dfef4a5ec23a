package response

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"codeverse/internal/identity"

	"github.com/gin-gonic/gin"
)

func TestStatus(t *testing.T) {
	cases := map[identity.Kind]int{
		identity.KindValidation:          http.StatusBadRequest,
		identity.KindAlreadyVerified:     http.StatusBadRequest,
		identity.KindDuplicateIdentifier: http.StatusConflict,
		identity.KindAccountNotFound:     http.StatusNotFound,
		identity.KindInvalidCredentials:  http.StatusUnauthorized,
		identity.KindInvalidCode:         http.StatusUnauthorized,
		identity.KindUnauthorized:        http.StatusUnauthorized,
		identity.KindExpiredCode:         http.StatusPaymentRequired,
		identity.KindForbidden:           http.StatusForbidden,
		KindRateLimited:                  http.StatusTooManyRequests,
		identity.KindStorage:             http.StatusInternalServerError,
		identity.KindNotifier:            http.StatusInternalServerError,
		identity.KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := Status(kind); got != want {
			t.Errorf("Status(%q) = %d, want %d", kind, got, want)
		}
	}
}

func TestError_HidesInfrastructureDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	Error(c, logger, fmt.Errorf("%w: dial tcp 10.0.0.5:3306: refused", identity.ErrStorage))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "internal server error" || body["code"] != "storage_failure" {
		t.Fatalf("unexpected body: %v", body)
	}
	if !c.IsAborted() {
		t.Fatal("context should be aborted")
	}
}

func TestError_BusinessErrorKeepsMessage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	Error(c, nil, identity.ErrDuplicateIdentifier)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != identity.ErrDuplicateIdentifier.Error() {
		t.Fatalf("unexpected body: %v", body)
	}
}
