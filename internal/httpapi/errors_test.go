package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/xpadev-net/live-event-orchestrator/internal/db"
	"github.com/xpadev-net/live-event-orchestrator/internal/lifecycle"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   ErrorCode
	}{
		{"lifecycle not found", fmt.Errorf("%w: event", lifecycle.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"repository not found", db.ErrDomainNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"validation", fmt.Errorf("%w: missing name", lifecycle.ErrValidation), http.StatusBadRequest, ErrCodeValidation},
		{"transition", &lifecycle.TransitionError{From: db.StatusNotStarted, To: db.StatusLive}, http.StatusConflict, ErrCodeInvalidTransition},
		{"duplicate slug", db.ErrDuplicateSlug, http.StatusConflict, ErrCodeDuplicateSlug},
		{"upstream", fmt.Errorf("%w: create session", lifecycle.ErrUpstream), http.StatusBadGateway, ErrCodeUpstream},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Errorf("Classify() = %v %v, want %v %v", status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestRespondServiceError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantMessage string
	}{
		{"client error keeps message", fmt.Errorf("%w: event", lifecycle.ErrNotFound), "not found: event"},
		{"internal error is hidden", errors.New("pq: password leaked"), "Failed to load event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter()
			router.GET("/test", func(c *gin.Context) {
				RespondServiceError(c, tt.err, "Failed to load event")
			})

			w := serve(router, "GET", "/test", nil)
			var response ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
				t.Fatalf("Failed to unmarshal response: %v", err)
			}
			if response.Error.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", response.Error.Message, tt.wantMessage)
			}
		})
	}
}
