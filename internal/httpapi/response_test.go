package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func serve(router *gin.Engine, method, path string, header http.Header) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[http.CanonicalHeaderKey(k)] = v
	}
	router.ServeHTTP(w, req)
	return w
}

func TestRespondOK(t *testing.T) {
	router := setupRouter()
	router.GET("/test", func(c *gin.Context) {
		RespondOK(c, gin.H{"status": "ok"})
	})

	w := serve(router, "GET", "/test", nil)
	if w.Code != http.StatusOK {
		t.Errorf("RespondOK() status = %v, want %v", w.Code, http.StatusOK)
	}
	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if response["status"] != "ok" {
		t.Errorf("RespondOK() response status = %v, want ok", response["status"])
	}
}

func TestRespondCreated(t *testing.T) {
	tests := []struct {
		name     string
		location string
	}{
		{name: "with location", location: "/api/v1/events/123"},
		{name: "without location", location: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter()
			router.POST("/test", func(c *gin.Context) {
				RespondCreated(c, tt.location, gin.H{"id": "123"})
			})

			w := serve(router, "POST", "/test", nil)
			if w.Code != http.StatusCreated {
				t.Errorf("RespondCreated() status = %v, want %v", w.Code, http.StatusCreated)
			}
			if got := w.Header().Get("Location"); got != tt.location {
				t.Errorf("RespondCreated() Location = %q, want %q", got, tt.location)
			}
		})
	}
}

func TestRespondList(t *testing.T) {
	tests := []struct {
		name  string
		items []string
		want  string
	}{
		{name: "nil slice", items: nil, want: `{"events":[]}`},
		{name: "items", items: []string{"a", "b"}, want: `{"events":["a","b"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter()
			router.GET("/test", func(c *gin.Context) {
				RespondList(c, "events", tt.items)
			})

			w := serve(router, "GET", "/test", nil)
			if w.Code != http.StatusOK {
				t.Errorf("RespondList() status = %v, want %v", w.Code, http.StatusOK)
			}
			if w.Body.String() != tt.want {
				t.Errorf("RespondList() body = %v, want %v", w.Body.String(), tt.want)
			}
		})
	}
}

func TestRespondNoContent(t *testing.T) {
	router := setupRouter()
	router.DELETE("/test", func(c *gin.Context) {
		RespondNoContent(c)
	})

	w := serve(router, "DELETE", "/test", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("RespondNoContent() status = %v, want %v", w.Code, http.StatusNoContent)
	}
	if w.Body.String() != "" {
		t.Errorf("RespondNoContent() body = %v, want empty", w.Body.String())
	}
}

func TestErrorResponders(t *testing.T) {
	tests := []struct {
		name       string
		respond    func(c *gin.Context)
		wantStatus int
		wantCode   ErrorCode
	}{
		{"bad request", func(c *gin.Context) { RespondBadRequest(c, "m") }, http.StatusBadRequest, ErrCodeBadRequest},
		{"unauthorized", func(c *gin.Context) { RespondUnauthorized(c, "m") }, http.StatusUnauthorized, ErrCodeUnauthorized},
		{"not found", func(c *gin.Context) { RespondNotFound(c, "m") }, http.StatusNotFound, ErrCodeNotFound},
		{"internal", func(c *gin.Context) { RespondInternalError(c, "m") }, http.StatusInternalServerError, ErrCodeInternal},
		{"validation", func(c *gin.Context) { RespondValidationError(c, "m") }, http.StatusBadRequest, ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter()
			router.GET("/test", tt.respond)

			w := serve(router, "GET", "/test", nil)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}
			var response ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
				t.Fatalf("Failed to unmarshal response: %v", err)
			}
			if response.Error.Code != tt.wantCode || response.Error.Message != "m" {
				t.Errorf("error = %+v, want code %v with message m", response.Error, tt.wantCode)
			}
		})
	}
}
