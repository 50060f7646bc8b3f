package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestAPIKeyAuth(t *testing.T) {
	router := setupRouter()
	router.GET("/test", APIKeyAuth("secret"), func(c *gin.Context) {
		RespondOK(c, gin.H{"status": "ok"})
	})

	tests := []struct {
		name   string
		header http.Header
		want   int
	}{
		{"missing key", nil, http.StatusUnauthorized},
		{"wrong key", http.Header{HeaderAPIKey: {"nope"}}, http.StatusUnauthorized},
		{"header key", http.Header{HeaderAPIKey: {"secret"}}, http.StatusOK},
		{"bearer token", http.Header{"Authorization": {"Bearer secret"}}, http.StatusOK},
		{"other scheme", http.Header{"Authorization": {"Basic secret"}}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := serve(router, "GET", "/test", tt.header); w.Code != tt.want {
				t.Errorf("status = %v, want %v", w.Code, tt.want)
			}
		})
	}
}

func TestInternalAPIKeyAuth(t *testing.T) {
	router := setupRouter()
	router.GET("/test", InternalAPIKeyAuth("internal"), func(c *gin.Context) {
		RespondNoContent(c)
	})

	if w := serve(router, "GET", "/test", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %v, want %v", w.Code, http.StatusUnauthorized)
	}
	if w := serve(router, "GET", "/test", http.Header{HeaderAPIKey: {"internal"}}); w.Code != http.StatusUnauthorized {
		t.Errorf("public header status = %v, want %v", w.Code, http.StatusUnauthorized)
	}
	if w := serve(router, "GET", "/test", http.Header{HeaderInternalAPIKey: {"internal"}}); w.Code != http.StatusNoContent {
		t.Errorf("valid key status = %v, want %v", w.Code, http.StatusNoContent)
	}
}

func TestLimiterAllow(t *testing.T) {
	l := NewLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("first two requests were limited, want allowed")
	}
	if l.Allow("a") {
		t.Error("third request allowed, want limited")
	}
	if !l.Allow("b") {
		t.Error("other client limited, want allowed")
	}

	now = now.Add(30 * time.Second)
	if !l.Allow("a") {
		t.Error("request after refill interval limited, want allowed")
	}
}

func TestLimiterEvictsLeastRecentClient(t *testing.T) {
	l := NewLimiter(1, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.maxClients = 2

	l.Allow("a")
	now = now.Add(time.Second)
	l.Allow("b")
	now = now.Add(time.Second)
	l.Allow("c")

	if _, ok := l.clients["a"]; ok {
		t.Error("client a kept, want it evicted")
	}
	if len(l.clients) != 2 || l.idle.Len() != 2 {
		t.Errorf("clients = %d, queue = %d, want 2 each", len(l.clients), l.idle.Len())
	}
}

func TestLimiterSweep(t *testing.T) {
	l := NewLimiter(5, time.Minute)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = start.Add(50 * time.Second)
	l.Allow("recent")

	if got := l.Sweep(start.Add(90 * time.Second)); got != 1 {
		t.Errorf("Sweep() = %d, want 1", got)
	}
	if _, ok := l.clients["recent"]; !ok {
		t.Error("recent client swept, want kept")
	}
}

func TestLimiterMiddleware(t *testing.T) {
	router := setupRouter()
	router.GET("/test", NewLimiter(1, time.Hour).Middleware(), func(c *gin.Context) {
		RespondNoContent(c)
	})

	header := http.Header{HeaderAPIKey: {"k"}}
	if w := serve(router, "GET", "/test", header); w.Code != http.StatusNoContent {
		t.Errorf("first status = %v, want %v", w.Code, http.StatusNoContent)
	}
	if w := serve(router, "GET", "/test", header); w.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %v, want %v", w.Code, http.StatusTooManyRequests)
	}
}
