// Command webhook-demo receives lifecycle webhooks, verifies their
// signature and logs them.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/log"
	"github.com/xpadev-net/live-event-orchestrator/internal/webhook"
)

func main() {
	if err := log.Init("development"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	signingKey := os.Getenv("WEBHOOK_SIGNING_KEY")
	if signingKey == "" {
		signingKey = "demo-signing-key"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/webhook", receiveWebhook(signingKey))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	log.Info("webhook demo server starting", zap.String("port", port), zap.String("endpoint", "POST /webhook"))
	if err := router.Run(":" + port); err != nil {
		log.Fatal("failed to start server", zap.Error(err))
	}
}

func receiveWebhook(signingKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}

		timestamp, err := strconv.ParseInt(c.GetHeader("X-Timestamp"), 10, 64)
		if err != nil {
			log.Warn("invalid timestamp", zap.String("timestamp", c.GetHeader("X-Timestamp")))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timestamp"})
			return
		}

		signature := strings.TrimPrefix(c.GetHeader("X-Signature-256"), "sha256=")
		if !webhook.VerifySignature(signingKey, signature, timestamp, body) {
			log.Warn("invalid signature")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		var payload webhook.Payload
		if err := json.Unmarshal(body, &payload); err != nil {
			log.Warn("failed to parse payload", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}

		log.Info("webhook received",
			zap.String("event_type", string(payload.EventType)),
			log.EventID(payload.EventID),
			log.BroadcastKey(payload.DomainID, payload.FanURL),
			zap.Time("timestamp", payload.Timestamp),
			zap.Any("data", payload.Data),
		)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
