package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/liveness-check/internal/auth"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/repository"
	"github.com/example/liveness-check/internal/usecase"
)

// MaxFrameSize is the largest decoded frame accepted by the frames route.
const MaxFrameSize = 5 << 20

// maxFrameRequestSize bounds the JSON body carrying a base64 frame.
var maxFrameRequestSize = int64(base64.StdEncoding.EncodedLen(MaxFrameSize) + 1024)

var allowedFrameTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
}

// ChallengeService is the subset of the use case exposed over HTTP.
type ChallengeService interface {
	StartChallenge(ctx context.Context, userID string, imageWidth, imageHeight int) (*repository.Challenge, error)
	PutFrame(ctx context.Context, challengeID string, timestamp int64, data []byte, contentType string) error
	VerifyChallenge(ctx context.Context, challengeID string) (*liveness.Result, error)
	GetResult(ctx context.Context, userID, challengeID string) (*usecase.ChallengeResult, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type startRequest struct {
	ImageWidth  int `json:"imageWidth" binding:"required,gt=0"`
	ImageHeight int `json:"imageHeight" binding:"required,gt=0"`
}

type frameRequest struct {
	Timestamp   *int64 `json:"timestamp" binding:"required"`
	FrameBase64 string `json:"frameBase64" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. userAuth guards
// the routes acting on behalf of a user, challengeAuth the ones driven by a
// challenge token.
func RegisterRoutes(router *gin.Engine, svc ChallengeService, userAuth, challengeAuth gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/challenge/start", userAuth, func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		var req startRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "imageWidth and imageHeight must be positive integers"})
			return
		}

		record, err := svc.StartChallenge(c.Request.Context(), userID, req.ImageWidth, req.ImageHeight)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start challenge"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":                 record.ID,
			"userId":             record.UserID,
			"imageWidth":         record.ImageWidth,
			"imageHeight":        record.ImageHeight,
			"areaLeft":           record.AreaLeft,
			"areaTop":            record.AreaTop,
			"areaWidth":          record.AreaWidth,
			"areaHeight":         record.AreaHeight,
			"minFaceAreaPercent": record.MinFaceAreaPercent,
			"noseLeft":           record.NoseLeft,
			"noseTop":            record.NoseTop,
			"noseWidth":          record.NoseWidth,
			"noseHeight":         record.NoseHeight,
			"token":              record.Token,
		})
	})

	router.PUT("/challenge/:challengeId/frames", challengeAuth, func(c *gin.Context) {
		challengeID := c.Param("challengeId")

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFrameRequestSize)
		var req frameRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame exceeds maximum size"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "timestamp and frameBase64 are required"})
			return
		}

		data, err := base64.StdEncoding.DecodeString(req.FrameBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "frameBase64 is not valid base64"})
			return
		}
		if len(data) > MaxFrameSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame exceeds maximum size"})
			return
		}

		contentType := http.DetectContentType(data)
		if _, ok := allowedFrameTypes[contentType]; !ok {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported frame type"})
			return
		}

		if err := svc.PutFrame(c.Request.Context(), challengeID, *req.Timestamp, data, contentType); err != nil {
			switch {
			case errors.Is(err, repository.ErrChallengeNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "challenge not found"})
			case errors.Is(err, repository.ErrFrameLimitReached):
				c.JSON(http.StatusConflict, gin.H{"error": "challenge holds too many frames"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save frame"})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "frame saved successfully"})
	})

	router.POST("/challenge/:challengeId/verify", challengeAuth, func(c *gin.Context) {
		result, err := svc.VerifyChallenge(c.Request.Context(), c.Param("challengeId"))
		if err != nil {
			if errors.Is(err, repository.ErrChallengeNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "challenge not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify challenge"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": result.Success,
			"state":   result.State,
		})
	})

	router.GET("/challenge/:challengeId/result", userAuth, func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		result, err := svc.GetResult(c.Request.Context(), userID, c.Param("challengeId"))
		switch {
		case errors.Is(err, repository.ErrChallengeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "challenge not found"})
			return
		case errors.Is(err, usecase.ErrNotVerified):
			c.JSON(http.StatusConflict, gin.H{"error": "challenge not verified yet"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"challengeId": result.ChallengeID,
			"success":     result.Success,
			"state":       result.State,
			"verifiedAt":  result.VerifiedAt,
		})
	})

	router.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}
