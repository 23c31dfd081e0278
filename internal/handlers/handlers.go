package handlers

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/refstore"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/usecase"
)

// MaxUploadSize bounds the accepted image payload.
const MaxUploadSize = 10 << 20

// RegisterRoutes wires the HTTP handlers to the Gin router. The health
// endpoint stays open; every other route goes through authMiddleware when
// one is provided.
func RegisterRoutes(router *gin.Engine, uc *usecase.VerificationUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/")
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}

	api.POST("/verify", func(c *gin.Context) { handleVerify(c, uc) })
	api.GET("/result/:id", func(c *gin.Context) { handleGetResult(c, uc) })
	api.GET("/result/:id/duplicates", func(c *gin.Context) { handleGetDuplicates(c, uc) })
	api.GET("/metrics/summary", func(c *gin.Context) { handleMetricsSummary(c, uc) })
}

func handleVerify(c *gin.Context, uc *usecase.VerificationUseCase) {
	file, err := c.FormFile("file")
	if err != nil {
		// older clients send the part under "image"
		file, err = c.FormFile("image")
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "No file provided"})
		return
	}

	if file.Filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "No filename provided"})
		return
	}
	if !refstore.IsImageFile(file.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid file type. Allowed types: .png, .jpg, .jpeg"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "File too large"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "unable to open uploaded file"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to read uploaded file"})
		return
	}

	subject, _ := auth.GetSubject(c.Request.Context())

	requestID, result, err := uc.VerifyUpload(c.Request.Context(), subject, filepath.Base(file.Filename), data)
	if requestID != "" {
		c.Header("X-Request-ID", requestID)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func handleGetResult(c *gin.Context, uc *usecase.VerificationUseCase) {
	log, err := uc.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "result not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, logJSON(log))
}

func handleGetDuplicates(c *gin.Context, uc *usecase.VerificationUseCase) {
	report, err := uc.GetDuplicateReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "result not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	duplicates := make([]gin.H, 0, len(report.Duplicates))
	for _, dup := range report.Duplicates {
		duplicates = append(duplicates, logJSON(dup))
	}

	c.JSON(http.StatusOK, gin.H{
		"request":    logJSON(report.Request),
		"duplicates": duplicates,
	})
}

func handleMetricsSummary(c *gin.Context, uc *usecase.VerificationUseCase) {
	summary, err := uc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

func writeError(c *gin.Context, err error) {
	var invalid *usecase.InvalidInputError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": invalid.Reason})
		return
	}

	var misconfigured *usecase.ConfigurationError
	if errors.As(err, &misconfigured) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": misconfigured.Reason})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
}

func logJSON(log *repository.VerificationLog) gin.H {
	return gin.H{
		"request_id":    log.RequestID,
		"subject":       log.Subject,
		"filename":      log.Filename,
		"match":         log.Matched,
		"confidence":    log.Confidence,
		"matched_image": log.MatchedImage,
		"candidates":    log.Candidates,
		"duration_ms":   log.DurationMs,
		"created_at":    log.CreatedAt,
	}
}
