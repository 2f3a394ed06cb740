package handlers

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-gate/internal/model"
	"github.com/Brownie44l1/fer-gate/internal/pipeline"
	"github.com/Brownie44l1/fer-gate/internal/preprocess"
)

const DefaultMaxUploadSize = 10 << 20

const messageNoImage = "No image uploaded"

// Predictor runs one uploaded image through the inference pipeline.
type Predictor interface {
	RunRequest(requestID, path string) pipeline.Result
}

type Handler struct {
	predictor     Predictor
	uploadDir     string
	maxUploadSize int64
	logger        *zap.Logger
}

func NewHandler(predictor Predictor, uploadDir string, maxUploadSize int64, logger *zap.Logger) *Handler {
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		predictor:     predictor,
		uploadDir:     uploadDir,
		maxUploadSize: maxUploadSize,
		logger:        logger.Named("handlers"),
	}
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Extra
// middleware applies to /predict only.
func (h *Handler) RegisterRoutes(router gin.IRoutes, predictMiddleware ...gin.HandlerFunc) {
	router.GET("/health", h.Health)
	router.POST("/predict", append(predictMiddleware, h.Predict)...)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Predict stores the "image" form file in a temp file owned by this
// request, runs the pipeline on it and removes it afterwards.
func (h *Handler) Predict(c *gin.Context) {
	requestID := RequestIDFrom(c)
	logger := h.logger.With(zap.String("request_id", requestID))

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, pipeline.Response{
				Status:  pipeline.StatusError,
				Message: "Image exceeds upload limit",
			})
			return
		}
		c.JSON(http.StatusBadRequest, pipeline.Response{Status: pipeline.StatusError, Message: messageNoImage})
		return
	}

	logger.Info("received file", zap.String("filename", file.Filename), zap.Int64("size", file.Size))

	path := filepath.Join(h.uploadDir, uuid.NewString()+uploadExt(file.Filename))
	if err := c.SaveUploadedFile(file, path); err != nil {
		logger.Error("failed to store upload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, pipeline.Response{Status: pipeline.StatusError, Message: pipeline.MessageFailed})
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove upload", zap.String("path", path), zap.Error(err))
		}
	}()

	res := h.predictor.RunRequest(requestID, path)
	c.JSON(statusCode(res), pipeline.NewResponse(res))
}

func statusCode(res pipeline.Result) int {
	switch res.State {
	case pipeline.StateDone:
		return http.StatusOK
	case pipeline.StateRejected:
		return http.StatusBadRequest
	}
	switch {
	case errors.Is(res.Err, preprocess.ErrImageUnreadable):
		return http.StatusBadRequest
	case errors.Is(res.Err, model.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// uploadExt keeps a short alphanumeric extension from the client file name.
func uploadExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
