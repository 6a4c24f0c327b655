package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/gradcam"
	"github.com/Brownie44l1/cxr-api/internal/history"
	"github.com/Brownie44l1/cxr-api/internal/metrics"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/nn"
	"github.com/Brownie44l1/cxr-api/internal/utils"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// FormField is the multipart field carrying the uploaded image.
const FormField = "file"

type Handler struct {
	classifier *model.Classifier
	gradcamCfg config.GradCAMConfig
	upload     config.UploadConfig
	store      *history.Store
	recorder   *history.Recorder
	metrics    *metrics.Metrics

	explainerOnce sync.Once
	explainer     *gradcam.Explainer
}

type Option func(*Handler)

// WithHistory enables history reads from store and background writes
// through recorder. Either may be nil.
func WithHistory(store *history.Store, recorder *history.Recorder) Option {
	return func(h *Handler) {
		h.store = store
		h.recorder = recorder
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func NewHandler(classifier *model.Classifier, gradcamCfg config.GradCAMConfig, upload config.UploadConfig, opts ...Option) *Handler {
	h := &Handler{
		classifier: classifier,
		gradcamCfg: gradcamCfg,
		upload:     upload,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Explainer returns the Grad-CAM explainer for m, built on first use.
func (h *Handler) Explainer(m *nn.Model) *gradcam.Explainer {
	h.explainerOnce.Do(func() {
		h.explainer = gradcam.New(m,
			gradcam.WithLayerName(h.gradcamCfg.LayerName),
			gradcam.WithSize(h.gradcamCfg.Size, h.gradcamCfg.Size),
			gradcam.WithAlpha(h.gradcamCfg.Alpha),
			gradcam.WithMaxConcurrent(h.gradcamCfg.MaxConcurrent),
			gradcam.WithLogger(utils.Logger.Named("gradcam")),
			gradcam.WithMetrics(h.metrics),
		)
	})
	return h.explainer
}

func errorJSON(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"model_loaded": h.classifier.Loaded(),
		"timestamp":    timestamp(),
	})
}

func (h *Handler) Predict(c *gin.Context) {
	if h.upload.MaxSize > 0 {
		if c.Request.ContentLength > h.upload.MaxSize {
			h.tooLarge(c)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.upload.MaxSize)
	}

	header, err := c.FormFile(FormField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.tooLarge(c)
			return
		}
		errorJSON(c, http.StatusBadRequest, "No file provided")
		return
	}
	if header.Filename == "" {
		errorJSON(c, http.StatusBadRequest, "No file selected")
		return
	}
	if !h.allowedExtension(header.Filename) {
		errorJSON(c, http.StatusBadRequest,
			"Invalid file type. Allowed: "+strings.Join(h.upload.AllowedExtensions, ", "))
		return
	}

	file, err := header.Open()
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "Failed to read file")
		return
	}
	data, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "Failed to read file")
		return
	}

	if mtype := mimetype.Detect(data); !h.allowedType(mtype) {
		errorJSON(c, http.StatusBadRequest, "Invalid file content: "+mtype.String())
		return
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "Invalid image")
		return
	}

	m, err := h.classifier.Model()
	if err != nil {
		errorJSON(c, http.StatusServiceUnavailable, "Model not loaded")
		return
	}

	utils.Logger.Debug("received image",
		zap.String("filename", header.Filename),
		zap.String("format", format),
		zap.Int("width", img.Bounds().Dx()),
		zap.Int("height", img.Bounds().Dy()))

	x := h.classifier.Preprocess(img)
	prediction, err := h.classifier.Predict(x)
	if err != nil {
		utils.Logger.Error("prediction failed", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "Prediction failed")
		return
	}
	h.metrics.Prediction(prediction.PredictedClass)

	var visualization *string
	if h.gradcamCfg.Enabled {
		if uri, ok := h.Explainer(m).Explain(c.Request.Context(), x, prediction.ClassIndex, data); ok {
			visualization = &uri
		}
	}

	if h.recorder != nil {
		var uri string
		if visualization != nil {
			uri = *visualization
		}
		h.recorder.Record(data, prediction, uri)
	}

	c.JSON(http.StatusOK, model.PredictionResponse{
		Success:    true,
		Prediction: prediction,
		GradCAM:    visualization,
		Timestamp:  timestamp(),
	})
}

func (h *Handler) History(c *gin.Context) {
	limit := history.DefaultMaxItems
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	if h.store == nil {
		errorJSON(c, http.StatusServiceUnavailable, "History is not available")
		return
	}

	entries, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		utils.Logger.Error("failed to load history", zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, "Failed to load history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"history": entries,
		"count":   len(entries),
	})
}

func (h *Handler) tooLarge(c *gin.Context) {
	errorJSON(c, http.StatusRequestEntityTooLarge,
		fmt.Sprintf("File too large. Maximum size is %dMB", h.upload.MaxSize>>20))
}

func (h *Handler) allowedExtension(filename string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	return ext != "" && slices.Contains(h.upload.AllowedExtensions, ext)
}

func (h *Handler) allowedType(mtype *mimetype.MIME) bool {
	if len(h.upload.AllowedTypes) == 0 {
		return true
	}
	for _, t := range h.upload.AllowedTypes {
		if mtype.Is(t) {
			return true
		}
	}
	return false
}
