package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/handlers"
	"github.com/Brownie44l1/cxr-api/internal/history"
	"github.com/Brownie44l1/cxr-api/internal/metrics"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/nn"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func classifierNet(t *testing.T, withConv bool) *nn.Model {
	t.Helper()
	r := rand.New(rand.NewSource(5))
	layers := []nn.Layer{nn.NewRescaling("rescale", 1.0/127.5, -1)}
	features := 3
	if withConv {
		conv := nn.NewConv2D("conv5_block3_out", 3, 3, 3, 4)
		for i := range conv.Kernel {
			conv.Kernel[i] = float32(r.NormFloat64() * 0.3)
		}
		layers = append(layers, conv, nn.NewReLU("relu"))
		features = 4
	}
	dense := nn.NewDense("predictions", features, len(model.DefaultClasses))
	for i := range dense.Weights {
		dense.Weights[i] = float32(r.NormFloat64())
	}
	layers = append(layers, nn.NewGlobalAveragePooling2D("avg_pool"), dense, nn.NewSoftmax("softmax"))

	m, err := nn.Sequential("cxr", layers...)
	require.NoError(t, err)
	return m
}

type fixture struct {
	router   *gin.Engine
	store    *history.Store
	recorder *history.Recorder
	registry *prometheus.Registry
}

func newFixture(t *testing.T, withConv bool, maxSize int64) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.GradCAM.Size = 32
	if maxSize > 0 {
		cfg.Upload.MaxSize = maxSize
	}

	meta := model.DefaultMetadata()
	meta.ImageSize = 32
	classifier := model.NewClassifierFromModel(classifierNet(t, withConv), meta)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := history.NewStoreFromClient(client, cfg.History)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	recorder := history.NewRecorder(store, 1, cfg.History.ThumbnailSize, zaptest.NewLogger(t), m)
	t.Cleanup(recorder.Stop)

	h := handlers.NewHandler(classifier, cfg.GradCAM, cfg.Upload,
		handlers.WithHistory(store, recorder),
		handlers.WithMetrics(m))

	return &fixture{
		router:   NewRouter(h, reg, cfg.Upload.MaxSize),
		store:    store,
		recorder: recorder,
		registry: reg,
	}
}

func xray(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x * y) % 256)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/predict", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(f *fixture, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type predictBody struct {
	Success    bool              `json:"success"`
	Error      string            `json:"error"`
	Prediction *model.Prediction `json:"prediction"`
	GradCAM    *string           `json:"gradcam"`
	Timestamp  string            `json:"timestamp"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) predictBody {
	t.Helper()
	var body predictBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true, 0)
	rec := serve(f, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["model_loaded"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestPredict_WithGradCAM(t *testing.T) {
	f := newFixture(t, true, 0)
	rec := serve(f, upload(t, handlers.FormField, "scan.png", xray(t, 48)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.True(t, body.Success)
	require.NotNil(t, body.Prediction)
	assert.Contains(t, model.DefaultClasses, body.Prediction.PredictedClass)
	assert.Len(t, body.Prediction.AllPredictions, len(model.DefaultClasses))
	require.NotNil(t, body.GradCAM)
	assert.True(t, strings.HasPrefix(*body.GradCAM, "data:image/png;base64,"))
	assert.NotEmpty(t, body.Timestamp)

	f.recorder.Stop()
	entries, err := f.store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, body.Prediction.PredictedClass, entries[0].PredictedClass)
	assert.Equal(t, *body.GradCAM, entries[0].GradCAM)
}

func TestPredict_WithoutTargetLayerStillClassifies(t *testing.T) {
	f := newFixture(t, false, 0)
	rec := serve(f, upload(t, handlers.FormField, "scan.jpg", xray(t, 32)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.True(t, body.Success)
	require.NotNil(t, body.Prediction)
	assert.Nil(t, body.GradCAM)
	assert.Contains(t, rec.Body.String(), `"gradcam":null`)
}

func TestPredict_Rejections(t *testing.T) {
	f := newFixture(t, true, 0)
	scan := xray(t, 16)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing field", upload(t, "image", "scan.png", scan)},
		{"empty filename", upload(t, handlers.FormField, "", scan)},
		{"disallowed extension", upload(t, handlers.FormField, "scan.gif", scan)},
		{"content is not an image", upload(t, handlers.FormField, "scan.png", []byte("plain text, not a scan"))},
		{"truncated image", upload(t, handlers.FormField, "scan.png", scan[:len(scan)/2])},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(f, tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode(t, rec)
			assert.False(t, body.Success)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestPredict_TooLarge(t *testing.T) {
	f := newFixture(t, true, 1024)
	rec := serve(f, upload(t, handlers.FormField, "scan.png", bytes.Repeat([]byte{0x89}, 4096)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, decode(t, rec).Success)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, false, 0)
	for i := 0; i < 3; i++ {
		rec := serve(f, upload(t, handlers.FormField, "scan.png", xray(t, 16+i)))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	f.recorder.Stop()

	rec := serve(f, httptest.NewRequest(http.MethodGet, "/api/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Success bool            `json:"success"`
		History []history.Entry `json:"history"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.History, 2)

	rec = serve(f, httptest.NewRequest(http.MethodGet, "/api/history?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true, 0)
	rec := serve(f, upload(t, handlers.FormField, "scan.png", xray(t, 24)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(f, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cxr_predictions_total")
	assert.Contains(t, rec.Body.String(), `cxr_gradcam_total{outcome="ok"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, true, 0)
	req := httptest.NewRequest(http.MethodOptions, "/api/predict", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	rec := serve(f, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
