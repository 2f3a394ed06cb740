package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-gate/internal/model"
	"github.com/Brownie44l1/fer-gate/internal/pipeline"
	"github.com/Brownie44l1/fer-gate/internal/preprocess"
)

type stubPredictor struct {
	mu        sync.Mutex
	result    pipeline.Result
	paths     []string
	contents  [][]byte
	requestID string
}

func (p *stubPredictor) RunRequest(requestID, path string) pipeline.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, _ := os.ReadFile(path)
	p.paths = append(p.paths, path)
	p.contents = append(p.contents, data)
	p.requestID = requestID
	return p.result
}

func newTestRouter(t *testing.T, predictor Predictor, maxUpload int64) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID(), CORS())
	NewHandler(predictor, t.TempDir(), maxUpload, zap.NewNop()).RegisterRoutes(router)
	return router
}

func buildMultipartBody(t *testing.T, field string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="face.jpg"`, field))
	header.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return body, writer.FormDataContentType()
}

func postImage(t *testing.T, router http.Handler, field string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := buildMultipartBody(t, field, payload)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, &stubPredictor{}, 0)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, map[string]any{"status": "healthy"}, decodeBody(t, resp))
	assert.NotEmpty(t, resp.Header().Get(RequestIDKey))
}

func TestPredictSuccess(t *testing.T) {
	predictor := &stubPredictor{result: pipeline.Result{
		State:      pipeline.StateDone,
		Prediction: model.Prediction{ClassID: 3, Emotion: "happy", Confidence: 0.88},
	}}
	router := newTestRouter(t, predictor, 0)

	resp := postImage(t, router, "image", []byte("jpeg-bytes"))
	require.Equal(t, http.StatusOK, resp.Code)

	body := decodeBody(t, resp)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "happy", body["emotion"])
	assert.Equal(t, float64(3), body["class_id"])
	assert.Equal(t, 0.88, body["confidence"])
	assert.NotContains(t, body, "message")

	require.Len(t, predictor.paths, 1)
	assert.Equal(t, []byte("jpeg-bytes"), predictor.contents[0])
	assert.Equal(t, resp.Header().Get(RequestIDKey), predictor.requestID)

	_, err := os.Stat(predictor.paths[0])
	assert.True(t, os.IsNotExist(err), "upload should be removed after the call")
}

func TestPredictMissingImage(t *testing.T) {
	predictor := &stubPredictor{}
	router := newTestRouter(t, predictor, 0)

	resp := postImage(t, router, "photo", []byte("jpeg-bytes"))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, map[string]any{"status": "error", "message": messageNoImage}, decodeBody(t, resp))
	assert.Empty(t, predictor.paths)
}

func TestPredictErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		result  pipeline.Result
		status  int
		message string
	}{
		{"no face", pipeline.Result{State: pipeline.StateRejected}, http.StatusBadRequest, pipeline.MessageNoFace},
		{"unreadable", pipeline.Result{State: pipeline.StateFailed, Err: preprocess.ErrImageUnreadable}, http.StatusBadRequest, pipeline.MessageUnreadable},
		{"model unavailable", pipeline.Result{State: pipeline.StateFailed, Err: model.ErrModelUnavailable}, http.StatusServiceUnavailable, pipeline.MessageModelUnavailable},
		{"other", pipeline.Result{State: pipeline.StateFailed, Err: fmt.Errorf("ort exploded")}, http.StatusInternalServerError, pipeline.MessageFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			predictor := &stubPredictor{result: tc.result}
			resp := postImage(t, newTestRouter(t, predictor, 0), "image", []byte("x"))

			assert.Equal(t, tc.status, resp.Code)
			body := decodeBody(t, resp)
			assert.Equal(t, "error", body["status"])
			assert.Equal(t, tc.message, body["message"])
			assert.NotContains(t, body, "emotion")
			assert.NotContains(t, body, "class_id")
		})
	}
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	predictor := &stubPredictor{}
	router := newTestRouter(t, predictor, 1024)

	resp := postImage(t, router, "image", bytes.Repeat([]byte("a"), 4096))
	assert.Contains(t, []int{http.StatusRequestEntityTooLarge, http.StatusBadRequest}, resp.Code)
	assert.Empty(t, predictor.paths)
}

func TestCORSPreflight(t *testing.T) {
	router := newTestRouter(t, &stubPredictor{}, 0)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodOptions, "/predict", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	router := newTestRouter(t, &stubPredictor{}, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDKey, "client-id-1")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	assert.Equal(t, "client-id-1", resp.Header().Get(RequestIDKey))
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit(1, 2, zap.NewNop()))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	other := httptest.NewRequest(http.MethodGet, "/health", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, other)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestRateLimiterDropsIdleClients(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	limiters := newRateLimiter(1, 2)
	limiters.now = func() time.Time { return clock }
	limiters.lastSweep = clock

	busy := limiters.limiterFor("10.0.0.1")
	for i := 0; i < 100; i++ {
		limiters.limiterFor(fmt.Sprintf("192.168.0.%d", i))
	}
	require.Equal(t, 101, limiters.size())

	clock = clock.Add(limiters.ttl / 2)
	assert.Same(t, busy, limiters.limiterFor("10.0.0.1"))

	clock = clock.Add(limiters.ttl / 2)
	limiters.limiterFor("10.0.0.1")
	assert.Equal(t, 1, limiters.size())
	assert.Same(t, busy, limiters.limiterFor("10.0.0.1"))

	clock = clock.Add(limiters.ttl)
	limiters.limiterFor("10.0.0.2")
	assert.Equal(t, 1, limiters.size())
	assert.NotSame(t, busy, limiters.limiterFor("10.0.0.1"))
}

func TestRateLimiterTTLCoversRefill(t *testing.T) {
	assert.Equal(t, limiterIdleTTL, newRateLimiter(5, 10).ttl)
	assert.Equal(t, 10*time.Minute, newRateLimiter(0.5, 300).ttl)
}

func TestUploadExt(t *testing.T) {
	assert.Equal(t, ".jpg", uploadExt("Face.JPG"))
	assert.Equal(t, ".webp", uploadExt("a.webp"))
	assert.Equal(t, "", uploadExt("noext"))
	assert.Equal(t, "", uploadExt("evil.j/pg"))
	assert.Equal(t, "", uploadExt("weird.sh;rm"))
}
