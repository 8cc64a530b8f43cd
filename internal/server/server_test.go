package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/auth"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/config"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/model"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/store"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/whisk"
)

// stubGenerator is a canned generation pipeline for handler tests.
type stubGenerator struct {
	captionCalls int
	promptCalls  int
	renderCalls  int
	failCaption  error
	failRender   error
	lastStyle    string
}

func (g *stubGenerator) GenerateCaption(ctx context.Context, image []byte) (string, error) {
	g.captionCalls++
	if g.failCaption != nil {
		return "", g.failCaption
	}
	return "a person in a red coat", nil
}

func (g *stubGenerator) GenerateStoryPrompt(ctx context.Context, captions []string, style whisk.StylePrompts, extra string) (string, error) {
	g.promptCalls++
	g.lastStyle = style.StyleKey
	return "an epic scene in style " + style.StyleKey, nil
}

func (g *stubGenerator) RenderImages(ctx context.Context, prompt, outputPrefix string, count int) ([]string, error) {
	g.renderCalls++
	if g.failRender != nil {
		return nil, g.failRender
	}
	outputs := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		outputs = append(outputs, outputPrefix+"_take"+string(rune('0'+i))+".png")
	}
	return outputs, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Generation: config.GenerationConfig{ImageCount: 2, AspectRatio: "16:9"},
		Themes: map[string]config.ThemeConfig{
			"ice": {
				Name:         "Ice",
				Description:  "Frozen worlds",
				DefaultStyle: "a",
				StylePrompts: map[string]string{
					"a": "prompt a", "b": "prompt b", "c": "prompt c", "d": "prompt d",
				},
			},
		},
	}
}

func testToken(id string, maxUsage int) *model.AccessToken {
	now := time.Now()
	return &model.AccessToken{
		TokenID:           id,
		Theme:             "ice",
		MaxUsageCount:     maxUsage,
		CreatedAt:         model.EpochSeconds(now.Add(-24 * time.Hour)),
		UsageValidUntil:   model.EpochSeconds(now.Add(24 * time.Hour)),
		AccessValidUntil:  model.EpochSeconds(now.Add(7 * 24 * time.Hour)),
		UsedImageHashes:   []string{},
		UsedStyles:        []string{},
		GenerationRecords: []model.GenerationRecord{},
	}
}

func setupTestServer(t *testing.T, tokens ...*model.AccessToken) (*gin.Engine, *stubGenerator) {
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokenStore, err := store.New(filepath.Join(t.TempDir(), "tokens.json"), logger)
	require.NoError(t, err)
	if len(tokens) > 0 {
		require.NoError(t, tokenStore.BatchAdd(tokens))
	}

	engine := auth.NewEngine(tokenStore, logger)
	generator := &stubGenerator{}

	router := gin.New()
	router.Use(Recovery(logger))
	New(engine, generator, testConfig(), logger).Register(router)
	return router, generator
}

func getJSON(t *testing.T, router *gin.Engine, path string) (int, map[string]any) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

// postGenerate uploads a photo through the multipart form the UI sends.
func postGenerate(t *testing.T, router *gin.Engine, token, style string, image []byte) (int, map[string]any) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", "photo.jpg")
	require.NoError(t, err)
	_, err = part.Write(image)
	require.NoError(t, err)
	if style != "" {
		require.NoError(t, writer.WriteField("style", style))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/generate?token="+token, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestSessionHandlerViews(t *testing.T) {
	expired := testToken("t-expired", 3)
	expired.AccessValidUntil = model.EpochSeconds(time.Now().Add(-time.Hour))
	router, _ := setupTestServer(t, testToken("t-1", 3), expired)

	t.Run("no token shows login", func(t *testing.T) {
		code, body := getJSON(t, router, "/api/session")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "login", body["view"])
	})

	t.Run("unknown token shows login", func(t *testing.T) {
		code, body := getJSON(t, router, "/api/session?token=nope")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "login", body["view"])
	})

	t.Run("expired token shows expired", func(t *testing.T) {
		code, body := getJSON(t, router, "/api/session?token=t-expired")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "expired", body["view"])
	})

	t.Run("valid token shows main with stats", func(t *testing.T) {
		code, body := getJSON(t, router, "/api/session?token=t-1")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "main", body["view"])
		assert.Equal(t, "ice", body["theme"])
		assert.Equal(t, "Ice", body["theme_name"])
		assert.NotNil(t, body["stats"])
	})
}

func TestTokenFromHeader(t *testing.T) {
	router, _ := setupTestServer(t, testToken("t-1", 3))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("X-Access-Token", "t-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "main", body["view"])
}

func TestStylesHandler(t *testing.T) {
	router, _ := setupTestServer(t, testToken("t-1", 3))

	code, body := getJSON(t, router, "/api/styles?token=t-1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	styles := body["styles"].(map[string]any)
	assert.Len(t, styles, 4)
	for _, state := range styles {
		assert.Equal(t, "available", state)
	}

	code, body = getJSON(t, router, "/api/styles?token=nope")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, string(auth.ReasonUnknownToken), body["reason"])
}

func TestGenerateHandlerHappyPath(t *testing.T) {
	router, generator := setupTestServer(t, testToken("t-1", 3))

	code, body := postGenerate(t, router, "t-1", "b", []byte("photo bytes"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "b", body["style"])
	assert.Len(t, body["outputs"], 2)
	assert.Equal(t, 1, generator.captionCalls)
	assert.Equal(t, 1, generator.promptCalls)
	assert.Equal(t, 1, generator.renderCalls)

	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(1), stats["usage_count"])

	// The usage shows up in the history, newest first.
	code, body = getJSON(t, router, "/api/history?token=t-1")
	require.Equal(t, http.StatusOK, code)
	history := body["history"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "b", history[0].(map[string]any)["style"])
}

func TestGenerateHandlerDefaultStyle(t *testing.T) {
	router, generator := setupTestServer(t, testToken("t-1", 3))

	code, body := postGenerate(t, router, "t-1", "", []byte("photo bytes"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "a", body["style"])
	assert.Equal(t, "a", generator.lastStyle)
}

func TestGenerateHandlerMissingImage(t *testing.T) {
	router, _ := setupTestServer(t, testToken("t-1", 3))

	req := httptest.NewRequest(http.MethodPost, "/api/generate?token=t-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateHandlerUnknownStyle(t *testing.T) {
	router, generator := setupTestServer(t, testToken("t-1", 3))

	code, body := postGenerate(t, router, "t-1", "zzz", []byte("photo bytes"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "zzz")

	// A typo must not reach the upstream, consume quota or burn a style slot.
	assert.Equal(t, 0, generator.captionCalls)
	_, sessionBody := getJSON(t, router, "/api/session?token=t-1")
	stats := sessionBody["stats"].(map[string]any)
	assert.Equal(t, float64(0), stats["usage_count"])
	assert.Empty(t, stats["used_styles"])
}

func TestGenerateHandlerQuotaExhausted(t *testing.T) {
	router, _ := setupTestServer(t, testToken("t-1", 1))

	code, body := postGenerate(t, router, "t-1", "a", []byte("photo bytes"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ok"])

	code, body = postGenerate(t, router, "t-1", "b", []byte("photo bytes"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, string(auth.ReasonQuotaExhausted), body["reason"])
}

func TestGenerateHandlerImageMismatch(t *testing.T) {
	router, generator := setupTestServer(t, testToken("t-1", 5))

	code, body := postGenerate(t, router, "t-1", "a", []byte("first photo"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["ok"])

	code, body = postGenerate(t, router, "t-1", "b", []byte("different photo"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, string(auth.ReasonImageMismatch), body["reason"])

	// The mismatch is caught before any upstream call is spent.
	assert.Equal(t, 1, generator.captionCalls)
}

func TestGenerateHandlerStyleLimit(t *testing.T) {
	router, _ := setupTestServer(t, testToken("t-1", 10))

	for _, style := range []string{"a", "b", "c"} {
		code, body := postGenerate(t, router, "t-1", style, []byte("photo bytes"))
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, true, body["ok"])
	}

	code, body := postGenerate(t, router, "t-1", "d", []byte("photo bytes"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, string(auth.ReasonStyleLimitReached), body["reason"])

	// A used style can still be regenerated.
	code, body = postGenerate(t, router, "t-1", "b", []byte("photo bytes"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestGenerateHandlerUpstreamFailureNotCharged(t *testing.T) {
	router, generator := setupTestServer(t, testToken("t-1", 3))
	generator.failCaption = errors.New("upstream unavailable")

	code, _ := postGenerate(t, router, "t-1", "a", []byte("photo bytes"))
	assert.Equal(t, http.StatusBadGateway, code)

	// The failed attempt must not consume quota or bind the image.
	_, body := getJSON(t, router, "/api/session?token=t-1")
	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(0), stats["usage_count"])
	assert.Equal(t, false, stats["has_committed_image"])
}

func TestGenerateHandlerRenderFailureNotCharged(t *testing.T) {
	router, generator := setupTestServer(t, testToken("t-1", 3))
	generator.failRender = errors.New("render backend down")

	code, _ := postGenerate(t, router, "t-1", "a", []byte("photo bytes"))
	assert.Equal(t, http.StatusBadGateway, code)

	_, body := getJSON(t, router, "/api/session?token=t-1")
	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(0), stats["usage_count"])
}

func TestHistoryHandlerNewestFirst(t *testing.T) {
	router, _ := setupTestServer(t, testToken("t-1", 5))

	for _, style := range []string{"a", "b", "c"} {
		code, body := postGenerate(t, router, "t-1", style, []byte("photo bytes"))
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, true, body["ok"])
	}

	code, body := getJSON(t, router, "/api/history?token=t-1")
	require.Equal(t, http.StatusOK, code)
	history := body["history"].([]any)
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].(map[string]any)["style"])
	assert.Equal(t, "a", history[2].(map[string]any)["style"])
}
