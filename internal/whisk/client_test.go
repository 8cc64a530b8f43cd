package whisk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/cache"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/config"
)

// fakeUpstream counts calls and returns canned results.
type fakeUpstream struct {
	captionCalls int32
	promptCalls  int32
	renderCalls  int32
	captionErr   error
	lastPrompt   string
}

func (f *fakeUpstream) Caption(ctx context.Context, image []byte) (string, error) {
	atomic.AddInt32(&f.captionCalls, 1)
	if f.captionErr != nil {
		return "", f.captionErr
	}
	return "a person in a red coat", nil
}

func (f *fakeUpstream) StoryPrompt(ctx context.Context, instruction string) (string, error) {
	atomic.AddInt32(&f.promptCalls, 1)
	f.lastPrompt = instruction
	return "an epic scene", nil
}

func (f *fakeUpstream) Render(ctx context.Context, prompt, aspectRatio string, count int) ([][]byte, error) {
	atomic.AddInt32(&f.renderCalls, 1)
	images := make([][]byte, count)
	for i := range images {
		images[i] = []byte("png bytes")
	}
	return images, nil
}

func (f *fakeUpstream) Close() error { return nil }

func setupTestClient(t *testing.T) (*Client, *fakeUpstream, cache.Service) {
	cacheSvc, err := cache.NewService(config.DatabaseConfig{Type: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)

	upstream := &fakeUpstream{}
	cfg := &config.Config{
		Storage:    config.StorageConfig{OutputDir: t.TempDir()},
		Generation: config.GenerationConfig{ImageCount: 2, AspectRatio: "16:9"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newClient(upstream, cfg, cacheSvc, logger), upstream, cacheSvc
}

func TestGenerateCaptionCached(t *testing.T) {
	client, upstream, _ := setupTestClient(t)
	ctx := context.Background()
	image := []byte("photo bytes")

	caption, err := client.GenerateCaption(ctx, image)
	require.NoError(t, err)
	assert.Equal(t, "a person in a red coat", caption)
	assert.Equal(t, int32(1), upstream.captionCalls)

	// Same payload again must be served from the cache.
	caption, err = client.GenerateCaption(ctx, image)
	require.NoError(t, err)
	assert.Equal(t, "a person in a red coat", caption)
	assert.Equal(t, int32(1), upstream.captionCalls)

	// A different payload reaches the upstream.
	_, err = client.GenerateCaption(ctx, []byte("other photo"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), upstream.captionCalls)
}

func TestGenerateCaptionUpstreamError(t *testing.T) {
	client, upstream, cacheSvc := setupTestClient(t)
	upstream.captionErr = errors.New("upstream unavailable")

	_, err := client.GenerateCaption(context.Background(), []byte("photo bytes"))
	assert.Error(t, err)

	// A failed call must not poison the cache.
	stats, err := cacheSvc.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.CaptionCount)

	// After the upstream recovers the same payload succeeds.
	upstream.captionErr = nil
	caption, err := client.GenerateCaption(context.Background(), []byte("photo bytes"))
	require.NoError(t, err)
	assert.Equal(t, "a person in a red coat", caption)
}

func TestGenerateStoryPromptCached(t *testing.T) {
	client, upstream, _ := setupTestClient(t)
	ctx := context.Background()
	style := StylePrompts{StyleKey: "a", StylePrompt: "prompt a", LocationPrompt: "on a glacier"}

	prompt, err := client.GenerateStoryPrompt(ctx, []string{"caption one"}, style, "")
	require.NoError(t, err)
	assert.Equal(t, "an epic scene", prompt)
	assert.Equal(t, int32(1), upstream.promptCalls)
	assert.Contains(t, upstream.lastPrompt, "caption one")
	assert.Contains(t, upstream.lastPrompt, "prompt a")
	assert.Contains(t, upstream.lastPrompt, "on a glacier")

	_, err = client.GenerateStoryPrompt(ctx, []string{"caption one"}, style, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), upstream.promptCalls)

	// Changing any part of the tuple is a different cache key.
	_, err = client.GenerateStoryPrompt(ctx, []string{"caption one"}, StylePrompts{StyleKey: "b"}, "")
	require.NoError(t, err)
	_, err = client.GenerateStoryPrompt(ctx, []string{"caption one"}, style, "make it snow")
	require.NoError(t, err)
	assert.Equal(t, int32(3), upstream.promptCalls)
}

func TestRenderImagesWritesFiles(t *testing.T) {
	client, upstream, _ := setupTestClient(t)

	paths, err := client.RenderImages(context.Background(), "an epic scene", "t-1_20250601_120000", 2)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, int32(1), upstream.renderCalls)

	for i, path := range paths {
		assert.Equal(t, "t-1_20250601_120000_take"+string(rune('1'+i))+".png", filepath.Base(path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, []byte("png bytes"), data)
	}
}
