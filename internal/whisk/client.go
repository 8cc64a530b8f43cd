// Package whisk wraps the upstream image-generation backend with the
// response cache, making the expensive calls idempotent and cheap to retry.
package whisk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/cache"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/config"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/fingerprint"
)

// StylePrompts carries the theme-specific prompt fragments for one request.
type StylePrompts struct {
	StyleKey       string
	StylePrompt    string
	LocationPrompt string
	PosePrompt     string
}

// Client generates captions, story prompts and final images. Every caption
// and prompt call consults the cache first and writes through after;
// concurrent identical calls collapse into one upstream request.
type Client struct {
	upstream    Upstream
	cache       cache.Service
	logger      *slog.Logger
	group       singleflight.Group
	outputDir   string
	aspectRatio string
}

// NewClient builds a client over the Gemini backend.
func NewClient(ctx context.Context, cfg *config.Config, cacheSvc cache.Service, logger *slog.Logger) (*Client, error) {
	upstream, err := newGeminiUpstream(ctx, cfg.Upstream)
	if err != nil {
		return nil, err
	}
	return newClient(upstream, cfg, cacheSvc, logger), nil
}

// newClient is the internal constructor that allows a custom upstream,
// making the caching behavior testable.
func newClient(upstream Upstream, cfg *config.Config, cacheSvc cache.Service, logger *slog.Logger) *Client {
	return &Client{
		upstream:    upstream,
		cache:       cacheSvc,
		logger:      logger.With("component", "whisk"),
		outputDir:   cfg.Storage.OutputDir,
		aspectRatio: cfg.Generation.AspectRatio,
	}
}

// GenerateCaption returns a caption for the image, from cache when the same
// payload has been captioned before.
func (c *Client) GenerateCaption(ctx context.Context, image []byte) (string, error) {
	key := fingerprint.Bytes(image)

	caption, ok, err := c.cache.GetCaption(key)
	if err != nil {
		c.logger.Warn("Caption cache read failed, falling through to upstream", "error", err)
	} else if ok {
		c.logger.Debug("Caption cache hit", "key", key[:8])
		return caption, nil
	}

	result, err, _ := c.group.Do("caption:"+key, func() (interface{}, error) {
		caption, err := c.upstream.Caption(ctx, image)
		if err != nil {
			return nil, err
		}
		if err := c.cache.PutCaption(key, caption); err != nil {
			c.logger.Warn("Failed to cache caption", "key", key[:8], "error", err)
		}
		return caption, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// GenerateStoryPrompt returns the final generation prompt for the captions,
// style and extra text, from cache when the same tuple was built before.
func (c *Client) GenerateStoryPrompt(ctx context.Context, captions []string, style StylePrompts, extra string) (string, error) {
	key := fingerprint.Composite(strings.Join(captions, "\n"), style.StyleKey, extra)

	prompt, ok, err := c.cache.GetPrompt(key)
	if err != nil {
		c.logger.Warn("Prompt cache read failed, falling through to upstream", "error", err)
	} else if ok {
		c.logger.Debug("Prompt cache hit", "key", key[:8])
		return prompt, nil
	}

	result, err, _ := c.group.Do("prompt:"+key, func() (interface{}, error) {
		prompt, err := c.upstream.StoryPrompt(ctx, storyInstruction(captions, style, extra))
		if err != nil {
			return nil, err
		}
		if err := c.cache.PutPrompt(key, prompt); err != nil {
			c.logger.Warn("Failed to cache prompt", "key", key[:8], "error", err)
		}
		return prompt, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// storyInstruction assembles the upstream instruction for the story board
// prompt from the theme fragments.
func storyInstruction(captions []string, style StylePrompts, extra string) string {
	var b strings.Builder
	b.WriteString("Write a single vivid image generation prompt combining the following.\n")
	b.WriteString("Characters:\n")
	for _, caption := range captions {
		b.WriteString("- ")
		b.WriteString(caption)
		b.WriteString("\n")
	}
	if style.StylePrompt != "" {
		b.WriteString("Style: " + style.StylePrompt + "\n")
	}
	if style.LocationPrompt != "" {
		b.WriteString("Location: " + style.LocationPrompt + "\n")
	}
	if style.PosePrompt != "" {
		b.WriteString("Pose: " + style.PosePrompt + "\n")
	}
	if extra != "" {
		b.WriteString("Additional notes: " + extra + "\n")
	}
	b.WriteString("Respond with the prompt only.")
	return b.String()
}

// RenderImages renders the prompt and writes each result under the output
// directory with the given prefix, returning the file paths.
func (c *Client) RenderImages(ctx context.Context, prompt, outputPrefix string, count int) ([]string, error) {
	images, err := c.upstream.Render(ctx, prompt, c.aspectRatio, count)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	paths := make([]string, 0, len(images))
	for i, img := range images {
		path := filepath.Join(c.outputDir, fmt.Sprintf("%s_take%d.png", outputPrefix, i+1))
		if err := os.WriteFile(path, img, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write rendered image: %w", err)
		}
		paths = append(paths, path)
	}
	c.logger.Info("Rendered images", "count", len(paths), "prefix", outputPrefix)
	return paths, nil
}

// Close releases the upstream client.
func (c *Client) Close() error {
	return c.upstream.Close()
}
