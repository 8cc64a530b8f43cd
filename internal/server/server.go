// Package server exposes the token-gated public API consumed by the web UI.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/auth"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/config"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/fingerprint"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/whisk"
)

// Generator is the generation pipeline consumed by the server.
// This allows for mocking in tests and decouples the handlers from the
// concrete whisk client.
type Generator interface {
	GenerateCaption(ctx context.Context, image []byte) (string, error)
	GenerateStoryPrompt(ctx context.Context, captions []string, style whisk.StylePrompts, extra string) (string, error)
	RenderImages(ctx context.Context, prompt, outputPrefix string, count int) ([]string, error)
}

// Server wires the accounting engine and the generation pipeline to HTTP.
type Server struct {
	engine    *auth.Engine
	generator Generator
	cfg       *config.Config
	logger    *slog.Logger
}

// New creates a server.
func New(engine *auth.Engine, generator Generator, cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{
		engine:    engine,
		generator: generator,
		cfg:       cfg,
		logger:    logger.With("component", "server"),
	}
}

// Register adds the public API routes.
func (s *Server) Register(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/session", s.SessionHandler)
	api.GET("/styles", s.StylesHandler)
	api.GET("/history", s.HistoryHandler)
	api.POST("/generate", s.GenerateHandler)
}

// Recovery is a middleware that recovers from panics and handles
// http.ErrAbortHandler gracefully.
func Recovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// tokenFromRequest extracts the access token from the query string (the QR
// link format) or from a header for programmatic callers.
func tokenFromRequest(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	return c.GetHeader("X-Access-Token")
}

// rejection renders a typed rejection as an ordinary response: these are
// user-facing states that drive UI messaging, not errors.
func rejection(c *gin.Context, err error) bool {
	var rejectErr *auth.Error
	if !errors.As(err, &rejectErr) {
		return false
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":      false,
		"reason":  rejectErr.Reason,
		"message": rejectErr.Message(),
	})
	return true
}

// SessionHandler validates the token and tells the UI which of the three
// screens to show: login, main or expired.
func (s *Server) SessionHandler(c *gin.Context) {
	tokenID := tokenFromRequest(c)
	if tokenID == "" {
		c.JSON(http.StatusOK, gin.H{
			"view":    "login",
			"message": "Scan your access pass QR code to start creating",
		})
		return
	}

	token, err := s.engine.ValidateToken(tokenID)
	if err != nil {
		var rejectErr *auth.Error
		if !errors.As(err, &rejectErr) {
			s.logger.Error("Token validation failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return
		}
		if rejectErr.Reason == auth.ReasonAccessExpired {
			c.JSON(http.StatusOK, gin.H{
				"view":    "expired",
				"message": "Your access pass has expired, thank you for creating with us",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"view":    "login",
			"message": rejectErr.Message(),
		})
		return
	}

	theme := s.cfg.Themes[token.Theme]
	c.JSON(http.StatusOK, gin.H{
		"view":              "main",
		"token":             tokenID,
		"theme":             token.Theme,
		"theme_name":        theme.Name,
		"theme_description": theme.Description,
		"stats":             s.engine.GetTokenStats(tokenID),
	})
}

// StylesHandler returns the tri-state availability of every style of the
// token's theme.
func (s *Server) StylesHandler(c *gin.Context) {
	tokenID := tokenFromRequest(c)
	token, err := s.engine.ValidateToken(tokenID)
	if err != nil {
		if rejection(c, err) {
			return
		}
		s.logger.Error("Token validation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	styles := s.engine.GetAvailableStyles(tokenID, s.cfg.Styles(token.Theme))
	c.JSON(http.StatusOK, gin.H{"ok": true, "styles": styles})
}

// HistoryHandler returns the token's generation history, newest first.
func (s *Server) HistoryHandler(c *gin.Context) {
	tokenID := tokenFromRequest(c)
	token, err := s.engine.ValidateToken(tokenID)
	if err != nil {
		if rejection(c, err) {
			return
		}
		s.logger.Error("Token validation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	type historyItem struct {
		Datetime    string   `json:"datetime"`
		Style       string   `json:"style"`
		OutputFiles []string `json:"output_files"`
	}
	history := make([]historyItem, 0, len(token.GenerationRecords))
	for i := len(token.GenerationRecords) - 1; i >= 0; i-- {
		record := token.GenerationRecords[i]
		history = append(history, historyItem{
			Datetime:    record.Datetime,
			Style:       record.Style,
			OutputFiles: record.OutputFiles,
		})
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "history": history})
}

// GenerateHandler runs the full pipeline: gate the token, fingerprint the
// photo, check image identity, generate, then record the usage. Upstream
// calls happen outside the accounting critical section; only RecordUsage
// commits anything.
func (s *Server) GenerateHandler(c *gin.Context) {
	tokenID := tokenFromRequest(c)
	if tokenID == "" {
		tokenID = c.PostForm("token")
	}

	token, err := s.engine.CanGenerateImage(tokenID)
	if err != nil {
		if rejection(c, err) {
			return
		}
		s.logger.Error("Generation gate failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Upload a photo before creating"})
		return
	}
	upload, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded photo"})
		return
	}
	image, err := io.ReadAll(upload)
	upload.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read uploaded photo"})
		return
	}

	imageHash := fingerprint.Bytes(image)
	if err := s.engine.ValidateImageIdentity(tokenID, imageHash); err != nil {
		if rejection(c, err) {
			return
		}
		s.logger.Error("Image identity check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	theme := s.cfg.Themes[token.Theme]
	styleKey, err := s.resolveStyle(tokenID, token.Theme, c.PostForm("style"))
	if err != nil {
		if rejection(c, err) {
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	caption, err := s.generator.GenerateCaption(ctx, image)
	if err != nil {
		s.logger.Error("Caption generation failed", "token_id", tokenID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Caption generation failed, please retry"})
		return
	}

	prompt, err := s.generator.GenerateStoryPrompt(ctx, []string{caption}, whisk.StylePrompts{
		StyleKey:       styleKey,
		StylePrompt:    theme.StylePrompts[styleKey],
		LocationPrompt: theme.LocationPrompt,
		PosePrompt:     theme.PosePrompt,
	}, "")
	if err != nil {
		s.logger.Error("Prompt generation failed", "token_id", tokenID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Prompt generation failed, please retry"})
		return
	}

	outputPrefix := tokenID + "_" + time.Now().Format("20060102_150405")
	outputs, err := s.generator.RenderImages(ctx, prompt, outputPrefix, s.cfg.Generation.ImageCount)
	if err != nil {
		s.logger.Error("Image rendering failed", "token_id", tokenID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Image rendering failed, please retry"})
		return
	}

	if _, err := s.engine.RecordUsage(tokenID, imageHash, styleKey, outputs); err != nil {
		if rejection(c, err) {
			return
		}
		// The images exist but the usage is not committed; surface the
		// fault so the caller can retry or alert.
		s.logger.Error("Failed to record usage", "token_id", tokenID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record usage, result not committed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"style":   styleKey,
		"outputs": outputs,
		"stats":   s.engine.GetTokenStats(tokenID),
	})
}

// resolveStyle picks the requested style, falling back to the theme default
// when none was chosen, and rejects styles the token can no longer use.
// A style key the theme does not define is rejected outright; it would
// otherwise generate with an empty prompt and burn a style slot.
func (s *Server) resolveStyle(tokenID, themeKey, requested string) (string, error) {
	theme := s.cfg.Themes[themeKey]

	if requested != "" {
		if _, ok := theme.StylePrompts[requested]; !ok {
			return "", fmt.Errorf("unknown style %q", requested)
		}
	}

	styleKey := requested
	if styleKey == "" {
		styleKey = theme.DefaultStyle
	}
	if styleKey == "" {
		for style := range theme.StylePrompts {
			styleKey = style
			break
		}
	}
	if styleKey == "" {
		return "", &configError{"no styles configured for theme " + themeKey}
	}

	states := s.engine.GetAvailableStyles(tokenID, s.cfg.Styles(themeKey))
	if state, ok := states[styleKey]; ok && state == auth.StyleUnavailable {
		return "", &auth.Error{Reason: auth.ReasonStyleLimitReached}
	}
	return styleKey, nil
}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }
