package admin

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/cache"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/config"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/store"
)

// Handler serves the admin API: batch token creation, token inspection and
// cache maintenance.
type Handler struct {
	store  *store.Store
	cache  cache.Service
	cfg    *config.Config
	logger *slog.Logger
}

// NewHandler creates an admin handler.
func NewHandler(st *store.Store, cacheSvc cache.Service, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		store:  st,
		cache:  cacheSvc,
		cfg:    cfg,
		logger: logger.With("component", "admin"),
	}
}

// CreateTokensRequest is the body of POST /admin/tokens.
type CreateTokensRequest struct {
	Count           int    `json:"count"`
	Theme           string `json:"theme"`
	Prefix          string `json:"prefix"`
	MaxUsageCount   int    `json:"max_usage_count"`
	UsageValidDays  int    `json:"usage_valid_days"`
	AccessValidDays int    `json:"access_valid_days"`
}

// CreateTokensHandler creates a batch of tokens and persists them.
func (h *Handler) CreateTokensHandler(c *gin.Context) {
	var req CreateTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if _, ok := h.cfg.Themes[req.Theme]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown theme: " + req.Theme})
		return
	}

	tokens, err := GenerateBatch(BatchParams{
		Count:           req.Count,
		Theme:           req.Theme,
		Prefix:          req.Prefix,
		MaxUsageCount:   req.MaxUsageCount,
		UsageValidDays:  req.UsageValidDays,
		AccessValidDays: req.AccessValidDays,
	}, time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.BatchAdd(tokens); err != nil {
		h.logger.Error("Failed to persist token batch", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save tokens"})
		return
	}

	type createdToken struct {
		TokenID string `json:"token_id"`
		URL     string `json:"url"`
	}
	created := make([]createdToken, 0, len(tokens))
	for _, token := range tokens {
		created = append(created, createdToken{
			TokenID: token.TokenID,
			URL:     TokenURL(h.cfg.BaseURL, token.TokenID),
		})
	}

	h.logger.Info("Created token batch", "count", len(created), "theme", req.Theme)
	c.JSON(http.StatusOK, gin.H{"tokens": created})
}

// ListTokensHandler returns every token in the store.
func (h *Handler) ListTokensHandler(c *gin.Context) {
	tokens := h.store.Snapshot()
	type listedToken struct {
		TokenID          string  `json:"token_id"`
		Theme            string  `json:"theme"`
		UsageCount       int     `json:"usage_count"`
		MaxUsageCount    int     `json:"max_usage_count"`
		CreatedAt        float64 `json:"created_at"`
		UsageValidUntil  float64 `json:"usage_valid_until"`
		AccessValidUntil float64 `json:"access_valid_until"`
	}
	out := make([]listedToken, 0, len(tokens))
	for _, token := range tokens {
		out = append(out, listedToken{
			TokenID:          token.TokenID,
			Theme:            token.Theme,
			UsageCount:       token.UsageCount,
			MaxUsageCount:    token.MaxUsageCount,
			CreatedAt:        token.CreatedAt,
			UsageValidUntil:  token.UsageValidUntil,
			AccessValidUntil: token.AccessValidUntil,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": out, "count": len(out)})
}

// GetTokenHandler returns the full record of one token.
func (h *Handler) GetTokenHandler(c *gin.Context) {
	token, ok := h.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Token not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token_id": token.TokenID, "token": token})
}

// CacheStatsHandler returns entry counts of the response cache.
func (h *Handler) CacheStatsHandler(c *gin.Context) {
	stats, err := h.cache.Stats()
	if err != nil {
		h.logger.Error("Failed to read cache stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read cache stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ExportCacheHandler returns a full snapshot of the cache for backup.
func (h *Handler) ExportCacheHandler(c *gin.Context) {
	snapshot, err := h.cache.Export()
	if err != nil {
		h.logger.Error("Failed to export cache", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export cache"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// ClearCacheHandler deletes cache entries, all of them or only those older
// than the given number of days.
func (h *Handler) ClearCacheHandler(c *gin.Context) {
	var olderThan *time.Duration
	if raw := c.Query("older_than_days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "older_than_days must be a non-negative integer"})
			return
		}
		age := time.Duration(days) * 24 * time.Hour
		olderThan = &age
	}

	deleted, err := h.cache.Clear(olderThan)
	if err != nil {
		h.logger.Error("Failed to clear cache", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear cache"})
		return
	}
	h.logger.Info("Cleared cache entries", "deleted", deleted)
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
