// Package auth implements the token accounting engine: it decides whether a
// request is allowed for a given access token and durably records the
// consequences of allowing it.
package auth

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/model"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/policy"
	"github.com/OtokoNoIzumi/Project-QRRag/internal/store"
)

// StyleState is the availability of one style for one token.
type StyleState int

const (
	// StyleUnavailable means the style cannot be selected anymore.
	StyleUnavailable StyleState = iota
	// StyleAvailable means the style can be selected but has not been used.
	StyleAvailable
	// StyleUsed means the token has already generated with this style.
	StyleUsed
)

func (s StyleState) String() string {
	switch s {
	case StyleUsed:
		return "used"
	case StyleAvailable:
		return "available"
	default:
		return "unavailable"
	}
}

// MarshalJSON renders the state as its string form for API responses.
func (s StyleState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// TokenStats summarizes a token for display.
type TokenStats struct {
	Theme             string   `json:"theme"`
	UsageCount        int      `json:"usage_count"`
	MaxUsageCount     int      `json:"max_usage_count"`
	UsageRemaining    int      `json:"usage_remaining"`
	AccessValid       bool     `json:"access_valid"`
	UsageValid        bool     `json:"usage_valid"`
	UsageValidUntil   float64  `json:"usage_valid_until"`
	AccessValidUntil  float64  `json:"access_valid_until"`
	UsedStyles        []string `json:"used_styles"`
	HasCommittedImage bool     `json:"has_committed_image"`
}

// Engine validates tokens against requested operations and records
// committed usage. Check-then-record runs as one atomic unit per token id;
// different tokens proceed fully in parallel.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an engine over the given token store.
func NewEngine(st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		logger: logger.With("component", "auth"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// tokenLock returns the mutex serializing operations on one token id.
func (e *Engine) tokenLock(tokenID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[tokenID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[tokenID] = lock
	}
	return lock
}

// refresh picks up tokens appended by the admin tool while the service is
// running. A failed check is logged, not fatal; the in-memory set stays.
func (e *Engine) refresh() {
	if err := e.store.Reload(); err != nil {
		e.logger.Warn("Failed to check tokens file for changes", "error", err)
	}
}

// ValidateToken gates viewing the service at all. It returns a copy of the
// token, or a typed rejection.
func (e *Engine) ValidateToken(tokenID string) (*model.AccessToken, error) {
	e.refresh()
	return e.validateLocked(tokenID)
}

func (e *Engine) validateLocked(tokenID string) (*model.AccessToken, error) {
	token, ok := e.store.Get(tokenID)
	if !ok {
		return nil, reject(ReasonUnknownToken)
	}
	if !policy.IsAccessValid(token, e.now()) {
		return nil, reject(ReasonAccessExpired)
	}
	return token, nil
}

// CanGenerateImage gates generation. Quota exhaustion is reported over
// window expiry when both hold; the quota message is the actionable one.
func (e *Engine) CanGenerateImage(tokenID string) (*model.AccessToken, error) {
	e.refresh()
	return e.canGenerateLocked(tokenID)
}

func (e *Engine) canGenerateLocked(tokenID string) (*model.AccessToken, error) {
	token, err := e.validateLocked(tokenID)
	if err != nil {
		return nil, err
	}
	if !policy.IsUsageValid(token, e.now()) {
		if policy.IsQuotaExhausted(token) {
			return token, reject(ReasonQuotaExhausted)
		}
		return token, reject(ReasonUsageExpired)
	}
	return token, nil
}

// ValidateImageIdentity rejects a fingerprint that differs from the token's
// committed image.
func (e *Engine) ValidateImageIdentity(tokenID, imageHash string) error {
	e.refresh()
	token, err := e.validateLocked(tokenID)
	if err != nil {
		return err
	}
	if !policy.AcceptsImage(token, imageHash) {
		return reject(ReasonImageMismatch)
	}
	return nil
}

// RecordUsage commits one generation: it re-validates everything under the
// token's lock, applies the mutation as a unit, and persists it. The usage
// is committed only once the save succeeds; on a storage fault the
// in-memory delta is discarded by re-reading the file, never re-applied.
func (e *Engine) RecordUsage(tokenID, imageHash, style string, outputFiles []string) (*model.AccessToken, error) {
	lock := e.tokenLock(tokenID)
	lock.Lock()
	defer lock.Unlock()

	e.refresh()

	if _, err := e.canGenerateLocked(tokenID); err != nil {
		return nil, err
	}

	token, ok := e.store.Get(tokenID)
	if !ok {
		return nil, reject(ReasonUnknownToken)
	}
	if !policy.AcceptsImage(token, imageHash) {
		return nil, reject(ReasonImageMismatch)
	}
	if !token.HasUsedStyle(style) && !policy.CanUseMoreStyles(token) {
		return nil, reject(ReasonStyleLimitReached)
	}

	now := e.now()
	token.AddImageHash(imageHash)
	token.AddUsedStyle(style)
	token.AddGenerationRecord(model.GenerationRecord{
		Timestamp:   model.EpochSeconds(now),
		Datetime:    now.Format("2006-01-02 15:04:05"),
		ImageHash:   imageHash,
		Style:       style,
		OutputFiles: outputFiles,
	})

	if err := e.store.UpsertAndSave(token); err != nil {
		e.logger.Error("Failed to persist usage record", "token_id", tokenID, "error", err)
		if loadErr := e.store.Load(); loadErr != nil {
			e.logger.Error("Failed to re-read tokens file after failed save", "error", loadErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreFault, err)
	}

	e.logger.Info("Recorded usage",
		"token_id", tokenID,
		"style", style,
		"usage_count", token.UsageCount,
		"max_usage_count", token.MaxUsageCount,
	)
	return token.Clone(), nil
}

// GetAvailableStyles classifies every style for a token. With no committed
// image yet every style is available; an unknown or expired token sees all
// styles unavailable.
func (e *Engine) GetAvailableStyles(tokenID string, allStyles []string) map[string]StyleState {
	e.refresh()

	result := make(map[string]StyleState, len(allStyles))
	token, err := e.validateLocked(tokenID)
	if err != nil {
		for _, style := range allStyles {
			result[style] = StyleUnavailable
		}
		return result
	}

	if len(token.UsedImageHashes) == 0 {
		for _, style := range allStyles {
			result[style] = StyleAvailable
		}
		return result
	}

	for _, style := range allStyles {
		switch {
		case token.HasUsedStyle(style):
			result[style] = StyleUsed
		case policy.CanUseMoreStyles(token):
			result[style] = StyleAvailable
		default:
			result[style] = StyleUnavailable
		}
	}
	return result
}

// GetTokenStats returns display statistics. Unknown tokens yield zero
// stats rather than an error; the caller already treats them as invalid.
func (e *Engine) GetTokenStats(tokenID string) *TokenStats {
	e.refresh()

	token, ok := e.store.Get(tokenID)
	if !ok {
		return &TokenStats{UsedStyles: []string{}}
	}

	now := e.now()
	remaining := token.MaxUsageCount - token.UsageCount
	if remaining < 0 {
		remaining = 0
	}
	return &TokenStats{
		Theme:             token.Theme,
		UsageCount:        token.UsageCount,
		MaxUsageCount:     token.MaxUsageCount,
		UsageRemaining:    remaining,
		AccessValid:       policy.IsAccessValid(token, now),
		UsageValid:        policy.IsUsageValid(token, now),
		UsageValidUntil:   token.UsageValidUntil,
		AccessValidUntil:  token.AccessValidUntil,
		UsedStyles:        append([]string{}, token.UsedStyles...),
		HasCommittedImage: len(token.UsedImageHashes) > 0,
	}
}
