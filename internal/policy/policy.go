// Package policy holds the pure decision rules consulted by the accounting
// engine. Nothing here touches I/O or the clock; callers pass time in.
package policy

import (
	"time"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/model"
)

// IsAccessValid reports whether the token may still be viewed.
func IsAccessValid(t *model.AccessToken, now time.Time) bool {
	return model.EpochSeconds(now) < t.AccessValidUntil
}

// IsUsageValid reports whether the token may still generate images: the
// usage window must be open and quota must remain.
func IsUsageValid(t *model.AccessToken, now time.Time) bool {
	return model.EpochSeconds(now) < t.UsageValidUntil &&
		t.UsageCount < t.MaxUsageCount
}

// IsQuotaExhausted reports whether the usage ceiling has been reached.
func IsQuotaExhausted(t *model.AccessToken) bool {
	return t.UsageCount >= t.MaxUsageCount
}

// CanUseMoreStyles reports whether the token may commit a new style.
func CanUseMoreStyles(t *model.AccessToken) bool {
	return len(t.UsedStyles) < model.MaxStyles
}

// AcceptsImage reports whether the fingerprint is compatible with the
// token's committed image: any image before first use, then only the same
// one for the rest of the token's life.
func AcceptsImage(t *model.AccessToken, imageHash string) bool {
	if len(t.UsedImageHashes) == 0 {
		return true
	}
	return t.HasUsedImage(imageHash)
}
