package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OtokoNoIzumi/Project-QRRag/internal/model"
)

// BatchParams describes one batch of tokens to create.
type BatchParams struct {
	Count           int
	Theme           string
	Prefix          string
	MaxUsageCount   int
	UsageValidDays  int
	AccessValidDays int
}

// Validate checks the batch parameters against the allowed ranges.
func (p *BatchParams) Validate() error {
	if p.Count < 1 || p.Count > 100 {
		return fmt.Errorf("count must be between 1 and 100")
	}
	if p.Theme == "" {
		return fmt.Errorf("theme is required")
	}
	if p.MaxUsageCount < 1 {
		return fmt.Errorf("max usage count must be at least 1")
	}
	if p.UsageValidDays < 1 || p.AccessValidDays < p.UsageValidDays {
		return fmt.Errorf("access validity must be at least as long as usage validity")
	}
	return nil
}

// GenerateBatch creates a batch of fresh tokens. Validity windows end at
// midnight after the configured number of days, so every token printed on
// the same poster run expires together.
func GenerateBatch(params BatchParams, now time.Time) ([]*model.AccessToken, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	usageValidUntil := midnightAfter(now, params.UsageValidDays)
	accessValidUntil := midnightAfter(now, params.AccessValidDays)

	tokens := make([]*model.AccessToken, 0, params.Count)
	for i := 0; i < params.Count; i++ {
		suffix := strings.Split(uuid.NewString(), "-")[0]
		tokens = append(tokens, &model.AccessToken{
			TokenID:           fmt.Sprintf("%s%d-%s", params.Prefix, now.Unix()+int64(i), suffix),
			Theme:             params.Theme,
			MaxUsageCount:     params.MaxUsageCount,
			CreatedAt:         model.EpochSeconds(now),
			UsageValidUntil:   model.EpochSeconds(usageValidUntil),
			AccessValidUntil:  model.EpochSeconds(accessValidUntil),
			UsedImageHashes:   []string{},
			UsedStyles:        []string{},
			GenerationRecords: []model.GenerationRecord{},
		})
	}
	return tokens, nil
}

func midnightAfter(now time.Time, days int) time.Time {
	target := now.AddDate(0, 0, days)
	return time.Date(target.Year(), target.Month(), target.Day(), 0, 0, 0, 0, target.Location())
}

// TokenURL renders the link encoded into a token's QR code.
func TokenURL(baseURL, tokenID string) string {
	return strings.TrimRight(baseURL, "/") + "/?token=" + tokenID
}
