package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 15, 30, 0, 0, time.UTC)

func TestBatchParamsValidate(t *testing.T) {
	valid := BatchParams{Count: 10, Theme: "ice", MaxUsageCount: 10, UsageValidDays: 2, AccessValidDays: 9}
	assert.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*BatchParams)
	}{
		{"zero count", func(p *BatchParams) { p.Count = 0 }},
		{"count over limit", func(p *BatchParams) { p.Count = 101 }},
		{"missing theme", func(p *BatchParams) { p.Theme = "" }},
		{"zero max usage", func(p *BatchParams) { p.MaxUsageCount = 0 }},
		{"zero usage days", func(p *BatchParams) { p.UsageValidDays = 0 }},
		{"access shorter than usage", func(p *BatchParams) { p.AccessValidDays = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := valid
			tc.mutate(&params)
			assert.Error(t, params.Validate())
		})
	}
}

func TestGenerateBatch(t *testing.T) {
	tokens, err := GenerateBatch(BatchParams{
		Count:           5,
		Theme:           "ice",
		Prefix:          "expo-",
		MaxUsageCount:   10,
		UsageValidDays:  2,
		AccessValidDays: 9,
	}, testNow)
	require.NoError(t, err)
	require.Len(t, tokens, 5)

	seen := make(map[string]bool)
	for _, token := range tokens {
		assert.False(t, seen[token.TokenID], "token ids must be unique")
		seen[token.TokenID] = true
		assert.Contains(t, token.TokenID, "expo-")
		assert.Equal(t, "ice", token.Theme)
		assert.Equal(t, 10, token.MaxUsageCount)
		assert.Equal(t, 0, token.UsageCount)
		assert.NotNil(t, token.UsedImageHashes)
		assert.NotNil(t, token.UsedStyles)
		assert.NotNil(t, token.GenerationRecords)
	}
}

func TestGenerateBatchExpiryAtMidnight(t *testing.T) {
	tokens, err := GenerateBatch(BatchParams{
		Count:           1,
		Theme:           "ice",
		MaxUsageCount:   1,
		UsageValidDays:  2,
		AccessValidDays: 9,
	}, testNow)
	require.NoError(t, err)

	wantUsage := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	wantAccess := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, float64(wantUsage.Unix()), tokens[0].UsageValidUntil)
	assert.Equal(t, float64(wantAccess.Unix()), tokens[0].AccessValidUntil)
}

func TestGenerateBatchRejectsBadParams(t *testing.T) {
	_, err := GenerateBatch(BatchParams{Count: 0, Theme: "ice", MaxUsageCount: 1, UsageValidDays: 1, AccessValidDays: 1}, testNow)
	assert.Error(t, err)
}

func TestTokenURL(t *testing.T) {
	assert.Equal(t, "https://example.com/?token=t-1", TokenURL("https://example.com", "t-1"))
	assert.Equal(t, "https://example.com/?token=t-1", TokenURL("https://example.com/", "t-1"))
}
