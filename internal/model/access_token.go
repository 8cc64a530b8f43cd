package model

import "time"

// MaxStyles is the maximum number of distinct styles a token may be used with.
const MaxStyles = 3

// GenerationRecord is one committed generation, appended to a token's history.
type GenerationRecord struct {
	Timestamp   float64  `json:"timestamp"`
	Datetime    string   `json:"datetime"`
	ImageHash   string   `json:"image_hash"`
	Style       string   `json:"style"`
	OutputFiles []string `json:"output_files"`
}

// AccessToken is the unit of authorization, distributed to end users as a QR
// code link. It is persisted as one entry of the flat tokens file, keyed by
// TokenID. Timestamps are epoch seconds to keep the on-disk format stable.
type AccessToken struct {
	TokenID           string             `json:"-"`
	Theme             string             `json:"theme"`
	UsageCount        int                `json:"usage_count"`
	MaxUsageCount     int                `json:"max_usage_count"`
	CreatedAt         float64            `json:"created_at"`
	UsageValidUntil   float64            `json:"usage_valid_until"`
	AccessValidUntil  float64            `json:"access_valid_until"`
	UsedImageHashes   []string           `json:"used_image_hashes"`
	UsedStyles        []string           `json:"used_styles"`
	GenerationRecords []GenerationRecord `json:"generation_records"`
}

// HasUsedImage reports whether the token has already committed the given
// image fingerprint.
func (t *AccessToken) HasUsedImage(imageHash string) bool {
	for _, h := range t.UsedImageHashes {
		if h == imageHash {
			return true
		}
	}
	return false
}

// HasUsedStyle reports whether the token has already generated with the style.
func (t *AccessToken) HasUsedStyle(style string) bool {
	for _, s := range t.UsedStyles {
		if s == style {
			return true
		}
	}
	return false
}

// AddImageHash appends the fingerprint if it is not already committed.
func (t *AccessToken) AddImageHash(imageHash string) {
	if !t.HasUsedImage(imageHash) {
		t.UsedImageHashes = append(t.UsedImageHashes, imageHash)
	}
}

// AddUsedStyle appends the style if it is new and the style cap allows it.
func (t *AccessToken) AddUsedStyle(style string) {
	if !t.HasUsedStyle(style) && len(t.UsedStyles) < MaxStyles {
		t.UsedStyles = append(t.UsedStyles, style)
	}
}

// AddGenerationRecord appends a record and bumps the usage counter. The
// counter only ever moves forward; there is no removal path.
func (t *AccessToken) AddGenerationRecord(record GenerationRecord) {
	t.GenerationRecords = append(t.GenerationRecords, record)
	t.UsageCount++
}

// Clone returns a deep copy so callers can hand out token data without
// exposing the store's live object.
func (t *AccessToken) Clone() *AccessToken {
	c := *t
	c.UsedImageHashes = append([]string(nil), t.UsedImageHashes...)
	c.UsedStyles = append([]string(nil), t.UsedStyles...)
	c.GenerationRecords = make([]GenerationRecord, len(t.GenerationRecords))
	for i, r := range t.GenerationRecords {
		r.OutputFiles = append([]string(nil), r.OutputFiles...)
		c.GenerationRecords[i] = r
	}
	return &c
}

// EpochSeconds converts a time to the float epoch-seconds representation used
// in the tokens file.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
