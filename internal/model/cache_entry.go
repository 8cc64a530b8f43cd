package model

import "time"

// CaptionEntry is a memoized upstream caption, keyed by the fingerprint of
// the image payload. Rows are insert-only; a key is never rewritten.
type CaptionEntry struct {
	Key       string    `gorm:"primaryKey;type:varchar(64)"`
	Caption   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName keeps the table name of the original cache database.
func (CaptionEntry) TableName() string { return "caption_cache" }

// PromptEntry is a memoized story prompt, keyed by the fingerprint of the
// (captions, style, extra text) tuple. Insert-only, like CaptionEntry.
type PromptEntry struct {
	Key       string    `gorm:"primaryKey;type:varchar(64)"`
	Prompt    string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName keeps the table name of the original cache database.
func (PromptEntry) TableName() string { return "prompt_cache" }
