package models

import "time"

// JournalEntry is a persisted event bus notification.
type JournalEntry struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Token      string    `json:"token,omitempty"`
	OwnerID    string    `json:"owner_id,omitempty"`
	PolicyName string    `json:"policy_name,omitempty"`
	Units      int64     `json:"units"`
	Value      int64     `json:"value"`
	CreatedAt  time.Time `json:"created_at"`
}

// JournalConfig controls the event journal.
type JournalConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	// ExcludeTypes lists event types that are not persisted.
	ExcludeTypes []string `yaml:"exclude_types"`
}

// JournalQueryOpts specifies filters for querying journal entries.
type JournalQueryOpts struct {
	Type    string
	Token   string
	OwnerID string
	Since   time.Time
	Limit   int
}

// JournalStat holds aggregate journal counts for an event type and day.
type JournalStat struct {
	Type  string
	Day   string
	Count int
}
