package config

import "time"

// RetentionConfig controls background cleanup of historical data.
type RetentionConfig struct {
	// RunRetentionDays is how long terminal runs (and their stages, paths,
	// and detection sessions, via cascade) are kept.
	RunRetentionDays int

	// RawResponseTTL is how long raw response reference rows are kept.
	RawResponseTTL time.Duration

	// CleanupInterval is how often the cleanup loop fires.
	CleanupInterval time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		RunRetentionDays: 90,
		RawResponseTTL:   7 * 24 * time.Hour,
		CleanupInterval:  6 * time.Hour,
	}
}
