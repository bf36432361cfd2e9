/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package models defines the persisted schema: the media backlog and the
// date-keyed watch-progress ledger.
package models

import "time"

// BacklogItem persists a queued media source with its last-known title
// and kind so the UI can render the list without re-resolving anything.
type BacklogItem struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	SourceRef    string `gorm:"uniqueIndex"`
	CanonicalRef string `gorm:"index"`
	Kind         string `gorm:"type:varchar(16)"`
	Title        string
	SortOrder    int `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProgressDay aggregates one ISO calendar date of watching.
type ProgressDay struct {
	Date         string `gorm:"type:varchar(10);primaryKey"`
	TotalSeconds float64
	TriggerCount int
	SkipCount    int
	UpdatedAt    time.Time
}

// ProgressPosition stores the last known playback position of one item on
// one day. Finished marks completion past the configured percentage; a
// finished row's Seconds value is meaningless.
type ProgressPosition struct {
	Date         string `gorm:"type:varchar(10);primaryKey"`
	CanonicalRef string `gorm:"primaryKey;index"`
	Seconds      float64
	Finished     bool
	UpdatedAt    time.Time
}

// All lists every model for migration.
func All() []any {
	return []any{
		&BacklogItem{},
		&ProgressDay{},
		&ProgressPosition{},
	}
}
