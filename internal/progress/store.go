/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package progress persists the per-day watch ledger: resume positions,
// finished markers, and accumulated session totals.
package progress

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/vidar_player/internal/models"
)

const dateLayout = "2006-01-02"

// StatusKind classifies the result of a progress lookup.
type StatusKind int

const (
	// StatusNone means the item has never been recorded.
	StatusNone StatusKind = iota
	// StatusFinished means the item was watched past the completion threshold.
	StatusFinished
	// StatusPosition means a numeric resume position is known.
	StatusPosition
)

// Status is the outcome of LookupStatus. Seconds is only meaningful for
// StatusPosition.
type Status struct {
	Kind    StatusKind
	Seconds float64
}

// Finished reports whether the status is the finished sentinel.
func (s Status) Finished() bool { return s.Kind == StatusFinished }

// Store is the gorm-backed progress ledger.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a progress store.
func NewStore(database *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     database,
		logger: logger.With().Str("component", "progress").Logger(),
		now:    time.Now,
	}
}

func (s *Store) today() string {
	return s.now().Format(dateLayout)
}

// RecordPosition stores a numeric resume position for the item under
// today's date, superseding any earlier position from the same day.
func (s *Store) RecordPosition(ctx context.Context, canonicalRef string, seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	return s.upsertPosition(ctx, canonicalRef, seconds, false)
}

// RecordFinished stores the finished sentinel for the item under today's
// date. Finished is distinct from any numeric position.
func (s *Store) RecordFinished(ctx context.Context, canonicalRef string) error {
	return s.upsertPosition(ctx, canonicalRef, 0, true)
}

func (s *Store) upsertPosition(ctx context.Context, canonicalRef string, seconds float64, finished bool) error {
	date := s.today()
	var row models.ProgressPosition
	err := s.db.WithContext(ctx).
		Where("date = ? AND canonical_ref = ?", date, canonicalRef).
		First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = models.ProgressPosition{Date: date, CanonicalRef: canonicalRef, Seconds: seconds, Finished: finished}
		return s.db.WithContext(ctx).Create(&row).Error
	case err != nil:
		return err
	}
	row.Seconds = seconds
	row.Finished = finished
	return s.db.WithContext(ctx).Save(&row).Error
}

// LookupStatus scans date buckets newest-first and returns the first
// recorded state for the item; more recent viewing supersedes older
// partial positions. Absence means never recorded.
func (s *Store) LookupStatus(ctx context.Context, canonicalRef string) (Status, error) {
	var row models.ProgressPosition
	err := s.db.WithContext(ctx).
		Where("canonical_ref = ?", canonicalRef).
		Order("date DESC").
		First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Status{Kind: StatusNone}, nil
	case err != nil:
		return Status{Kind: StatusNone}, err
	}
	if row.Finished {
		return Status{Kind: StatusFinished}, nil
	}
	return Status{Kind: StatusPosition, Seconds: row.Seconds}, nil
}

// MarkUnwatched deletes every stored position for the item across all
// dates, returning it to the never-recorded state.
func (s *Store) MarkUnwatched(ctx context.Context, canonicalRef string) error {
	return s.db.WithContext(ctx).
		Where("canonical_ref = ?", canonicalRef).
		Delete(&models.ProgressPosition{}).Error
}

// AccumulateSession adds watched seconds and trigger/skip counts to
// today's aggregate bucket.
func (s *Store) AccumulateSession(ctx context.Context, seconds float64, triggered, skipped bool) error {
	date := s.today()
	var day models.ProgressDay
	err := s.db.WithContext(ctx).Where("date = ?", date).First(&day).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		day = models.ProgressDay{Date: date}
		err = nil
	}
	if err != nil {
		return err
	}

	day.TotalSeconds += seconds
	if triggered {
		day.TriggerCount++
	}
	if skipped {
		day.SkipCount++
	}
	return s.db.WithContext(ctx).Save(&day).Error
}

// Totals returns up to limit recent day aggregates, newest first.
func (s *Store) Totals(ctx context.Context, limit int) ([]models.ProgressDay, error) {
	var days []models.ProgressDay
	q := s.db.WithContext(ctx).Order("date DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&days).Error; err != nil {
		return nil, err
	}
	return days, nil
}
