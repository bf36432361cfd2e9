/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package backlog manages the persisted list of media sources waiting to
// be played.
package backlog

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/friendsincode/vidar_player/internal/events"
	"github.com/friendsincode/vidar_player/internal/media"
	"github.com/friendsincode/vidar_player/internal/models"
)

// ErrDuplicate is returned when a source is already in the backlog.
var ErrDuplicate = errors.New("backlog: source already present")

// TitleResolver fetches a display title asynchronously.
type TitleResolver interface {
	Resolve(ctx context.Context, url string, done func(title string))
}

// Service is the backlog store. Titles resolve in the background; until
// then the UI shows the source ref.
type Service struct {
	db       *gorm.DB
	logger   zerolog.Logger
	bus      *events.Bus
	resolver TitleResolver
}

// NewService creates a backlog service. resolver and bus may be nil.
func NewService(database *gorm.DB, resolver TitleResolver, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:       database,
		logger:   logger.With().Str("component", "backlog").Logger(),
		bus:      bus,
		resolver: resolver,
	}
}

// Add appends a raw source to the backlog and kicks off title resolution.
func (s *Service) Add(ctx context.Context, sourceRef string) (*models.BacklogItem, error) {
	item := media.NewItem(sourceRef, "")

	// Dedupe on the canonical form so the same video added under a
	// different URL shape still counts as present.
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.BacklogItem{}).
		Where("canonical_ref = ?", item.CanonicalRef).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrDuplicate
	}

	var maxOrder int
	row := s.db.WithContext(ctx).Model(&models.BacklogItem{}).Select("COALESCE(MAX(sort_order), 0)")
	if err := row.Scan(&maxOrder).Error; err != nil {
		return nil, err
	}

	record := &models.BacklogItem{
		ID:           uuid.NewString(),
		SourceRef:    sourceRef,
		CanonicalRef: item.CanonicalRef,
		Kind:         string(item.Kind),
		SortOrder:    maxOrder + 1,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, err
	}

	s.logger.Info().Str("source", sourceRef).Str("kind", record.Kind).Msg("backlog item added")
	s.publish()
	s.resolveTitle(record.ID, sourceRef)
	return record, nil
}

// resolveTitle updates the stored title whenever the resolver delivers.
func (s *Service) resolveTitle(id, sourceRef string) {
	if s.resolver == nil {
		return
	}
	s.resolver.Resolve(context.Background(), sourceRef, func(title string) {
		err := s.db.Model(&models.BacklogItem{}).Where("id = ?", id).Update("title", title).Error
		if err != nil {
			s.logger.Warn().Err(err).Str("id", id).Msg("storing resolved title")
			return
		}
		s.logger.Debug().Str("title", title).Msg("title resolved")
		s.publish()
	})
}

// Remove deletes a backlog item by id.
func (s *Service) Remove(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.BacklogItem{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	s.publish()
	return nil
}

// List returns the backlog in sort order.
func (s *Service) List(ctx context.Context) ([]models.BacklogItem, error) {
	var rows []models.BacklogItem
	if err := s.db.WithContext(ctx).Order("sort_order ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Reorder rewrites sort order to match the given id sequence. Ids not in
// the backlog are ignored; items not listed keep their relative position
// after the listed ones.
func (s *Service) Reorder(ctx context.Context, ids []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, id := range ids {
			if err := tx.Model(&models.BacklogItem{}).Where("id = ?", id).
				Update("sort_order", i+1).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Items converts the backlog into playable media items for queue building.
func (s *Service) Items(ctx context.Context) ([]media.Item, error) {
	rows, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]media.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, media.Item{
			SourceRef:    row.SourceRef,
			Kind:         media.Kind(row.Kind),
			Title:        row.Title,
			CanonicalRef: row.CanonicalRef,
		})
	}
	return items, nil
}

func (s *Service) publish() {
	if s.bus != nil {
		s.bus.Publish(events.EventBacklog, nil)
	}
}

// yamlDocument is the import/export file shape.
type yamlDocument struct {
	Items []yamlEntry `yaml:"items"`
}

type yamlEntry struct {
	SourceRef string `yaml:"source_ref"`
	Title     string `yaml:"title,omitempty"`
}

// ImportYAML adds every source in the document, skipping duplicates, and
// returns how many were added.
func (s *Service) ImportYAML(ctx context.Context, r io.Reader) (int, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	var doc yamlDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("backlog: parse import: %w", err)
	}

	added := 0
	for _, entry := range doc.Items {
		if entry.SourceRef == "" {
			continue
		}
		record, err := s.Add(ctx, entry.SourceRef)
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		if err != nil {
			return added, err
		}
		if entry.Title != "" {
			if err := s.db.WithContext(ctx).Model(record).Update("title", entry.Title).Error; err != nil {
				return added, err
			}
		}
		added++
	}
	s.logger.Info().Int("added", added).Msg("backlog imported")
	return added, nil
}

// ExportYAML writes the backlog as an import-compatible document.
func (s *Service) ExportYAML(ctx context.Context, w io.Writer) error {
	rows, err := s.List(ctx)
	if err != nil {
		return err
	}
	doc := yamlDocument{Items: make([]yamlEntry, 0, len(rows))}
	for _, row := range rows {
		doc.Items = append(doc.Items, yamlEntry{SourceRef: row.SourceRef, Title: row.Title})
	}
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	return encoder.Encode(&doc)
}
