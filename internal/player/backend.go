/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package player abstracts "whatever is currently rendering media" behind
// a capability interface with two implementations: an embedded browser
// page and an external mpv process.
package player

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/config"
	"github.com/friendsincode/vidar_player/internal/media"
)

// Backend is the playback capability set. Operations are best-effort:
// a transient failure is returned as an error and the caller treats the
// call as a no-op for that tick.
type Backend interface {
	// Load opens the item and begins playback. startAt > 0 requests a
	// resume seek once the media is open.
	Load(ctx context.Context, item media.Item, startAt float64) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, seconds float64) error
	Position(ctx context.Context) (float64, error)
	Duration(ctx context.Context) (float64, error)
	Paused(ctx context.Context) (bool, error)
	// HasEnded reports end-of-stream. When state cannot be read this tick
	// it returns the previous verdict rather than guessing.
	HasEnded(ctx context.Context) bool
	// Alive reports whether the underlying resource still exists.
	Alive() bool
	Close() error
}

// endedByProgress treats a near-complete position as finished even if
// playback continues a few seconds past the threshold.
func endedByProgress(position, duration float64, finishedPct int) bool {
	if duration <= 0 {
		return false
	}
	return position/duration >= float64(finishedPct)/100.0
}

type backendKind string

const (
	kindMpv     backendKind = "mpv"
	kindBrowser backendKind = "browser"
)

// Manager owns the single active backend. At most one instance is open;
// switching kinds closes the previous instance before the new one is
// acquired.
type Manager struct {
	mu      sync.Mutex
	cfg     *config.Config
	logger  zerolog.Logger
	current Backend
	kind    backendKind
}

// NewManager creates a backend manager.
func NewManager(cfg *config.Config, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "player").Logger(),
	}
}

// Acquire returns a backend suitable for the item, reusing the current
// one when the kind matches and it is still alive.
func (m *Manager) Acquire(ctx context.Context, item media.Item) (Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := m.choose(item)
	if m.current != nil && m.kind == want && m.current.Alive() {
		return m.current, nil
	}
	if m.current != nil {
		if err := m.current.Close(); err != nil {
			m.logger.Warn().Err(err).Str("kind", string(m.kind)).Msg("closing previous backend")
		}
		m.current = nil
	}

	var (
		backend Backend
		err     error
	)
	switch want {
	case kindMpv:
		backend, err = NewMpv(m.cfg, m.logger)
	case kindBrowser:
		backend, err = NewEmbedded(m.cfg, m.logger)
	default:
		err = fmt.Errorf("player: unknown backend kind %q", want)
	}
	if err != nil {
		return nil, err
	}

	m.current = backend
	m.kind = want
	m.logger.Info().Str("kind", string(want)).Msg("backend acquired")
	return backend, nil
}

func (m *Manager) choose(item media.Item) backendKind {
	switch m.cfg.Backend {
	case config.BackendMpv:
		return kindMpv
	case config.BackendBrowser:
		return kindBrowser
	default:
		if item.IsLocal() {
			return kindMpv
		}
		return kindBrowser
	}
}

// Current returns the active backend, if any.
func (m *Manager) Current() (Backend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// Close releases the active backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}
