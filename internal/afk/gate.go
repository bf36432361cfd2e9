/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package afk maintains the away-from-keyboard gate: a boolean derived
// from user idle time that suppresses silence triggers and pauses
// playback while nobody is watching.
package afk

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/config"
	"github.com/friendsincode/vidar_player/internal/events"
)

// IdleSampler reports how long the user has been idle.
type IdleSampler interface {
	IdleDuration(ctx context.Context) (time.Duration, error)
}

// CommandSampler shells out to a command that prints idle milliseconds,
// xprintidle being the usual choice on X11.
type CommandSampler struct {
	Bin string
}

func (c *CommandSampler) IdleDuration(ctx context.Context) (time.Duration, error) {
	out, err := exec.CommandContext(ctx, c.Bin).Output()
	if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

type overrideState int

const (
	overrideNone overrideState = iota
	overrideActive
	overrideInactive
)

// Gate owns the AFK boolean. The poll loop is its sole writer aside
// from manual overrides arriving through the control API.
type Gate struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	bus      *events.Bus
	sampler  IdleSampler
	timeout  time.Duration
	poll     time.Duration
	enabled  bool
	active   bool
	override overrideState
	onChange []func(active bool)
}

// NewGate creates a gate from configuration. bus may be nil.
func NewGate(cfg *config.Config, sampler IdleSampler, bus *events.Bus, logger zerolog.Logger) *Gate {
	return &Gate{
		logger:  logger.With().Str("component", "afk").Logger(),
		bus:     bus,
		sampler: sampler,
		timeout: cfg.AFKTimeout,
		poll:    cfg.AFKPollInterval,
		enabled: cfg.AFKEnabled,
	}
}

// OnChange registers a handler invoked on every gate transition.
// Handlers run on the polling goroutine and must be quick.
func (g *Gate) OnChange(fn func(active bool)) {
	g.mu.Lock()
	g.onChange = append(g.onChange, fn)
	g.mu.Unlock()
}

// Run polls the sampler until the context is cancelled.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample(ctx)
		}
	}
}

func (g *Gate) sample(ctx context.Context) {
	g.mu.Lock()
	override := g.override
	enabled := g.enabled
	g.mu.Unlock()

	switch override {
	case overrideActive:
		g.set(true)
		return
	case overrideInactive:
		g.set(false)
		return
	}
	if !enabled || g.sampler == nil {
		g.set(false)
		return
	}

	sampleCtx, cancel := context.WithTimeout(ctx, g.poll)
	idle, err := g.sampler.IdleDuration(sampleCtx)
	cancel()
	if err != nil {
		g.logger.Debug().Err(err).Msg("idle sample failed")
		return
	}
	g.set(idle >= g.timeout)
}

func (g *Gate) set(active bool) {
	g.mu.Lock()
	changed := active != g.active
	g.active = active
	handlers := make([]func(bool), len(g.onChange))
	copy(handlers, g.onChange)
	g.mu.Unlock()
	if !changed {
		return
	}

	g.logger.Info().Bool("active", active).Msg("afk gate changed")
	if g.bus != nil {
		g.bus.Publish(events.EventAfk, events.Payload{"active": active})
	}
	for _, fn := range handlers {
		fn(active)
	}
}

// Active returns the gate state. Cheap; called from the audio path.
func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// SetEnabled turns automatic idle detection on or off. Disabling clears
// an active gate unless an override holds it.
func (g *Gate) SetEnabled(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	override := g.override
	g.mu.Unlock()
	if !enabled && override == overrideNone {
		g.set(false)
	}
}

// ForceActive pins the gate regardless of idle time.
func (g *Gate) ForceActive(active bool) {
	g.mu.Lock()
	if active {
		g.override = overrideActive
	} else {
		g.override = overrideInactive
	}
	g.mu.Unlock()
	g.set(active)
}

// ClearOverride returns control to the idle sampler.
func (g *Gate) ClearOverride() {
	g.mu.Lock()
	g.override = overrideNone
	g.mu.Unlock()
}
