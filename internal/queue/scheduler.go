/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue builds and mutates the ordered play sequence under the
// five playback modes.
package queue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/media"
)

var (
	// ErrOutOfRange is returned for jump targets outside the queue bounds.
	ErrOutOfRange = errors.New("queue: index out of range")
	// ErrEmpty is returned when an operation needs a non-empty queue.
	ErrEmpty = errors.New("queue: empty")
	// ErrModeChangeLocked is returned when a mode switch involving
	// TrueRandom is attempted while a session is active. TrueRandom has no
	// queue index to preserve, so the session must stop and restart.
	ErrModeChangeLocked = errors.New("queue: true random mode cannot be switched mid-session")
)

// Mode names a preset over the five independent ordering flags.
type Mode string

const (
	ModeSequential   Mode = "sequential"
	ModeShuffleAll   Mode = "shuffle_all"
	ModeTrueRandom   Mode = "true_random"
	ModeSmartShuffle Mode = "smart_shuffle"
	ModeCustom       Mode = "custom"
)

// Flags are the independent ordering dimensions. Unset flags retain the
// sequential behaviour for that dimension.
type Flags struct {
	ExpandPlaylists            bool `json:"expand_playlists"`
	RandomizeList              bool `json:"randomize_list"`
	TrueRandomEachAdvance      bool `json:"true_random_each_advance"`
	SmartShuffleUnwatchedFirst bool `json:"smart_shuffle_unwatched_first"`
	ShuffleWithinPlaylist      bool `json:"shuffle_within_playlist"`
}

// Preset returns the flag combination a named mode stands for. Custom has
// no preset; callers supply flags directly.
func (m Mode) Preset() Flags {
	switch m {
	case ModeSequential:
		return Flags{ExpandPlaylists: true}
	case ModeShuffleAll:
		return Flags{ExpandPlaylists: true, RandomizeList: true}
	case ModeTrueRandom:
		return Flags{ExpandPlaylists: true, TrueRandomEachAdvance: true}
	case ModeSmartShuffle:
		return Flags{SmartShuffleUnwatchedFirst: true}
	default:
		return Flags{}
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSequential, ModeShuffleAll, ModeTrueRandom, ModeSmartShuffle, ModeCustom:
		return true
	}
	return false
}

// ExpandFunc flattens a playlist source into playable items. It may be
// slow and network-bound; the scheduler only consumes its output.
type ExpandFunc func(ctx context.Context, item media.Item) ([]media.Item, error)

// WatchedFunc reports whether an item was previously watched to completion.
type WatchedFunc func(canonicalRef string) bool

// Scheduler owns the ordered play sequence. The orchestrator tick is its
// sole mutator; the mutex exists so read-only observers (the control API)
// can snapshot safely.
type Scheduler struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	expand  ExpandFunc
	watched WatchedFunc
	rng     *rand.Rand

	mode    Mode
	flags   Flags
	backing []media.Item // flattened pool in original input order
	queue   []media.Item
	index   int
	active  bool
}

// New creates a scheduler. expand may be nil when playlist sources never
// occur; watched may be nil when no ledger is available.
func New(logger zerolog.Logger, expand ExpandFunc, watched WatchedFunc) *Scheduler {
	return &Scheduler{
		logger:  logger.With().Str("component", "queue").Logger(),
		expand:  expand,
		watched: watched,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// BuildQueue flattens the raw items and orders them according to mode.
// For Custom, flags are taken as given; for named modes the preset wins.
func (s *Scheduler) BuildQueue(ctx context.Context, items []media.Item, mode Mode, flags Flags) error {
	if !mode.Valid() {
		return errors.New("queue: unknown mode")
	}
	if mode != ModeCustom {
		flags = mode.Preset()
	}

	pool, err := s.flatten(ctx, items, flags)
	if err != nil {
		return err
	}
	if len(pool) == 0 {
		return ErrEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mode = mode
	s.flags = flags
	s.backing = append([]media.Item(nil), pool...)

	switch {
	case flags.TrueRandomEachAdvance:
		// No fixed sequence: the queue records draws as they happen.
		s.queue = []media.Item{pool[s.rng.Intn(len(pool))]}
	case flags.SmartShuffleUnwatchedFirst:
		s.queue = s.smartShuffle(pool)
	case flags.RandomizeList:
		s.queue = append([]media.Item(nil), pool...)
		s.rng.Shuffle(len(s.queue), func(i, j int) { s.queue[i], s.queue[j] = s.queue[j], s.queue[i] })
	default:
		s.queue = append([]media.Item(nil), pool...)
	}

	s.index = 0
	s.active = true
	s.logger.Info().Str("mode", string(mode)).Int("items", len(s.queue)).Msg("queue built")
	return nil
}

// flatten expands playlists and folders into a single ordered pool.
// A playlist whose expansion fails, comes back empty, or merely echoes
// itself is treated as a single playable item.
func (s *Scheduler) flatten(ctx context.Context, items []media.Item, flags Flags) ([]media.Item, error) {
	var pool []media.Item
	for _, item := range items {
		switch item.Kind {
		case media.KindPlaylist:
			if !flags.ExpandPlaylists && !flags.TrueRandomEachAdvance {
				pool = append(pool, item)
				continue
			}
			expanded := s.expandPlaylist(ctx, item)
			if flags.ShuffleWithinPlaylist && len(expanded) > 1 {
				s.rng.Shuffle(len(expanded), func(i, j int) { expanded[i], expanded[j] = expanded[j], expanded[i] })
			}
			pool = append(pool, expanded...)
		case media.KindFolder:
			files, err := media.ExpandFolder(item.SourceRef, true)
			if err != nil || len(files) == 0 {
				s.logger.Warn().Err(err).Str("folder", item.SourceRef).Msg("folder expansion failed, skipping")
				continue
			}
			pool = append(pool, files...)
		default:
			pool = append(pool, item)
		}
	}
	return pool, nil
}

func (s *Scheduler) expandPlaylist(ctx context.Context, item media.Item) []media.Item {
	if s.expand == nil {
		return []media.Item{item}
	}
	expanded, err := s.expand(ctx, item)
	if err != nil || len(expanded) == 0 {
		s.logger.Warn().Err(err).Str("playlist", item.SourceRef).Msg("playlist expansion failed, treating as single item")
		return []media.Item{item}
	}
	if len(expanded) == 1 && expanded[0].CanonicalRef == item.CanonicalRef {
		// Expansion just echoed the input: not actually a playlist.
		return []media.Item{item}
	}
	return expanded
}

// smartShuffle partitions the pool into unwatched (shuffled) followed by
// already-finished items in their original relative order.
func (s *Scheduler) smartShuffle(pool []media.Item) []media.Item {
	var unwatched, finished []media.Item
	for _, item := range pool {
		if s.watched != nil && s.watched(item.CanonicalRef) {
			finished = append(finished, item)
		} else {
			unwatched = append(unwatched, item)
		}
	}
	s.rng.Shuffle(len(unwatched), func(i, j int) { unwatched[i], unwatched[j] = unwatched[j], unwatched[i] })
	s.logger.Info().Int("unwatched", len(unwatched)).Int("finished", len(finished)).Msg("smart shuffled")
	return append(unwatched, finished...)
}

// Current returns the item at the queue index.
func (s *Scheduler) Current() (media.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return media.Item{}, false
	}
	return s.queue[s.index], true
}

// Advance moves to the next item. In TrueRandom mode it draws uniformly,
// with replacement, from the full pool; back-to-back repeats are expected.
// Returns false when a fixed sequence is exhausted.
func (s *Scheduler) Advance() (media.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return media.Item{}, false
	}
	if s.flags.TrueRandomEachAdvance {
		next := s.backing[s.rng.Intn(len(s.backing))]
		s.queue = append(s.queue, next)
		s.index = len(s.queue) - 1
		return next, true
	}
	if s.index+1 >= len(s.queue) {
		return media.Item{}, false
	}
	s.index++
	return s.queue[s.index], true
}

// JumpTo sets the queue index to an explicit position.
func (s *Scheduler) JumpTo(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return ErrEmpty
	}
	if index < 0 || index >= len(s.queue) {
		return ErrOutOfRange
	}
	s.index = index
	return nil
}

// SkipBy moves the index by delta, clamped to the queue bounds. There is
// no wraparound. In TrueRandom mode a forward skip draws a fresh item.
func (s *Scheduler) SkipBy(delta int) (media.Item, bool) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return media.Item{}, false
	}
	if s.flags.TrueRandomEachAdvance && delta > 0 {
		s.mu.Unlock()
		return s.Advance()
	}
	target := s.index + delta
	if target < 0 {
		target = 0
	}
	if target >= len(s.queue) {
		target = len(s.queue) - 1
	}
	s.index = target
	item := s.queue[s.index]
	s.mu.Unlock()
	return item, true
}

// RebuildForModeChange reorders the not-yet-played suffix according to the
// new mode while preserving the played prefix and the current item
// verbatim. Switching into or out of TrueRandom mid-session is rejected.
func (s *Scheduler) RebuildForModeChange(newMode Mode, flags Flags) error {
	if !newMode.Valid() {
		return errors.New("queue: unknown mode")
	}
	if newMode != ModeCustom {
		flags = newMode.Preset()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active && (flags.TrueRandomEachAdvance || s.flags.TrueRandomEachAdvance) {
		return ErrModeChangeLocked
	}
	if len(s.queue) == 0 {
		s.mode = newMode
		s.flags = flags
		return nil
	}

	current := s.queue[s.index]
	played := append([]media.Item(nil), s.queue[:s.index]...)

	upcoming, located := s.upcomingFromBacking(current)
	if !located {
		// Current item is missing from the backing list: degrade to
		// reordering only the remaining in-memory suffix.
		upcoming = append([]media.Item(nil), s.queue[s.index+1:]...)
	}

	switch {
	case flags.SmartShuffleUnwatchedFirst:
		upcoming = s.smartShuffle(upcoming)
	case flags.RandomizeList:
		s.rng.Shuffle(len(upcoming), func(i, j int) { upcoming[i], upcoming[j] = upcoming[j], upcoming[i] })
	}
	// Sequential and Custom keep the pool order as assembled.

	s.queue = append(append(played, current), upcoming...)
	s.index = len(played)
	s.mode = newMode
	s.flags = flags
	s.logger.Info().Str("mode", string(newMode)).Int("upcoming", len(upcoming)).Msg("queue rebuilt for mode change")
	return nil
}

// upcomingFromBacking returns everything after the current item in the
// original flattened order.
func (s *Scheduler) upcomingFromBacking(current media.Item) ([]media.Item, bool) {
	for i, item := range s.backing {
		if item.CanonicalRef == current.CanonicalRef {
			return append([]media.Item(nil), s.backing[i+1:]...), true
		}
	}
	return nil, false
}

// Reset clears the session state.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.backing = nil
	s.index = 0
	s.active = false
}

// Snapshot returns the queue contents, current index, and mode for
// observers. The returned slice is a copy.
func (s *Scheduler) Snapshot() ([]media.Item, int, Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Item(nil), s.queue...), s.index, s.mode
}

// Len returns the queue length.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Index returns the current position.
func (s *Scheduler) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Mode returns the active playback mode.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}
