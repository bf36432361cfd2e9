/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package silence turns raw amplitude sample blocks into silence trigger
// events and a debounced display flag. Ingest runs at audio-driver
// cadence and never blocks or performs I/O.
package silence

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/vidar_player/internal/events"
	"github.com/friendsincode/vidar_player/internal/telemetry"
)

const (
	sampleRingSize   = 120
	levelDecay       = 0.8
	levelScale       = 50.0
	countdownGranule = 500 * time.Millisecond
)

// GateFunc reports whether the AFK gate is currently active. Called from
// the ingest path; it must be cheap and non-blocking.
type GateFunc func() bool

// Options configure a Monitor. Zero-valued floors disable the
// corresponding comparison, which is never what you want in production.
type Options struct {
	NoiseFloor float64
	SoundFloor float64
	Gain       float64
	Duration   time.Duration
	Debounce   time.Duration
	AFKActive  GateFunc
}

// Monitor maintains the silence/sound timers. A sample block below the
// noise floor counts as silence, at or above the sound floor counts as
// confirmed sound, and anything between the two floors holds prior state.
type Monitor struct {
	mu     sync.Mutex
	logger zerolog.Logger
	bus    *events.Bus
	now    func() time.Time

	noiseFloor float64
	soundFloor float64
	gain       float64
	duration   time.Duration
	debounce   time.Duration
	afkActive  GateFunc

	silenceStart    time.Time // zero while no silence episode is running
	lastSound       time.Time
	lastSilence     time.Time
	debouncedSilent bool
	latched         bool // trigger fired; blocks a new episode until sound or an AFK change
	firstSound      time.Time

	level   float64
	samples []float64
	head    int
	filled  int

	lastCountdown   time.Time
	countdownActive bool

	triggers chan time.Time
}

// NewMonitor creates a monitor. bus may be nil when no UI is attached.
func NewMonitor(logger zerolog.Logger, bus *events.Bus, opts Options) *Monitor {
	now := time.Now()
	m := &Monitor{
		logger:      logger.With().Str("component", "silence").Logger(),
		bus:         bus,
		now:         time.Now,
		noiseFloor:  opts.NoiseFloor,
		soundFloor:  opts.SoundFloor,
		gain:        opts.Gain,
		duration:    opts.Duration,
		debounce:    opts.Debounce,
		afkActive:   opts.AFKActive,
		lastSound:   now,
		lastSilence: now,
		samples:     make([]float64, sampleRingSize),
		triggers:    make(chan time.Time, 1),
	}
	if m.gain == 0 {
		m.gain = 1
	}
	return m
}

// Triggers returns the channel trigger events are delivered on. The
// channel is buffered; an unconsumed trigger is dropped, not queued.
func (m *Monitor) Triggers() <-chan time.Time {
	return m.triggers
}

// SetThresholds replaces the confirmed-sound and noise floors.
func (m *Monitor) SetThresholds(soundFloor, noiseFloor float64) {
	m.mu.Lock()
	m.soundFloor = soundFloor
	m.noiseFloor = noiseFloor
	m.mu.Unlock()
}

// SetDuration replaces the silence duration required before a trigger.
func (m *Monitor) SetDuration(d time.Duration) {
	m.mu.Lock()
	m.duration = d
	m.mu.Unlock()
}

// Ingest consumes one amplitude sample block. The block's L2 norm times
// the gain factors is compared against the two floors.
func (m *Monitor) Ingest(block []float64, gain float64) {
	if len(block) == 0 {
		return
	}
	var sum float64
	for _, v := range block {
		sum += v * v
	}
	norm := math.Sqrt(sum)

	m.mu.Lock()
	now := m.now()
	amp := norm * gain * m.gain

	m.pushSample(norm)
	m.level = math.Max(m.level*levelDecay, norm*levelScale)
	telemetry.AudioLevel.Set(m.level)

	switch {
	case amp >= m.soundFloor:
		m.onConfirmedSound(now)
	case amp < m.noiseFloor:
		m.onSilence(now)
	default:
		// Between the floors: hold both timers.
	}

	m.updateDebounce(now)
	m.publishCountdown(now)
	m.mu.Unlock()
}

func (m *Monitor) onConfirmedSound(now time.Time) {
	m.lastSound = now
	m.silenceStart = time.Time{}
	m.countdownActive = false
	if m.latched {
		m.latched = false
		m.logger.Debug().Msg("sound returned, trigger re-armed")
	}
	if m.firstSound.IsZero() {
		m.firstSound = now
		m.logger.Debug().Msg("first confirmed sound")
	}
}

func (m *Monitor) onSilence(now time.Time) {
	m.lastSilence = now
	if m.latched {
		return
	}
	if m.silenceStart.IsZero() {
		m.silenceStart = now
		return
	}
	if now.Sub(m.silenceStart) < m.duration {
		return
	}
	if m.afkActive != nil && m.afkActive() {
		// AFK suppresses the trigger; re-arm from a fresh zero so a stale
		// window cannot cascade through items when the user returns.
		m.silenceStart = now
		telemetry.SilenceTriggersSuppressed.Inc()
		m.logger.Info().Msg("silence elapsed but afk gate active, would have fired")
		if m.bus != nil {
			m.bus.Publish(events.EventTrigger, events.Payload{"fired": false, "reason": "afk"})
		}
		return
	}

	m.silenceStart = time.Time{}
	m.countdownActive = false
	m.latched = true
	select {
	case m.triggers <- now:
	default:
	}
	m.logger.Info().Dur("after", m.duration).Msg("silence trigger fired")
	if m.bus != nil {
		m.bus.Publish(events.EventTrigger, events.Payload{"fired": true})
	}
}

// updateDebounce computes the display flag with hysteresis independent of
// the trigger timer. The flag follows whichever timer updated most
// recently, after the debounce window.
func (m *Monitor) updateDebounce(now time.Time) {
	prev := m.debouncedSilent
	if m.lastSilence.After(m.lastSound) {
		if !m.debouncedSilent && now.Sub(m.lastSound) > m.debounce {
			m.debouncedSilent = true
		}
	} else if m.lastSound.After(m.lastSilence) {
		if m.debouncedSilent && now.Sub(m.lastSilence) > m.debounce {
			m.debouncedSilent = false
		}
	}
	if m.debouncedSilent != prev && m.bus != nil {
		m.bus.Publish(events.EventSilence, events.Payload{"silent": m.debouncedSilent, "level": m.level})
	}
}

func (m *Monitor) publishCountdown(now time.Time) {
	if m.bus == nil {
		return
	}
	if m.silenceStart.IsZero() {
		if m.countdownActive {
			m.countdownActive = false
			m.bus.Publish(events.EventCountdown, events.Payload{"remaining": 0.0, "active": false})
		}
		return
	}
	if now.Sub(m.lastCountdown) < countdownGranule {
		return
	}
	m.lastCountdown = now
	m.countdownActive = true
	remaining := m.duration - now.Sub(m.silenceStart)
	if remaining < 0 {
		remaining = 0
	}
	m.bus.Publish(events.EventCountdown, events.Payload{"remaining": remaining.Seconds(), "active": true})
}

func (m *Monitor) pushSample(norm float64) {
	m.samples[m.head] = norm
	m.head = (m.head + 1) % len(m.samples)
	if m.filled < len(m.samples) {
		m.filled++
	}
}

// NotifyAFKChange resets the trigger decision to a fresh zero. Any AFK
// flip, in either direction, restarts the window and releases the latch.
func (m *Monitor) NotifyAFKChange() {
	m.mu.Lock()
	m.silenceStart = time.Time{}
	m.countdownActive = false
	m.latched = false
	m.mu.Unlock()
}

// ResetSession clears per-session state: the silence episode, the latch,
// and the first-sound marker used to arm the watch timer.
func (m *Monitor) ResetSession() {
	m.mu.Lock()
	now := m.now()
	m.silenceStart = time.Time{}
	m.countdownActive = false
	m.latched = false
	m.firstSound = time.Time{}
	m.lastSound = now
	m.lastSilence = now
	m.debouncedSilent = false
	m.mu.Unlock()
}

// IsSilent returns the debounced display flag. UI only; trigger timing
// never consults it.
func (m *Monitor) IsSilent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debouncedSilent
}

// Level returns the decaying display level for the UI meter.
func (m *Monitor) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// FirstSoundAt returns when confirmed sound was first heard this session.
func (m *Monitor) FirstSoundAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstSound, !m.firstSound.IsZero()
}

// Samples returns the recent sample norms, oldest first, for the UI
// waveform.
func (m *Monitor) Samples() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, 0, m.filled)
	start := m.head - m.filled
	if start < 0 {
		start += len(m.samples)
	}
	for i := 0; i < m.filled; i++ {
		out = append(out, m.samples[(start+i)%len(m.samples)])
	}
	return out
}
