/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package events implements the in-process pubsub bus the core uses to
// push state changes to UI collaborators. The core publishes, never pulls.
package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	// EventStatus carries the human-readable orchestrator status line.
	EventStatus EventType = "status"
	// EventNowPlaying fires when the active item changes or its title resolves.
	EventNowPlaying EventType = "now_playing"
	// EventQueue reports queue position and length after any queue mutation.
	EventQueue EventType = "queue"
	// EventCountdown reports seconds remaining until the silence trigger fires.
	EventCountdown EventType = "countdown"
	// EventSilence carries the debounced silence display flag and audio level.
	EventSilence EventType = "silence"
	// EventTrigger fires when a silence trigger is emitted or suppressed.
	EventTrigger EventType = "trigger"
	// EventAfk reports AFK gate transitions.
	EventAfk EventType = "afk"
	// EventProgress fires after a successful progress persistence pass.
	EventProgress EventType = "progress"
	// EventBacklog fires when backlog items are added, removed, or retitled.
	EventBacklog EventType = "backlog"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub. Publish never blocks: a
// subscriber that falls behind misses events rather than stalling the
// publisher, which may be the audio ingest path.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 16)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAll registers one subscriber for every listed event type and
// returns the shared channel. Used by the websocket event feed.
func (b *Bus) SubscribeAll(types ...EventType) Subscriber {
	ch := make(Subscriber, 64)
	b.mu.Lock()
	for _, eventType := range types {
		b.subs[eventType] = append(b.subs[eventType], ch)
	}
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	if payload == nil {
		payload = Payload{}
	}
	payload["event"] = string(eventType)
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber from every event type and closes it.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		for i, candidate := range subs {
			if candidate == sub {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	close(sub)
}
