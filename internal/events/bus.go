/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventSegmentStarted  EventType = "segment.started"
	EventSegmentFinished EventType = "segment.finished"
	EventStateChanged    EventType = "playout.state_changed"
	EventEngineError     EventType = "playout.error"
	EventNowPlaying      EventType = "now_playing"

	EventSinkDegraded  EventType = "sink.degraded"
	EventSinkRecovered EventType = "sink.recovered"
	EventSinkDropped   EventType = "sink.frames_dropped"

	EventTicklerQueued     EventType = "dj.tickler_queued"
	EventTicklerExecuted   EventType = "dj.tickler_executed"
	EventTicklerDropped    EventType = "dj.tickler_dropped"
	EventSelectionFallback EventType = "dj.selection_fallback"

	EventStationStarted  EventType = "station.started"
	EventStationStopping EventType = "station.stopping"
	EventStatePersisted  EventType = "dj.state_persisted"

	EventArchiveRotated  EventType = "archive.rotated"
	EventArchiveUploaded EventType = "archive.uploaded"
)

// AllTypes returns every declared event type, for subscribers that
// relay the whole stream.
func AllTypes() []EventType {
	return []EventType{
		EventSegmentStarted, EventSegmentFinished, EventStateChanged,
		EventEngineError, EventNowPlaying,
		EventSinkDegraded, EventSinkRecovered, EventSinkDropped,
		EventTicklerQueued, EventTicklerExecuted, EventTicklerDropped,
		EventSelectionFallback,
		EventStationStarted, EventStationStopping, EventStatePersisted,
		EventArchiveRotated, EventArchiveUploaded,
	}
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub. Publishing never blocks:
// a subscriber that cannot keep up loses events rather than stalling
// the publisher, which keeps the playout control loop isolated from
// slow observers.
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

// SubscribeAll registers one subscriber for several event types at once.
// The same channel receives every listed type.
func (b *Bus) SubscribeAll(types ...EventType) Subscriber {
	ch := make(Subscriber, 64)
	b.mu.Lock()
	for _, et := range types {
		b.subs[et] = append(b.subs[et], ch)
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

// Unsubscribe removes the subscriber from one event type and closes it.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}

// UnsubscribeAll removes the subscriber from every listed type, then closes it.
func (b *Bus) UnsubscribeAll(sub Subscriber, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, et := range types {
		subs := b.subs[et]
		for i, candidate := range subs {
			if candidate == sub {
				subs = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.subs[et] = subs
	}
	close(sub)
}
