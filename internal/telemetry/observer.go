package telemetry

import (
	"context"
	"time"

	"github.com/friendsincode/skald/internal/events"
)

// ObserveBus bumps the playout metrics from bus events until ctx ends.
// queueLen, when non-nil, is sampled after every event so the queue gauge
// tracks the engine without the engine knowing about metrics.
func ObserveBus(ctx context.Context, bus *events.Bus, queueLen func() int) {
	sub := bus.SubscribeAll(
		events.EventSegmentStarted,
		events.EventStateChanged,
		events.EventSinkDropped,
		events.EventSinkRecovered,
		events.EventTicklerQueued,
		events.EventTicklerExecuted,
		events.EventTicklerDropped,
		events.EventSelectionFallback,
	)

	var transitionStart time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-sub:
			handleEvent(p)
			timeTransition(p, &transitionStart)
			if queueLen != nil {
				QueueLength.Set(float64(queueLen()))
			}
		}
	}
}

// timeTransition observes the crossfade histogram by bracketing the
// TRANSITIONING state between two state-changed events.
func timeTransition(p events.Payload, start *time.Time) {
	if name, _ := p["event"].(string); events.EventType(name) != events.EventStateChanged {
		return
	}
	to, ok := p["to"].(string)
	if !ok {
		return
	}
	switch {
	case to == "TRANSITIONING":
		*start = time.Now()
	case !start.IsZero():
		TransitionDuration.Observe(time.Since(*start).Seconds())
		*start = time.Time{}
	}
}

func handleEvent(p events.Payload) {
	name, _ := p["event"].(string)
	switch events.EventType(name) {
	case events.EventSegmentStarted:
		if kind, ok := p["kind"].(string); ok {
			SegmentsPlayedTotal.WithLabelValues(kind).Inc()
		}
	case events.EventStateChanged:
		if to, ok := p["to"].(string); ok {
			SetPlaybackState(to)
		}
	case events.EventSinkDropped:
		sink, _ := p["sink"].(string)
		if d, ok := p["dropped_total"].(uint64); ok {
			SinkDroppedFrames.WithLabelValues(sink).Set(float64(d))
		}
	case events.EventSinkRecovered:
		sink, _ := p["sink"].(string)
		SinkReconnectsTotal.WithLabelValues(sink).Inc()
	case events.EventTicklerQueued:
		TicklersTotal.WithLabelValues("queued").Inc()
	case events.EventTicklerExecuted:
		TicklersTotal.WithLabelValues("executed").Inc()
	case events.EventTicklerDropped:
		TicklersTotal.WithLabelValues("dropped").Inc()
	case events.EventSelectionFallback:
		SelectionFallbacksTotal.Inc()
	}
}
