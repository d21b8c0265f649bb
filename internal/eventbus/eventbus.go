/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus bridges the in-process event bus to external
// brokers. Components keep publishing on the local bus; a relay
// forwards their events outward and injects remote events back in.
// A dead broker never affects playout.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/friendsincode/skald/internal/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// originKey marks payloads injected from another node so the relay
// does not forward them again.
const originKey = "origin_node"

// busMessage is the wire form of one event.
type busMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"` // For deduplication
}

func newBusMessage(eventType events.EventType, payload events.Payload, nodeID string) *busMessage {
	return &busMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	}
}

func (m *busMessage) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(data []byte) (*busMessage, error) {
	var msg busMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal bus message: %w", err)
	}
	return &msg, nil
}

// NewNodeID identifies this process on shared brokers.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "skald"
	}
	short := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return host + "-" + short
}

// relay holds what the Redis and NATS bridges share: the local bus,
// the node identity, and the forwarding loop.
type relay struct {
	local  *events.Bus
	nodeID string
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// forward pumps local events into send until ctx ends. Payloads that
// carry an origin marker arrived from another node and are skipped.
func (r *relay) forward(ctx context.Context, send func(eventType events.EventType, msg *busMessage) error) {
	defer r.wg.Done()

	types := events.AllTypes()
	sub := r.local.SubscribeAll(types...)
	defer r.local.UnsubscribeAll(sub, types...)

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-sub:
			if _, remote := p[originKey]; remote {
				continue
			}
			name, _ := p["event"].(string)
			msg := newBusMessage(events.EventType(name), p, r.nodeID)
			if err := send(events.EventType(name), msg); err != nil {
				r.logger.Debug().Err(err).Str("event", name).Msg("forwarding event failed")
			}
		}
	}
}

// inject delivers a remote message to local subscribers. Messages from
// this node are echoes and dropped.
func (r *relay) inject(msg *busMessage) {
	if msg.NodeID == r.nodeID {
		return
	}
	payload := msg.Payload
	if payload == nil {
		payload = events.Payload{}
	}
	payload[originKey] = msg.NodeID
	r.local.Publish(msg.EventType, payload)
}
