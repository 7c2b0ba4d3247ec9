/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus fans scheduler events out beyond the process, so several
// autojoin instances or external dashboards see the same stream.
package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/friendsincode/autojoin/internal/config"
	"github.com/friendsincode/autojoin/internal/events"
	"github.com/friendsincode/autojoin/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// New builds the broker selected by cfg. Distributed backends fall back to
// in-process delivery when their server is unreachable.
func New(cfg *config.Config, logger zerolog.Logger) (events.Broker, error) {
	nodeID := cfg.InstanceID
	if nodeID == "" {
		nodeID = NodeID()
	}
	logger = logger.With().Str("component", "eventbus").Str("node_id", nodeID).Logger()

	switch cfg.EventBusBackend {
	case config.EventBusMemory, "":
		return events.NewBus(), nil
	case config.EventBusRedis:
		rc := DefaultRedisConfig()
		rc.Addr = cfg.RedisAddr
		rc.Password = cfg.RedisPassword
		rc.DB = cfg.RedisDB
		return NewRedisBus(rc, nodeID, logger)
	case config.EventBusNATS:
		nc := DefaultNATSConfig()
		nc.URL = cfg.NATSURL
		return NewNATSBus(nc, nodeID, logger)
	default:
		return nil, fmt.Errorf("unsupported event bus backend %q", cfg.EventBusBackend)
	}
}

// NodeID returns hostname plus a random suffix.
func NodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "autojoin"
	}
	return host + "-" + uuid.NewString()[:8]
}

// message is the wire envelope shared by all distributed backends.
type message struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

func marshalMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(message{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

func unmarshalMessage(data []byte) (*message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event message: %w", err)
	}
	return &msg, nil
}

// deliverRemote hands a message from another node to local subscribers.
// Messages from this node were already delivered locally on publish.
func deliverRemote(local *events.Bus, nodeID string, data []byte, logger zerolog.Logger) {
	msg, err := unmarshalMessage(data)
	if err != nil {
		logger.Error().Err(err).Msg("dropping malformed event message")
		return
	}
	if msg.NodeID == nodeID {
		return
	}
	local.Publish(msg.EventType, msg.Payload)
	logger.Debug().
		Str("event_type", string(msg.EventType)).
		Str("source_node", msg.NodeID).
		Msg("delivered remote event to local subscribers")
}

func recordPublish(backend string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	telemetry.EventBusPublishTotal.WithLabelValues(backend, result).Inc()
}
