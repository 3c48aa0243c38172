package events

import (
	"context"

	"github.com/mbd888/txguard/internal/realtime"
)

// HubPublisher feeds decisions to the admin WebSocket stream.
type HubPublisher struct {
	hub *realtime.Hub
}

// NewHubPublisher wraps hub.
func NewHubPublisher(hub *realtime.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) Name() string { return "websocket" }

func (p *HubPublisher) Publish(_ context.Context, ev *DecisionEvent) error {
	ok := p.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventDecision,
		Timestamp: ev.Timestamp,
		Data:      ev,
		SenderID:  ev.SenderUserID,
		Flagged:   ev.IsFraud,
		Amount:    ev.Amount.InexactFloat64(),
	})
	if !ok {
		return ErrDropped
	}
	return nil
}

// Close is a no-op; the hub's lifetime is owned by the server.
func (p *HubPublisher) Close() error { return nil }
