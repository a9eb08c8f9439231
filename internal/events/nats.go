package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// NATSBus is a Bus backed by NATS, so event-stream consumers can be served
// from any server instance regardless of which one ran the provisioning.
type NATSBus struct {
	nc *nats.Conn
}

// NewNATSBus connects to NATS and returns a session event bus.
func NewNATSBus(natsURL string) (*NATSBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBus{nc: nc}, nil
}

func sessionSubject(sessionID uuid.UUID) string {
	return fmt.Sprintf("vps.sessions.%s.events", sessionID)
}

func (b *NATSBus) Publish(sessionID uuid.UUID, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := b.nc.Publish(sessionSubject(sessionID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(sessionID uuid.UUID) (<-chan Event, func()) {
	// The handler runs on a NATS dispatch goroutine and can be mid-send
	// when Unsubscribe returns, so delivery and close go through the
	// guarded channel.
	ec := newEventChan()
	sub, err := b.nc.Subscribe(sessionSubject(sessionID), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("events: invalid event payload for session %s: %v", sessionID, err)
			return
		}
		ec.send(ev)
	})
	if err != nil {
		log.Printf("events: subscribe failed for session %s: %v", sessionID, err)
		ec.close()
		return ec.ch, func() {}
	}

	unsubscribe := func() {
		sub.Unsubscribe()
		ec.close()
	}
	return ec.ch, unsubscribe
}

func (b *NATSBus) Close() {
	b.nc.Close()
}
