// Package stream implements the live event fan-out (component L): an
// in-process NATS bus carries typed events from producers to subscribed
// SSE clients, filtered by project or session subject.
package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	nc "github.com/nats-io/nats.go"
)

// busMessage is a decoded NATS message handed to a subscription callback.
type busMessage struct {
	Subject string
	Data    []byte
}

// bus wraps a NATS connection with the convenience methods the broadcaster
// needs: publish JSON, subscribe, close.
type bus struct {
	conn     *nc.Conn
	clientID string
}

// newBus connects to the embedded NATS server started by cmd/opencodemem.
func newBus(url string, clientID string) (*bus, error) {
	opts := []nc.Option{
		nc.Name(clientID),
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Printf("[STREAM] %s disconnected: %v", clientID, err)
			}
		}),
		nc.ClosedHandler(func(_ *nc.Conn) {
			log.Printf("[STREAM] %s connection closed", clientID)
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("stream: connect to bus: %w", err)
	}

	return &bus{conn: conn, clientID: clientID}, nil
}

// close closes the underlying NATS connection.
func (b *bus) close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// publishJSON publishes a JSON-encoded value to a subject.
func (b *bus) publishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("stream: publish to %s: %w", subject, err)
	}
	return nil
}

// subscribe creates an asynchronous subscription, decoding raw NATS
// messages into busMessage before handing them to handler.
func (b *bus) subscribe(subject string, handler func(busMessage)) (*nc.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nc.Msg) {
		handler(busMessage{Subject: msg.Subject, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("stream: subscribe to %s: %w", subject, err)
	}
	return sub, nil
}
