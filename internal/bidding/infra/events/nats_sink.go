package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NatsSink publishes every event as JSON on <prefix>.<type>.<itemID>.
// With a stream name it goes through JetStream and waits for the ack.
type NatsSink struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// ConnectNats dials the server with unlimited reconnects, the engine must not die with the broker.
func ConnectNats(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("bidding-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

func NewNatsSink(ctx context.Context, conn *nats.Conn, prefix, stream string) (*NatsSink, error) {
	sink := &NatsSink{conn: conn, prefix: prefix}
	if stream == "" {
		return sink, nil
	}
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        stream,
		Description: "bidding engine item events",
		Subjects:    []string{prefix + ".>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", stream, err)
	}
	sink.js = js
	return sink, nil
}

func (s *NatsSink) Name() string { return "nats" }

// Subject is where an event lands.
func (s *NatsSink) Subject(event domain.Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, event.Type, event.ItemID)
}

func (s *NatsSink) Deliver(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := s.Subject(event)
	if s.js != nil {
		// dedupe on the server if a redelivery ever happens
		_, err = s.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.EventID.String()))
		return err
	}
	return s.conn.Publish(subject, data)
}
