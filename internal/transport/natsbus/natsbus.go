// Package natsbus is a thin github.com/nats-io/nats.go wrapper used by the
// demo CLI to carry the wire message shapes (via internal/wire)
// between a simulated device process and a simulated service process over
// a local NATS server. It performs no cryptographic work, and the core
// protocol packages (seed, device, service) never import it — this is a
// transport convenience only, grounded on parent/nats_client.go's
// connect/publish/subscribe shape.
package natsbus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Config holds connection settings for a Bus.
type Config struct {
	URL           string
	ReconnectWait time.Duration
	MaxReconnects int
}

// DefaultConfig returns a local NATS server with unlimited reconnects, the
// same values internal/config.DefaultConfig gives the demo CLI's transport
// section (the CLI builds its Config from those, not from this function).
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Message is one NATS message delivered to a subscriber.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Bus wraps a NATS connection carrying the device<->service protocol
// messages as opaque byte payloads; callers marshal/unmarshal the
// internal/wire structs themselves.
type Bus struct {
	conn *nats.Conn
	subs []*nats.Subscription
}

// Connect dials the configured NATS server.
func Connect(cfg Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("seedauth-devicesim"),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}
	return &Bus{conn: conn}, nil
}

// Subscribe delivers every message on subject to msgChan. Deliveries that
// would block a full channel are dropped with a warning, never blocking
// the NATS dispatch goroutine.
func (b *Bus) Subscribe(subject string, msgChan chan *Message) error {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		select {
		case msgChan <- &Message{Subject: m.Subject, Reply: m.Reply, Data: m.Data}:
		default:
			log.Warn().Str("subject", m.Subject).Msg("natsbus: channel full, dropping message")
		}
	})
	if err != nil {
		return fmt.Errorf("natsbus: subscribe: %w", err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

// Publish sends data on subject.
func (b *Bus) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("natsbus: publish: %w", err)
	}
	return nil
}

// Request sends data on subject and waits up to timeout for a reply,
// carrying e.g. a RegistrationRequest out and its BoolResponse back.
func (b *Bus) Request(subject string, data []byte, timeout time.Duration) ([]byte, error) {
	msg, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("natsbus: request: %w", err)
	}
	return msg.Data, nil
}

// NewRequestID mints a transport-level correlation id for a published
// wire.RegistrationRequest/AuthnRequest, so a deployment's logs can tie a
// publish to the response it eventually produced.
func NewRequestID() string {
	return uuid.NewString()
}

// Close unsubscribes everything and closes the connection.
func (b *Bus) Close() {
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.conn.Close()
}
