package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBackend is the broker pub/sub Backend, grounded on the teacher's
// internal/events.Bus: same reconnect/error handler wiring, but subjects are
// PulseMesh topics directly rather than a typed Event envelope — the wire
// payload is already self-describing (internal/codec.Wire).
type NATSBackend struct {
	url    string
	logger *slog.Logger
	conn   *nats.Conn
	subs   []*nats.Subscription
}

// NewNATSBackend creates a NATS-backed transport backend. Connect must be
// called before Publish.
func NewNATSBackend(url string, logger *slog.Logger) *NATSBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBackend{url: url, logger: logger}
}

// Connect establishes the NATS connection and subscribes to the broadcast
// subject and to nodes.* — every node's direct subject, not only this
// node's, since the backend is not given the local node id. onMessage is
// invoked with the NATS subject translated back to a PulseMesh topic.
func (b *NATSBackend) Connect(_ context.Context, onMessage func(topic string, payload []byte)) error {
	opts := []nats.Option{
		nats.Name("pulsemesh"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error("nats error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(b.url, opts...)
	if err != nil {
		return fmt.Errorf("connecting to nats at %s: %w", b.url, err)
	}
	b.conn = nc

	sub, err := nc.Subscribe(topicToSubject(broadcastTopic), func(msg *nats.Msg) {
		onMessage(subjectToTopic(msg.Subject), msg.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribing to %s: %w", broadcastTopic, err)
	}
	b.subs = append(b.subs, sub)

	selfSub, err := nc.Subscribe(topicToSubject(nodeTopicPrefix)+".*", func(msg *nats.Msg) {
		onMessage(subjectToTopic(msg.Subject), msg.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribing to node topic: %w", err)
	}
	b.subs = append(b.subs, selfSub)

	b.logger.Info("nats connection established", slog.String("url", nc.ConnectedUrl()))
	return nil
}

// topicToSubject translates a PulseMesh topic ("broadcast", "nodes/<id>")
// into a dot-delimited NATS subject ("pulsemesh.broadcast",
// "pulsemesh.nodes.<id>") — NATS wildcards only match whole dot-separated
// tokens, so the internal "/" separator cannot be used on the wire.
func topicToSubject(topic string) string {
	return "pulsemesh." + strings.ReplaceAll(strings.TrimSuffix(topic, "/"), "/", ".")
}

func subjectToTopic(subject string) string {
	const prefix = "pulsemesh."
	rest := subject
	if strings.HasPrefix(subject, prefix) {
		rest = subject[len(prefix):]
	}
	if strings.HasPrefix(rest, "nodes.") {
		return nodeTopicPrefix + rest[len("nodes."):]
	}
	return rest
}

// Publish sends payload on topic, translated to a NATS subject.
func (b *NATSBackend) Publish(_ context.Context, topic string, payload []byte) error {
	if b.conn == nil || !b.conn.IsConnected() {
		return fmt.Errorf("nats connection not active")
	}
	if err := b.conn.Publish(topicToSubject(topic), payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *NATSBackend) Close() error {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Drain()
	}
	return nil
}
