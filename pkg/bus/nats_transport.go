package bus

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsBridge relays messages between a local Bus and a NATS subject,
// letting several gateway processes share one market data / order flow
// without each holding a direct connection to the others. A subject
// published on any connected process's bridge is delivered to every
// other process's local Bus topic of the same name.
type NatsBridge struct {
	nc     *nats.Conn
	bus    *Bus
	prefix string
	logger *zap.SugaredLogger

	subs []*nats.Subscription
}

// NewNatsBridge connects to url and wires it to bus. prefix namespaces the
// NATS subjects this bridge uses (e.g. "argentum") so unrelated
// applications on the same NATS deployment don't collide with it.
func NewNatsBridge(url, prefix string, localBus *Bus, logger *zap.SugaredLogger) (*NatsBridge, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	return &NatsBridge{nc: nc, bus: localBus, prefix: prefix, logger: logger}, nil
}

func (n *NatsBridge) subject(topic string) string {
	if n.prefix == "" {
		return topic
	}
	return n.prefix + "." + topic
}

// Forward publishes every message the local Bus delivers on topic out to
// the corresponding NATS subject. It does not loop back messages the
// bridge itself received from NATS on the same topic.
func (n *NatsBridge) Forward(topic string) {
	subject := n.subject(topic)
	n.bus.Subscribe(topic, func(data []byte) {
		if err := n.nc.Publish(subject, data); err != nil {
			n.logger.Warnw("nats publish failed", "subject", subject, "error", err)
		}
	})
}

// Absorb subscribes to the NATS subject for topic and republishes
// everything it receives onto the local Bus under the same topic name,
// so in-process consumers see remote publishers as if they were local.
func (n *NatsBridge) Absorb(topic string) error {
	subject := n.subject(topic)
	sub, err := n.nc.Subscribe(subject, func(msg *nats.Msg) {
		if err := n.bus.Publish(topic, msg.Data); err != nil {
			n.logger.Warnw("local publish from nats failed", "topic", topic, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe to nats subject %q: %w", subject, err)
	}
	n.subs = append(n.subs, sub)
	return nil
}

// QueueAbsorb is like Absorb, but joins queue group so only one process in
// the group receives each message — for work distribution (e.g. order
// submission) rather than fan-out (e.g. market data).
func (n *NatsBridge) QueueAbsorb(topic, queueGroup string) error {
	subject := n.subject(topic)
	sub, err := n.nc.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
		if err := n.bus.Publish(topic, msg.Data); err != nil {
			n.logger.Warnw("local publish from nats failed", "topic", topic, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("bus: queue subscribe to nats subject %q: %w", subject, err)
	}
	n.subs = append(n.subs, sub)
	return nil
}

// Close unsubscribes from every NATS subject this bridge opened and closes
// the underlying connection.
func (n *NatsBridge) Close() {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.nc.Close()
}
