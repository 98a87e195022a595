package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/config"
	"github.com/orchd/orchd/internal/common/logger"
)

// NATSMirror republishes broker events onto NATS subjects so local
// diagnostics tooling can subscribe without linking against orchd.
// Subjects follow "<prefix>.<event type>", e.g. "orchd.task.chunk".
//
// The mirror is an ordinary subscriber; when disabled (empty URL) the broker
// runs purely in memory.
type NATSMirror struct {
	conn   *nats.Conn
	sub    *Subscription
	prefix string
	logger *logger.Logger
	done   chan struct{}
}

// NewNATSMirror connects to NATS and starts forwarding all broker events.
func NewNATSMirror(cfg config.NATSConfig, broker *Broker, log *logger.Logger) (*NATSMirror, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is empty")
	}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Name("orchd-event-mirror"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "orchd"
	}

	m := &NATSMirror{
		conn:   conn,
		sub:    broker.Subscribe(nil),
		prefix: prefix,
		logger: log.WithComponent("nats-mirror"),
		done:   make(chan struct{}),
	}
	go m.run()

	m.logger.Info("event mirror connected", zap.String("url", cfg.URL), zap.String("prefix", prefix))
	return m, nil
}

func (m *NATSMirror) run() {
	defer close(m.done)
	for ev := range m.sub.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			m.logger.Error("failed to marshal event", zap.Error(err))
			continue
		}
		subject := m.prefix + "." + string(ev.Type)
		if err := m.conn.Publish(subject, data); err != nil {
			m.logger.Warn("failed to publish event",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}
}

// Close detaches from the broker and drains the NATS connection.
func (m *NATSMirror) Close() {
	m.sub.Close()
	<-m.done
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
	}
}
