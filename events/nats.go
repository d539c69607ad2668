package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "layersync.runs"

// Publisher is the part of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event as JSON on <prefix>.<dataset>.<type>.
// Publish failures are logged, never returned.
type NATSSink struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

func NewNATSSink(pub Publisher, prefix string, logger *slog.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{pub: pub, prefix: prefix, logger: logger}
}

// ConnectNATS connects with unlimited reconnects; drain the connection on shutdown.
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("layersync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

func (s *NATSSink) Subject(e Event) string {
	return s.prefix + "." + e.Dataset + "." + string(e.Type)
}

func (s *NATSSink) Emit(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("encode event", "error", err)
		return
	}
	if err := s.pub.Publish(s.Subject(e), data); err != nil {
		s.logger.Warn("publish event", "subject", s.Subject(e), "error", err)
	}
}
