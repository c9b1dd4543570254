package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/roundtable/internal/sanitize"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the root subject for published events.
const DefaultSubjectPrefix = "roundtable"

// Config configures event sinks.
type Config struct {
	// NATSURL enables the NATS sink when set.
	NATSURL string `koanf:"nats_url"`

	// SubjectPrefix is the root NATS subject.
	SubjectPrefix string `koanf:"subject_prefix"`

	// RecorderLimit bounds the in-memory recorder.
	RecorderLimit int `koanf:"recorder_limit"`
}

// DefaultConfig returns events logged and recorded, NATS disabled.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: DefaultSubjectPrefix,
		RecorderLimit: 500,
	}
}

// NATSSink publishes events as JSON to
//
//	{prefix}.{run_id}.{event type}
//
// for example roundtable.3f2a-run.phase.transition.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// NewNATSSink wraps an existing connection.
func NewNATSSink(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{nc: nc, prefix: prefix, logger: logger}
}

// ConnectNATS dials url and returns a sink that owns the connection.
func ConnectNATS(url, prefix string, logger *zap.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("roundtable"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	s := NewNATSSink(nc, prefix, logger)
	s.owned = true
	return s, nil
}

// Subject returns the subject an event is published to.
func (s *NATSSink) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, sanitize.Token(e.RunID), e.Type)
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := s.Subject(e)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	s.logger.Debug("event published", zap.String("subject", subject))
	return nil
}

// Close drains the connection if the sink owns it.
func (s *NATSSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.nc.Drain()
}
