package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Type string

const (
	JobSubmitted Type = "submitted"
	JobStarted   Type = "started"
	JobCancelled Type = "cancelled"
	JobFinished  Type = "finished"
	VerdictAdded Type = "verdict"
)

// Event is a job lifecycle notification
type Event struct {
	Type      Type      `json:"type"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Username  string    `json:"username,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers lifecycle events. Delivery is best effort and never fails a job.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close()
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close()                         {}

// NATSPublisher publishes events on <subject>.<type>
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

func NewNATSPublisher(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	p := &NATSPublisher{
		subject: subject,
		logger:  logger.Named("events"),
	}

	conn, err := nats.Connect(
		url,
		nats.Name("warncheck"),
		nats.ReconnectHandler(p.reconnectHandler),
		nats.DisconnectErrHandler(p.disconnectHandler),
	)
	if err != nil {
		return nil, err
	}
	p.conn = conn

	return p, nil
}

// New returns a NATS publisher when url is set, otherwise a no-op
func New(url, subject string, logger *zap.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	p, err := NewNATSPublisher(url, subject, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) reconnectHandler(nc *nats.Conn) {
	p.logger.Info("got reconnected", zap.String("url", nc.ConnectedUrl()))
}

func (p *NATSPublisher) disconnectHandler(_ *nats.Conn, err error) {
	p.logger.Error("got disconnected", zap.Error(err))
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject+"."+string(event.Type), data); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("job_id", event.JobID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("failed to drain connection", zap.Error(err))
	}
}
