package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"

	"github.com/pitabwire/formflow/internal/observability"
)

// msgPublisher is the part of *nats.Conn the publisher uses.
type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublisher publishes events as JSON messages with trace headers.
type NATSPublisher struct {
	conn   msgPublisher
	nc     *nats.Conn
	prefix string
}

// ConnectNATS dials url and returns a publisher owning the connection.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("formflow"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: nc, nc: nc, prefix: prefix}, nil
}

// Publish sends the event on its subject.
func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(Subject(p.prefix, ev))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set("Formflow-Submission-Id", ev.SubmissionID)
	observability.InjectTraceHeaders(ctx, http.Header(msg.Header))

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// HealthCheck reports whether the connection is up.
func (p *NATSPublisher) HealthCheck(context.Context) error {
	if p.nc == nil {
		return nil
	}
	if status := p.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
