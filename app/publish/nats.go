package publish

import (
	"encoding/json"
	"fmt"

	"go-meshcore-gateway/app/models"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// Publisher fans emitted messages out over NATS, one subject per
// direction: <subject>.in and <subject>.out. A nil *Publisher is valid
// and publishes nothing.
type Publisher struct {
	nc      conn
	subject string
	log     *zap.Logger
}

// Connect dials url. An empty url disables publishing and returns a nil
// publisher.
func Connect(url, subject string, log *zap.Logger) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("publish")

	log.Info("attempting to connect to NATS", zap.String("url", url))
	nc, err := nats.Connect(url,
		nats.Name("meshcore-gateway"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("could not connect to NATS at %s: %w", url, err)
	}
	log.Info("connected to NATS", zap.String("url", url), zap.String("subject", subject))
	return newPublisher(nc, subject, log), nil
}

func newPublisher(nc conn, subject string, log *zap.Logger) *Publisher {
	if subject == "" {
		subject = "meshcore.messages"
	}
	return &Publisher{nc: nc, subject: subject, log: log}
}

// Subject returns the subject msg is published on.
func (p *Publisher) Subject(msg models.Message) string {
	dir := msg.Direction
	if dir == "" {
		dir = models.DirectionIn
	}
	return p.subject + "." + string(dir)
}

// Publish sends msg as JSON. Failures are logged, never returned: the
// fan-out is best effort.
func (p *Publisher) Publish(msg models.Message) {
	if p == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error("could not encode message", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.Subject(msg), data); err != nil {
		p.log.Warn("publish failed", zap.String("subject", p.Subject(msg)), zap.Error(err))
	}
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.nc.Drain()
}
