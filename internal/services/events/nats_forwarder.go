package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/qaharvest/internal/interfaces"
)

// Envelope is the JSON document published to NATS for each forwarded event
type Envelope struct {
	Instance  string      `json:"instance"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// NATSForwarder republishes local events on a NATS subject so external
// observers can follow the scheduler without polling the HTTP API
type NATSForwarder struct {
	nc       *nats.Conn
	subject  string
	instance string
	logger   arbor.ILogger
}

// NewNATSForwarder connects to url and subscribes to the given event types on bus
func NewNATSForwarder(url, subject, instance string, bus interfaces.EventService, logger arbor.ILogger, types ...interfaces.EventType) (*NATSForwarder, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if subject == "" {
		subject = "qaharvest.state"
	}

	nc, err := nats.Connect(url,
		nats.Name("qaharvest-"+instance),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	f := &NATSForwarder{
		nc:       nc,
		subject:  subject,
		instance: instance,
		logger:   logger,
	}

	for _, t := range types {
		if err := bus.Subscribe(t, f.forward); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to subscribe forwarder to %s: %w", t, err)
		}
	}

	logger.Info().Str("url", url).Str("subject", subject).Msg("NATS event forwarding enabled")
	return f, nil
}

func (f *NATSForwarder) forward(ctx context.Context, event interfaces.Event) error {
	data, err := encodeEnvelope(f.instance, event, time.Now())
	if err != nil {
		return err
	}
	return f.nc.Publish(f.subject+"."+string(event.Type), data)
}

func encodeEnvelope(instance string, event interfaces.Event, at time.Time) ([]byte, error) {
	data, err := json.Marshal(Envelope{
		Instance:  instance,
		Type:      string(event.Type),
		Timestamp: at.UTC(),
		Payload:   event.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}
	return data, nil
}

// Close flushes pending messages and closes the connection
func (f *NATSForwarder) Close() error {
	if f.nc == nil {
		return nil
	}
	return f.nc.Drain()
}
