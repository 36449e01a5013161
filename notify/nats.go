package notify

import (
	"context"
	"encoding/json"
	"time"

	"dana/pump/driver"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Publisher is the part of *nats.Conn the NATS publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials the NATS server with reconnect logging.
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("dana-pump-driver"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
	)
}

// NATSPublisher forwards events as JSON to subject.<kind>.
type NATSPublisher struct {
	conn    Publisher
	subject string
}

func NewNATSPublisher(conn Publisher, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

// Run publishes events until the channel closes or ctx is done.
func (p *NATSPublisher) Run(ctx context.Context, events <-chan driver.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			p.publish(event)
		}
	}
}

func (p *NATSPublisher) publish(event driver.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("kind", event.Kind).Msg("Failed to encode event")
		return
	}

	var subject = p.subject + "." + event.Kind
	if err := p.conn.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}
