package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"amm-sandbox/internal/model"
)

// publisher is the slice of jetstream.JetStream the sink needs.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSSink publishes each notification to {prefix}.{marketKey} on JetStream.
// The notification ID is used as the message ID so redeliveries dedupe.
type NATSSink struct {
	js     publisher
	prefix string
}

func NewNATSSink(js jetstream.JetStream, prefix string) *NATSSink {
	return &NATSSink{js: js, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(marketKey string) string {
	return fmt.Sprintf("%s.%s", s.prefix, marketKey)
}

func (s *NATSSink) Deliver(ctx context.Context, n model.OrderNotification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = s.js.Publish(ctx, s.Subject(n.MarketKey), data, jetstream.WithMsgID(n.ID))
	return err
}

// ConnectNATS dials the server and opens a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("ammd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates the stream that captures {prefix}.>.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	logrus.WithField("component", "notify").Infof("ensured stream %s for %s.>", name, prefix)
	return nil
}
