// Package statusbridge mirrors Event Bus activity to an external MQTT
// broker, so a phone or dashboard can observe sidecar and download
// status without holding a connection to the application itself.
// Connection lifecycle is grounded on the teacher's internal/mqtt
// Publisher: autopaho.ConnectionManager with a last-will "offline"
// message and a birth "online" message on connect.
package statusbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/inkwell-ai/inkwell/internal/events"
)

// Config configures the broker connection and topic prefix.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topic     string // base topic; status/download/chat events publish under it
	Logger    *slog.Logger
}

// Bridge subscribes to the Event Bus and republishes a subset of
// channels (model:status, download:*, chat:error, chat:warning) as MQTT
// messages under cfg.Topic; only model:status is published retained.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	cm     *autopaho.ConnectionManager
}

// New returns a Bridge that does not yet hold a broker connection.
// Call Start to connect and begin forwarding.
func New(cfg Config, bus *events.Bus) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: cfg.Logger.With("component", "statusbridge"), bus: bus}
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. It blocks until the initial connection succeeds or a
// 10-second timeout elapses; thereafter autopaho retries in the
// background and forwarding resumes on reconnect.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker url: %w", err)
	}

	availTopic := b.cfg.Topic + "/availability"
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected", "broker", b.cfg.BrokerURL)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, _ = cm.Publish(publishCtx, &paho.Publish{Topic: availTopic, Payload: []byte("online"), QoS: 1, Retain: true})
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: b.cfg.ClientID},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	sub := b.bus.Subscribe(64)
	go b.forward(ctx, sub)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	_, _ = b.cm.Publish(ctx, &paho.Publish{
		Topic: b.cfg.Topic + "/availability", Payload: []byte("offline"), QoS: 1, Retain: true,
	})
	return b.cm.Disconnect(ctx)
}

func (b *Bridge) forward(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if !forwarded[evt.Kind] {
				continue
			}
			b.publish(ctx, evt)
		}
	}
}

// forwarded lists the channels worth mirroring externally. Per-token
// streaming (chat:token) is deliberately excluded: too high-volume for
// a retained MQTT topic and of no use to a status dashboard.
var forwarded = map[string]bool{
	events.KindModelStatus:      true,
	events.KindDownloadProgress: true,
	events.KindDownloadComplete: true,
	events.KindDownloadError:    true,
	events.KindChatError:        true,
	events.KindChatWarning:      true,
}

func (b *Bridge) publish(ctx context.Context, evt events.Event) {
	payload, err := json.Marshal(evt.Data)
	if err != nil {
		b.logger.Warn("marshal event for mqtt", "kind", evt.Kind, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := b.cm.Publish(pubCtx, &paho.Publish{
		Topic:   b.cfg.Topic + "/" + evt.Kind,
		Payload: payload,
		QoS:     0,
		Retain:  evt.Kind == events.KindModelStatus,
	}); err != nil {
		b.logger.Warn("publish event to mqtt", "kind", evt.Kind, "error", err)
	}
}
