package discovery

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
	"github.com/loomos/loomos/internal/config"
)

// MQTTListener subscribes to the announce topic on an MQTT broker so
// tool servers on networks without a route to the HTTP listener can
// still announce themselves. Broker reconnects are handled by autopaho;
// the subscription is re-established on every connection.
type MQTTListener struct {
	cfg        config.MQTTConfig
	logger     *slog.Logger
	onAnnounce AnnounceFunc
	cm         *autopaho.ConnectionManager
}

// NewMQTTListener creates an MQTT discovery listener. Call Start to
// connect.
func NewMQTTListener(cfg config.MQTTConfig, onAnnounce AnnounceFunc, logger *slog.Logger) *MQTTListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTListener{
		cfg:        cfg,
		logger:     logger,
		onAnnounce: onAnnounce,
	}
}

// Start connects to the broker and subscribes to the announce topic.
// The connection lives until Stop; autopaho keeps retrying in the
// background if the broker is unreachable.
func (m *MQTTListener) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := m.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: m.cfg.Topic, QoS: 1},
				},
			}); err != nil {
				m.logger.Warn("mqtt subscribe failed",
					"topic", m.cfg.Topic, "error", err)
				return
			}
			m.logger.Info("mqtt discovery subscribed", "topic", m.cfg.Topic)
			m.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background",
			"error", err)
	}
	return nil
}

// handleMessage parses one announce payload. Malformed or invalid
// announcements are logged and dropped; the subscription stays up.
func (m *MQTTListener) handleMessage(topic string, payload []byte) {
	var ann Announcement
	if err := json.Unmarshal(payload, &ann); err != nil {
		m.logger.Warn("mqtt announcement is not valid JSON",
			"topic", topic, "error", err)
		return
	}

	sc, err := ann.ServerConfig()
	if err != nil {
		m.logger.Warn("mqtt announcement rejected",
			"topic", topic, "error", err)
		return
	}

	m.logger.Info("MCP server announced via mqtt",
		"server", sc.ID,
		"transport", sc.Transport,
	)
	go m.onAnnounce(sc)
}

// Stop publishes an "offline" availability message and disconnects
// from the broker.
func (m *MQTTListener) Stop(ctx context.Context) error {
	if m.cm == nil {
		return nil
	}
	m.publishAvailability(ctx, m.cm, "offline")
	return m.cm.Disconnect(ctx)
}

// availabilityTopic is where the listener's online/offline status is
// published, retained, so announcing servers can tell whether anyone
// is listening.
func (m *MQTTListener) availabilityTopic() string {
	return m.cfg.Topic + "/availability"
}

func (m *MQTTListener) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed",
			"state", state, "error", err)
	}
}
