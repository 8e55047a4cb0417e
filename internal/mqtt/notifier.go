// Package mqtt republishes the user's notification events to an MQTT
// broker so external devices (wall panels, speakers) can react to
// reminders and status changes without holding a WebSocket open. It
// is purely additive: WebSocket delivery never depends on it.
package mqtt

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

	"github.com/liling/aoi-agent/internal/events"
)

// Config holds broker connection settings.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
}

// queueSize bounds events waiting for the broker. A slow or down
// broker drops notifications here instead of stalling the bus.
const queueSize = 64

// Notifier mirrors notification-scope events onto MQTT. It implements
// events.Sink.
type Notifier struct {
	cfg    Config
	userID string
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	// queue decouples Deliver from the broker. The bus consumer only
	// ever enqueues; a publisher goroutine started by Start drains.
	queue chan events.Event
}

// NewNotifier creates a notifier for the given user. Call Start before
// registering it on the bus.
func NewNotifier(logger *slog.Logger, cfg Config, userID string) *Notifier {
	return &Notifier{
		cfg:    cfg,
		userID: userID,
		logger: logger,
		queue:  make(chan events.Event, queueSize),
	}
}

// eventsTopic is where the user's notification events land.
func (n *Notifier) eventsTopic() string {
	return fmt.Sprintf("aoi/%s/events", n.userID)
}

// availabilityTopic carries online/offline status with a will message.
func (n *Notifier) availabilityTopic() string {
	return fmt.Sprintf("aoi/%s/availability", n.userID)
}

// Start connects to the broker. autopaho keeps retrying in the
// background, so a broker that is down at startup is not fatal.
func (n *Notifier) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(n.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := n.cfg.ClientID
	if clientID == "" {
		clientID = "aoi-" + n.userID
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: n.cfg.Username,
		ConnectPassword: []byte(n.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   n.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			n.logger.Info("mqtt connected to broker", "broker", n.cfg.Broker)
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   n.availabilityTopic(),
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				n.logger.Warn("mqtt availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			n.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	n.cm = cm
	go n.publishLoop(ctx)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		n.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes offline availability and disconnects.
func (n *Notifier) Stop(ctx context.Context) error {
	if n.cm == nil {
		return nil
	}
	if _, err := n.cm.Publish(ctx, &paho.Publish{
		Topic:   n.availabilityTopic(),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		n.logger.Warn("mqtt availability publish failed", "error", err)
	}
	return n.cm.Disconnect(ctx)
}

// wirePayload matches the WebSocket event envelope so MQTT consumers
// and WebSocket consumers parse the same shape.
type wirePayload struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Deliver enqueues notification-scope events for this user. Chat
// events and other users' events are ignored. Deliver never blocks:
// the bus consumer also feeds WebSocket clients, so publishing waits
// here would hold up chat streaming whenever the broker is slow.
func (n *Notifier) Deliver(e events.Event) {
	if e.Scope != events.ScopeNotification || e.Key != n.userID {
		return
	}
	select {
	case n.queue <- e:
	default:
		n.logger.Warn("mqtt publish queue full, dropping event", "type", e.Type)
	}
}

// publishLoop drains the queue one event at a time, preserving the
// order Deliver saw. It exits when the Start context is canceled.
func (n *Notifier) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-n.queue:
			n.publish(ctx, e)
		}
	}
}

func (n *Notifier) publish(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(wirePayload{Type: e.Type, Payload: e.Payload})
	if err != nil {
		n.logger.Warn("mqtt event marshal failed", "type", e.Type, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := n.cm.Publish(pubCtx, &paho.Publish{
		Topic:   n.eventsTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		n.logger.Warn("mqtt event publish failed", "type", e.Type, "error", err)
		return
	}
	n.logger.Debug("mqtt event published", "type", e.Type)
}
