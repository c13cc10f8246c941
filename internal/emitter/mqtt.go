// Package emitter publishes successful verdicts to an MQTT broker for
// out-of-band fleet monitoring. The emitter is optional; the server runs
// without it when no broker is configured.
package emitter

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/drowsylab/inference-server/internal/logger"
)

// Config describes the broker connection
type Config struct {
	Broker   string // e.g. "tcp://localhost:1883"
	ClientID string
	Topic    string
	QoS      byte
}

// MQTTEmitter publishes verdict payloads as JSON to a single topic
type MQTTEmitter struct {
	cfg    Config
	client mqtt.Client
}

type envelope struct {
	Channel   string `json:"channel"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// NewMQTT creates an emitter for the given broker config
func NewMQTT(cfg Config) *MQTTEmitter {
	if cfg.Topic == "" {
		cfg.Topic = "drowsiness/verdicts"
	}
	return &MQTTEmitter{cfg: cfg}
}

// Connect establishes the broker connection. Reconnects are automatic after
// the first successful connect.
func (e *MQTTEmitter) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(e.cfg.Broker).
		SetClientID(e.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("Emitter", "connected to MQTT broker %s", e.cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("Emitter", "MQTT connection lost, auto-reconnecting: %v", err)
	}

	e.client = mqtt.NewClient(opts)
	token := e.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connect to %s timed out", e.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", e.cfg.Broker, err)
	}
	return nil
}

// Publish implements session.Sink. Delivery failures are logged, never
// propagated: verdict fanout must not fail the client's request.
func (e *MQTTEmitter) Publish(channelID string, payload any) {
	if e.client == nil {
		return
	}
	data, err := json.Marshal(envelope{
		Channel:   channelID,
		Timestamp: time.Now().Unix(),
		Data:      payload,
	})
	if err != nil {
		logger.Warn("Emitter", "marshal verdict for channel %s: %v", channelID, err)
		return
	}
	token := e.client.Publish(e.cfg.Topic, e.cfg.QoS, false, data)
	go func() {
		if token.WaitTimeout(2*time.Second) && token.Error() != nil {
			logger.Warn("Emitter", "publish to %s failed: %v", e.cfg.Topic, token.Error())
		}
	}()
}

// Close disconnects from the broker
func (e *MQTTEmitter) Close() {
	if e.client != nil {
		e.client.Disconnect(250)
	}
}
