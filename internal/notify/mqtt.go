// Package notify forwards alarm events to operators.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"c3loc/go-ingest-server/internal/model"
	"c3loc/go-ingest-server/internal/stats"
)

const publishTimeout = 2 * time.Second

// Publisher is the subset of an MQTT client the notifier needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

var _ Publisher = mqtt.Client(nil)

// MQTT publishes every alarm event as JSON on <prefix>/alarms/<tag_id>.
type MQTT struct {
	client Publisher
	prefix string
	sink   stats.Sink
	logger *slog.Logger
}

// NewMQTT wraps an already connected client.
func NewMQTT(client Publisher, prefix string, sink stats.Sink, logger *slog.Logger) *MQTT {
	if sink == nil {
		sink = stats.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		sink:   sink,
		logger: logger.With("component", "notify"),
	}
}

// Dial connects to broker and returns the client.
func Dial(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true).SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", broker, token.Error())
	}
	return client, nil
}

// Topic is the topic alarms of tagID are published on.
func (m *MQTT) Topic(tagID int64) string {
	return fmt.Sprintf("%s/alarms/%d", m.prefix, tagID)
}

// AlarmRaised publishes ev. Publishing is best effort: failures are counted and logged.
func (m *MQTT) AlarmRaised(ctx context.Context, ev model.AlarmEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("encode alarm event", "error", err)
		return
	}

	topic := m.Topic(ev.TagID)
	token := m.client.Publish(topic, 1, false, payload)

	timeout := publishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	if !token.WaitTimeout(timeout) {
		m.sink.Increment("Alarm Notification Failure")
		m.logger.Warn("alarm publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		m.sink.Increment("Alarm Notification Failure")
		m.logger.Warn("alarm publish failed", "topic", topic, "error", err)
		return
	}
	m.sink.Increment("Alarm Notifications")
}
