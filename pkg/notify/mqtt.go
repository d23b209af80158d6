package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/gridcharge/pkg/log"
	"github.com/raterudder/gridcharge/pkg/types"
)

const (
	mqttPayloadOnline  = "online"
	mqttPayloadOffline = "offline"

	mqttEventStarted = "charging_started"
	mqttEventStopped = "charging_stopped"
)

// publisher is the part of an mqtt client MQTT needs.
type publisher interface {
	Publish(ctx context.Context, topic string, retain bool, payload []byte) error
	Close()
}

// MQTT publishes every notice to <base>/event/<kind> and keeps a retained
// summary of the latest one at <base>/state.
type MQTT struct {
	broker    string
	baseTopic string
	username  string
	password  string
	timeout   time.Duration

	pub publisher
}

// mqttState is the retained payload on <base>/state.
type mqttState struct {
	Event    string            `json:"event"`
	Time     time.Time         `json:"time"`
	Charging bool              `json:"charging"`
	SOCPct   *float64          `json:"socPct,omitempty"`
	Report   *types.StopReport `json:"report,omitempty"`
}

func configuredMQTT() *MQTT {
	m := &MQTT{}
	broker := lflag.String("mqtt-broker", "", "MQTT broker url, e.g. tcp://localhost:1883, mqtt notifications are disabled when empty")
	baseTopic := lflag.String("mqtt-base-topic", "gridcharge", "Base topic for mqtt notifications")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	timeout := lflag.Duration("mqtt-timeout", 10*time.Second, "Timeout for mqtt connect and publish")

	lflag.Do(func() {
		m.broker = *broker
		m.baseTopic = strings.TrimSuffix(*baseTopic, "/")
		m.username = *username
		m.password = *password
		m.timeout = *timeout
		if m.Enabled() {
			m.pub = newPahoPublisher(m.clientOptions(), m.statusTopic(), m.timeout)
		}
	})

	return m
}

// Enabled reports whether a broker is configured.
func (m *MQTT) Enabled() bool {
	return m.broker != ""
}

// Validate ensures the configuration is valid.
func (m *MQTT) Validate() error {
	if m.broker == "" {
		return fmt.Errorf("mqtt-broker is required")
	}
	u, err := url.Parse(m.broker)
	if err != nil {
		return fmt.Errorf("failed to parse mqtt-broker (%s): %w", m.broker, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("mqtt-broker must look like tcp://host:port: %s", m.broker)
	}
	if m.baseTopic == "" {
		return fmt.Errorf("mqtt-base-topic is required")
	}
	if m.timeout <= 0 {
		return fmt.Errorf("mqtt-timeout must be positive")
	}
	return nil
}

func (m *MQTT) statusTopic() string {
	return m.baseTopic + "/status"
}

func (m *MQTT) stateTopic() string {
	return m.baseTopic + "/state"
}

func (m *MQTT) eventTopic(kind string) string {
	return m.baseTopic + "/event/" + kind
}

func (m *MQTT) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(m.broker)
	opts.SetClientID("gridcharge_" + uuid.NewString()[:8])
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(m.timeout)
	opts.SetWill(m.statusTopic(), mqttPayloadOffline, 0, true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		c.Publish(m.statusTopic(), 0, true, mqttPayloadOnline)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Ctx(context.Background()).Warn("mqtt connection lost", slog.Any("error", err))
	})
	return opts
}

func (m *MQTT) publish(ctx context.Context, event string, state mqttState, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode mqtt %s payload: %w", event, err)
	}
	if err := m.pub.Publish(ctx, m.eventTopic(event), false, b); err != nil {
		return fmt.Errorf("failed to publish mqtt %s event: %w", event, err)
	}
	sb, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode mqtt state: %w", err)
	}
	if err := m.pub.Publish(ctx, m.stateTopic(), true, sb); err != nil {
		return fmt.Errorf("failed to publish mqtt state: %w", err)
	}
	return nil
}

func (m *MQTT) ChargingStarted(ctx context.Context, n types.StartNotice) error {
	return m.publish(ctx, mqttEventStarted, mqttState{
		Event:    mqttEventStarted,
		Time:     n.Time,
		Charging: true,
		SOCPct:   n.CurrentSOCPct,
	}, n)
}

func (m *MQTT) ChargingStopped(ctx context.Context, n types.StopNotice) error {
	return m.publish(ctx, mqttEventStopped, mqttState{
		Event:    mqttEventStopped,
		Time:     n.Time,
		Charging: false,
		Report:   &n.Report,
	}, n)
}

// Anomaly publishes only the event. The retained state still describes the
// last start or stop.
func (m *MQTT) Anomaly(ctx context.Context, a types.Anomaly) error {
	a.Details = Redact(a.Details)
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode mqtt anomaly: %w", err)
	}
	if err := m.pub.Publish(ctx, m.eventTopic(string(a.Kind)), false, b); err != nil {
		return fmt.Errorf("failed to publish mqtt anomaly: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	if m.pub != nil {
		m.pub.Close()
	}
}

type pahoPublisher struct {
	client      paho.Client
	statusTopic string
	timeout     time.Duration
}

func newPahoPublisher(opts *paho.ClientOptions, statusTopic string, timeout time.Duration) *pahoPublisher {
	return &pahoPublisher{client: paho.NewClient(opts), statusTopic: statusTopic, timeout: timeout}
}

func (p *pahoPublisher) wait(ctx context.Context, token paho.Token, what string) error {
	timeout := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return errors.New("mqtt " + what + " timed out")
	}
	return token.Error()
}

// Publish connects on first use so a broker that is down at startup doesn't
// stop the daemon.
func (p *pahoPublisher) Publish(ctx context.Context, topic string, retain bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		if err := p.wait(ctx, p.client.Connect(), "connect"); err != nil {
			return err
		}
	}
	return p.wait(ctx, p.client.Publish(topic, 1, retain, payload), "publish")
}

func (p *pahoPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Publish(p.statusTopic, 0, true, mqttPayloadOffline).WaitTimeout(p.timeout)
	}
	p.client.Disconnect(uint(p.timeout.Milliseconds()))
}
