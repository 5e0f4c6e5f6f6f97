// Package telemetry forwards published sensor snapshots to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecsc/pkg/config"
	"github.com/srg/blecsc/sensor"
)

// ErrDisabled is returned by NewMQTTSink when no broker is configured.
var ErrDisabled = errors.New("mqtt telemetry disabled")

const publishTimeout = 5 * time.Second

// Measurement is the payload of the speed and cadence topics.
type Measurement struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is the retained payload of the status topic.
type Status struct {
	BluetoothEnabled bool   `json:"bluetooth_enabled"`
	Scanning         bool   `json:"scanning"`
	Speed            string `json:"speed"`
	Cadence          string `json:"cadence"`
}

type message struct {
	topic    string
	retained bool
	payload  any
}

// MQTTSink publishes measurement changes and sensor status.
type MQTTSink struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	logger *logrus.Logger
	now    func() time.Time

	lastStatus  *Status
	lastSpeed   *float64
	lastCadence *float64
}

// NewMQTTSink builds a sink for cfg. It does not connect until Connect.
func NewMQTTSink(cfg config.MQTTConfig, logger *logrus.Logger) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = logrus.New()
	}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	s := &MQTTSink{cfg: cfg, logger: logger, now: time.Now}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetWill(s.topic("status"), `{"bluetooth_enabled":false,"scanning":false,"speed":"offline","cadence":"offline"}`, cfg.QoS, true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.WithField("broker", broker).Info("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithField("broker", broker).WithError(err).Warn("MQTT connection lost")
	})

	s.client = mqtt.NewClient(opts)
	return s, nil
}

func (s *MQTTSink) topic(name string) string {
	return strings.TrimSuffix(s.cfg.TopicPrefix, "/") + "/" + name
}

// Connect waits for the first broker connection, honoring ctx.
func (s *MQTTSink) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run publishes every snapshot from sub until ctx is done or sub closes.
func (s *MQTTSink) Run(ctx context.Context, sub *sensor.Subscription) error {
	var dropped int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-sub.C():
			if !ok {
				return nil
			}
			if n := sub.Dropped(); n > dropped {
				s.logger.WithField("skipped", n-dropped).Debug("Publisher fell behind, skipped snapshots")
				dropped = n
			}
			for _, msg := range s.changes(snap) {
				if err := s.publish(msg); err != nil {
					s.logger.WithField("topic", msg.topic).WithError(err).Warn("Failed to publish telemetry")
				}
			}
		}
	}
}

// Close disconnects from the broker after flushing in-flight messages.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}

// changes returns the messages that snap makes necessary. Measurements are
// sent only when they differ from the last published value; a nil
// measurement is never sent.
func (s *MQTTSink) changes(snap sensor.Snapshot) []message {
	var out []message

	status := Status{
		BluetoothEnabled: snap.BluetoothEnabled,
		Scanning:         snap.Scanning,
		Speed:            snap.Speed.String(),
		Cadence:          snap.Cadence.String(),
	}
	if s.lastStatus == nil || *s.lastStatus != status {
		s.lastStatus = &status
		out = append(out, message{topic: s.topic("status"), retained: true, payload: status})
	}

	now := s.now()
	if changed(s.lastSpeed, snap.SpeedKmh) {
		out = append(out, message{topic: s.topic("speed"), payload: Measurement{Value: *snap.SpeedKmh, Timestamp: now}})
	}
	if changed(s.lastCadence, snap.CadenceRPM) {
		out = append(out, message{topic: s.topic("cadence"), payload: Measurement{Value: *snap.CadenceRPM, Timestamp: now}})
	}
	s.lastSpeed, s.lastCadence = snap.SpeedKmh, snap.CadenceRPM
	return out
}

func changed(prev, cur *float64) bool {
	if cur == nil {
		return false
	}
	return prev == nil || *prev != *cur
}

func (s *MQTTSink) publish(msg message) error {
	data, err := json.Marshal(msg.payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.topic, err)
	}

	token := s.client.Publish(msg.topic, s.cfg.QoS, msg.retained, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.topic, err)
	}
	s.logger.WithField("topic", msg.topic).Debug("Published telemetry")
	return nil
}
