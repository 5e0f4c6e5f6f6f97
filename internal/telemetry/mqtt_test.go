package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blecsc/internal/radio/radiotest"
	"github.com/srg/blecsc/internal/store"
	"github.com/srg/blecsc/pkg/config"
	"github.com/srg/blecsc/sensor"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes; unused mqtt.Client methods panic via the nil embed.
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	messages   []published
	publishErr error
	connectErr error
}

func (c *fakeClient) Connect() mqtt.Token { return doneToken{err: c.connectErr} }
func (c *fakeClient) Disconnect(uint)     {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return doneToken{err: c.publishErr}
}

func (c *fakeClient) onTopic(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func ptr(v float64) *float64 { return &v }

var fixedNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestSink(client mqtt.Client) *MQTTSink {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &MQTTSink{
		client: client,
		cfg:    config.MQTTConfig{TopicPrefix: "bike/", QoS: 1},
		logger: logger,
		now:    func() time.Time { return fixedNow },
	}
}

func TestNewMQTTSinkDisabled(t *testing.T) {
	_, err := NewMQTTSink(config.MQTTConfig{}, nil)
	assert.ErrorIs(t, err, ErrDisabled)

	sink, err := NewMQTTSink(config.MQTTConfig{Broker: "localhost:1883", ClientID: "t", TopicPrefix: "blecsc"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "blecsc/speed", sink.topic("speed"))
}

type ChangesTestSuite struct {
	suite.Suite
	sink *MQTTSink
}

func (s *ChangesTestSuite) SetupTest() {
	s.sink = newTestSink(&fakeClient{})
}

func (s *ChangesTestSuite) topics(msgs []message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.topic)
	}
	return out
}

func (s *ChangesTestSuite) TestFirstSnapshotPublishesStatusOnly() {
	// GOAL: Verify nil measurements are never published
	//
	// TEST SCENARIO: First snapshot without values -> only retained status

	msgs := s.sink.changes(sensor.Snapshot{BluetoothEnabled: true})
	s.Require().Len(msgs, 1)
	s.Equal("bike/status", msgs[0].topic)
	s.True(msgs[0].retained, "status MUST be retained")
	s.Equal(Status{BluetoothEnabled: true, Speed: "disconnected", Cadence: "disconnected"}, msgs[0].payload)
}

func (s *ChangesTestSuite) TestMeasurementsOnlyOnChange() {
	// GOAL: Verify measurements are published only when their value changes
	//
	// TEST SCENARIO: speed 20 -> same again -> cadence added -> speed 21

	base := sensor.Snapshot{BluetoothEnabled: true}
	s.sink.changes(base)

	snap := base
	snap.SpeedKmh = ptr(20)
	msgs := s.sink.changes(snap)
	s.Equal([]string{"bike/speed"}, s.topics(msgs))
	s.Equal(Measurement{Value: 20, Timestamp: fixedNow}, msgs[0].payload)

	snap.SpeedKmh = ptr(20)
	s.Empty(s.sink.changes(snap), "unchanged value MUST NOT be republished")

	snap.CadenceRPM = ptr(90)
	s.Equal([]string{"bike/cadence"}, s.topics(s.sink.changes(snap)))

	snap.SpeedKmh = ptr(21)
	s.Equal([]string{"bike/speed"}, s.topics(s.sink.changes(snap)))
}

func (s *ChangesTestSuite) TestValueAfterReconnectIsRepublished() {
	// GOAL: Verify a value seen again after the measurement was cleared is published
	//
	// TEST SCENARIO: speed 20 -> nil -> 20 again -> published twice

	snap := sensor.Snapshot{SpeedKmh: ptr(20)}
	s.Contains(s.topics(s.sink.changes(snap)), "bike/speed")

	snap.SpeedKmh = nil
	s.NotContains(s.topics(s.sink.changes(snap)), "bike/speed")

	snap.SpeedKmh = ptr(20)
	s.Contains(s.topics(s.sink.changes(snap)), "bike/speed")
}

func TestChangesTestSuite(t *testing.T) {
	suite.Run(t, new(ChangesTestSuite))
}

func TestRunPublishesManagerSnapshots(t *testing.T) {
	// GOAL: Verify the sink publishes speed computed by a live manager
	//
	// TEST SCENARIO: Manager connects a speed sensor -> two wheel samples one second apart -> speed topic carries ~7.58 km/h

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	central := radiotest.NewCentral()
	manager := sensor.NewManager(central, store.NewMemory(), sensor.WithLogger(logger), sensor.WithConnectTimeout(0))
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() { _ = manager.Close() })

	client := &fakeClient{}
	sink := newTestSink(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx, manager.Subscribe()) }()

	p := radiotest.NewPeripheral("A", "SPD-1")
	require.NoError(t, manager.StartScan())
	central.EmitDiscovered(p)
	res := manager.Connect(sensor.RoleSpeed, p.ID())
	central.EmitConnected(p)
	require.NoError(t, res.Wait(ctx))
	central.EmitCSCProfile(p)
	central.EmitMeasurement(p, radiotest.WheelPayload(100, 1024))
	central.EmitMeasurement(p, radiotest.WheelPayload(101, 2048))

	require.Eventually(t, func() bool { return len(client.onTopic("bike/speed")) > 0 }, time.Second, 5*time.Millisecond,
		"speed MUST be published")

	var m Measurement
	msg := client.onTopic("bike/speed")[0]
	require.NoError(t, json.Unmarshal(msg.payload, &m))
	assert.InDelta(t, 7.578, m.Value, 0.001)
	assert.Equal(t, byte(1), msg.qos)
	assert.False(t, msg.retained)
	assert.NotEmpty(t, client.onTopic("bike/status"))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run MUST stop when its context is cancelled")
	}
}

func TestRunKeepsGoingOnPublishError(t *testing.T) {
	// GOAL: Verify a broker error does not stop the sink
	//
	// TEST SCENARIO: Publish fails -> Run continues until the subscription closes -> returns nil

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	manager := sensor.NewManager(radiotest.NewCentral(), store.NewMemory(), sensor.WithLogger(logger))
	require.NoError(t, manager.Start(context.Background()))

	client := &fakeClient{publishErr: errors.New("not connected")}
	sink := newTestSink(client)

	done := make(chan error, 1)
	go func() { done <- sink.Run(context.Background(), manager.Subscribe()) }()

	require.Eventually(t, func() bool { return len(client.onTopic("bike/status")) > 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, manager.Close())

	select {
	case err := <-done:
		assert.NoError(t, err, "closed subscription MUST end Run cleanly")
	case <-time.After(time.Second):
		t.Fatal("Run MUST stop when the manager closes")
	}
}

func TestConnect(t *testing.T) {
	sink := newTestSink(&fakeClient{connectErr: errors.New("refused")})
	assert.ErrorContains(t, sink.Connect(context.Background()), "refused")

	sink = newTestSink(&fakeClient{})
	assert.NoError(t, sink.Connect(context.Background()))
}
