package sensor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blecsc/internal/radio"
	"github.com/srg/blecsc/internal/radio/radiotest"
	"github.com/srg/blecsc/internal/store"
)

type ManagerTestSuite struct {
	suite.Suite

	central *radiotest.Central
	store   *store.Memory
	manager *Manager

	a, b, c *radiotest.Peripheral
}

func (s *ManagerTestSuite) SetupTest() {
	s.store = store.NewMemory()
	s.a = radiotest.NewPeripheral("A", "SPD-1")
	s.b = radiotest.NewPeripheral("B", "SPD-2")
	s.c = radiotest.NewPeripheral("C", "")
}

func (s *ManagerTestSuite) TearDownTest() {
	if s.manager != nil {
		s.Require().NoError(s.manager.Close())
		s.manager = nil
	}
}

func (s *ManagerTestSuite) start(centralOpts []radiotest.Option, opts ...Option) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s.central = radiotest.NewCentral(centralOpts...)
	opts = append([]Option{WithLogger(logger), WithConnectTimeout(0)}, opts...)
	s.manager = NewManager(s.central, s.store, opts...)
	s.Require().NoError(s.manager.Start(context.Background()))
}

func (s *ManagerTestSuite) discover(ps ...*radiotest.Peripheral) {
	s.Require().NoError(s.manager.StartScan())
	for _, p := range ps {
		s.central.EmitDiscovered(p)
	}
}

func (s *ManagerTestSuite) wait(res *ConnectResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := res.Wait(ctx)
	s.Require().NotErrorIs(err, context.DeadlineExceeded, "connect result MUST resolve")
	return err
}

func (s *ManagerTestSuite) connect(role Role, p *radiotest.Peripheral) {
	res := s.manager.Connect(role, p.ID())
	s.central.EmitConnected(p)
	s.Require().NoError(s.wait(res))
	s.central.EmitCSCProfile(p)
}

// adapterLinkCalls returns Connect/CancelConnection calls as "Method:ID" in call order.
func (s *ManagerTestSuite) adapterLinkCalls() []string {
	var out []string
	for _, call := range s.central.Calls {
		if call.Method != "Connect" && call.Method != "CancelConnection" {
			continue
		}
		p := call.Arguments.Get(0).(radio.Peripheral)
		out = append(out, call.Method+":"+p.ID().String())
	}
	return out
}

// TestEndToEndScenario verifies discovery, connection and speed decoding together.
func (s *ManagerTestSuite) TestEndToEndScenario() {
	// GOAL: A full ride from scan to a live speed reading
	//
	// TEST SCENARIO: Discover A "SPD-1", B "SPD-2", C unnamed → connect speed to A → two wheel samples → 151.56 km/h

	s.start(nil)
	s.discover(s.a, s.b, s.c)

	s.Assert().Equal([]Sensor{
		{ID: "A", Name: "SPD-1", RSSI: -60},
		{ID: "B", Name: "SPD-2", RSSI: -60},
	}, s.manager.Sensors(), "listing MUST show exactly the named sensors in discovery order")

	s.connect(RoleSpeed, s.a)

	s.Assert().Equal(RoleState{Phase: Connected, Peripheral: "A"}, s.manager.State(RoleSpeed))
	saved, ok := s.store.Get(store.KeySpeedSensor)
	s.Assert().True(ok)
	s.Assert().Equal("A", saved, "connected sensor MUST be remembered")

	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(100, 1000))
	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(110, 1512))

	snap := s.manager.Snapshot()
	s.Require().NotNil(snap.SpeedKmh)
	s.Assert().InDelta(151.56, *snap.SpeedKmh, 1e-9)
	s.Assert().Nil(snap.CadenceRPM, "cadence MUST stay nil without a cadence sensor")

	s.central.AssertCalled(s.T(), "DiscoverServices", s.a, []string{radio.ServiceCyclingSpeedAndCadence})
	s.central.AssertCalled(s.T(), "DiscoverCharacteristics", s.a, radio.ServiceCyclingSpeedAndCadence,
		[]string{radio.CharacteristicCSCMeasurement})
	s.central.AssertCalled(s.T(), "SetNotify", s.a, radio.ServiceCyclingSpeedAndCadence,
		radio.CharacteristicCSCMeasurement, true)
}

func (s *ManagerTestSuite) TestConnectUnknownSensor() {
	s.start(nil)
	s.discover(s.a)

	err := s.wait(s.manager.Connect(RoleSpeed, "Z"))

	s.Assert().ErrorIs(err, ErrSensorNotFound)
	var nf *SensorNotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Assert().Equal(radio.PeripheralID("Z"), nf.ID)
	s.central.AssertNotCalled(s.T(), "Connect", mock.Anything, mock.Anything)
	s.Assert().Equal(Disconnected, s.manager.State(RoleSpeed).Phase)
}

// TestSwitchSensor verifies the old link is torn down before the new one is requested.
func (s *ManagerTestSuite) TestSwitchSensor() {
	// GOAL: At most one active connection per role
	//
	// TEST SCENARIO: Speed connected to A → connect speed to B → adapter sees Connect(A), Cancel(A), Connect(B)

	s.start(nil)
	s.discover(s.a, s.b)
	s.connect(RoleSpeed, s.a)

	res := s.manager.Connect(RoleSpeed, s.b.ID())
	s.Assert().Equal(RoleState{Phase: Connecting, Peripheral: "B"}, s.manager.State(RoleSpeed))
	s.central.EmitConnected(s.b)
	s.Require().NoError(s.wait(res))

	s.Assert().Equal([]string{"Connect:A", "CancelConnection:A", "Connect:B"}, s.adapterLinkCalls(),
		"switching MUST issue exactly one disconnect-then-connect sequence")
	saved, _ := s.store.Get(store.KeySpeedSensor)
	s.Assert().Equal("B", saved)
}

func (s *ManagerTestSuite) TestReconnectSameSensorIsNoop() {
	s.start(nil)
	s.discover(s.a)
	s.connect(RoleSpeed, s.a)

	s.Require().NoError(s.wait(s.manager.Connect(RoleSpeed, s.a.ID())))
	s.central.AssertNumberOfCalls(s.T(), "Connect", 1)
	s.central.AssertNotCalled(s.T(), "CancelConnection", mock.Anything)
}

// TestSupersedePendingConnect verifies a second connect cancels the first attempt.
func (s *ManagerTestSuite) TestSupersedePendingConnect() {
	// GOAL: Only one connect in flight per role
	//
	// TEST SCENARIO: Connect A (pending) → connect B → A's result fails as superseded, late A success is cancelled

	s.start(nil)
	s.discover(s.a, s.b)

	first := s.manager.Connect(RoleSpeed, s.a.ID())
	second := s.manager.Connect(RoleSpeed, s.b.ID())

	err := s.wait(first)
	s.Assert().ErrorIs(err, ErrConnectionFailed)
	s.Assert().ErrorIs(err, ErrSuperseded)
	s.Assert().Equal(RoleState{Phase: Connecting, Peripheral: "B"}, s.manager.State(RoleSpeed))

	s.central.EmitConnected(s.a)
	s.Assert().Equal(RoleState{Phase: Connecting, Peripheral: "B"}, s.manager.State(RoleSpeed),
		"late success of a superseded attempt MUST NOT bind the role")

	s.central.EmitConnected(s.b)
	s.Require().NoError(s.wait(second))

	s.Assert().Equal([]string{"Connect:A", "CancelConnection:A", "Connect:B", "CancelConnection:A"}, s.adapterLinkCalls())
}

func (s *ManagerTestSuite) TestConnectFailure() {
	s.start(nil)
	s.discover(s.a)

	res := s.manager.Connect(RoleSpeed, s.a.ID())
	boom := errors.New("boom")
	s.central.EmitConnectFailed(s.a, boom)

	err := s.wait(res)
	s.Assert().ErrorIs(err, ErrConnectionFailed)
	s.Assert().ErrorIs(err, boom)
	var cf *ConnectionFailedError
	s.Require().ErrorAs(err, &cf)
	s.Assert().Equal(RoleSpeed, cf.Role)

	s.Assert().Equal(Disconnected, s.manager.State(RoleSpeed).Phase)
	_, ok := s.store.Get(store.KeySpeedSensor)
	s.Assert().False(ok, "failed connection MUST NOT be remembered")

	// Retry after failure works.
	res = s.manager.Connect(RoleSpeed, s.a.ID())
	s.central.EmitConnected(s.a)
	s.Assert().NoError(s.wait(res))
}

func (s *ManagerTestSuite) TestConnectRejectedByAdapter() {
	s.start(nil)
	s.discover(s.a)
	s.central.FailWith("Connect", errors.New("device already connected"))

	err := s.wait(s.manager.Connect(RoleCadence, s.a.ID()))

	s.Assert().ErrorIs(err, ErrConnectionFailed)
	s.Assert().ErrorIs(err, radio.ErrAlreadyConnected)
	s.Assert().Equal(Disconnected, s.manager.State(RoleCadence).Phase)
}

func (s *ManagerTestSuite) TestScanLifecycle() {
	s.start(nil, WithScanFilter(nil))

	s.Require().NoError(s.manager.StartScan())
	s.Require().NoError(s.manager.StartScan())
	s.central.AssertNumberOfCalls(s.T(), "Scan", 1)
	s.central.AssertCalled(s.T(), "Scan", []string(nil), &radio.ScanOptions{AllowDuplicates: true})

	s.central.EmitDiscovered(s.a)
	s.central.EmitDiscovered(s.b)
	s.Require().Len(s.manager.Sensors(), 2)

	s.Require().NoError(s.manager.StopScan())
	s.Assert().Empty(s.manager.Sensors(), "stopScan MUST empty the discovered set")
	s.Assert().False(s.manager.Snapshot().Scanning)

	s.central.EmitDiscovered(s.a)
	s.Assert().Empty(s.manager.Sensors(), "advertisements after stopScan MUST be ignored")

	err := s.wait(s.manager.Connect(RoleSpeed, s.a.ID()))
	s.Assert().ErrorIs(err, ErrSensorNotFound, "cleared sensors MUST NOT be connectable")

	s.Require().NoError(s.manager.StopScan())
	s.central.AssertNumberOfCalls(s.T(), "StopScan", 1)
}

func (s *ManagerTestSuite) TestLateAdvertisedName() {
	s.start(nil)
	s.Require().NoError(s.manager.StartScan())

	s.central.Emit(radio.Discovered{Peripheral: radiotest.NewPeripheral("D", ""), RSSI: -70})
	s.Assert().Empty(s.manager.Sensors())

	s.central.Emit(radio.Discovered{Peripheral: radiotest.NewPeripheral("D", ""), LocalName: "CAD-9", RSSI: -65})
	s.Assert().Equal([]Sensor{{ID: "D", Name: "CAD-9", RSSI: -65}}, s.manager.Sensors())
}

func (s *ManagerTestSuite) TestScanIgnoredWhileBluetoothOff() {
	s.start([]radiotest.Option{radiotest.WithInitialPower(radio.PowerOff)})

	s.Assert().False(s.manager.BluetoothEnabled())
	s.Require().NoError(s.manager.StartScan())
	s.central.AssertNotCalled(s.T(), "Scan", mock.Anything, mock.Anything)
	s.Assert().False(s.manager.Snapshot().Scanning)

	s.central.EmitPower(radio.PowerOn)
	s.Assert().True(s.manager.BluetoothEnabled())
	s.Assert().False(s.manager.Snapshot().Scanning, "enabling Bluetooth MUST NOT start a scan by itself")
}

// TestDisconnectIsSynchronous verifies Disconnect updates state without waiting for the adapter.
func (s *ManagerTestSuite) TestDisconnectIsSynchronous() {
	// GOAL: Explicit disconnect releases the role immediately and forgets the sensor
	//
	// TEST SCENARIO: Speed connected with a value → Disconnect → Disconnected, value nil, key removed

	s.start(nil)
	s.discover(s.a)
	s.connect(RoleSpeed, s.a)
	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(1, 0))
	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(2, 1024))
	s.Require().NotNil(s.manager.Snapshot().SpeedKmh)

	s.Require().NoError(s.manager.Disconnect(RoleSpeed))

	snap := s.manager.Snapshot()
	s.Assert().Equal(Disconnected, snap.Speed.Phase)
	s.Assert().Nil(snap.SpeedKmh, "value MUST be nil once disconnected")
	_, ok := s.store.Get(store.KeySpeedSensor)
	s.Assert().False(ok, "explicit disconnect MUST forget the sensor")
	s.central.AssertCalled(s.T(), "CancelConnection", s.a)

	s.central.EmitDisconnected(s.a, nil)
	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(3, 2048))
	s.Assert().Nil(s.manager.Snapshot().SpeedKmh, "late adapter events MUST be ignored")
}

func (s *ManagerTestSuite) TestDisconnectPendingConnect() {
	s.start(nil)
	s.discover(s.a)

	res := s.manager.Connect(RoleCadence, s.a.ID())
	s.Require().NoError(s.manager.Disconnect(RoleCadence))

	err := s.wait(res)
	s.Assert().ErrorIs(err, ErrConnectionFailed)
	s.Assert().ErrorIs(err, radio.ErrCanceled)
	s.central.AssertCalled(s.T(), "CancelConnection", s.a)
}

func (s *ManagerTestSuite) TestAdapterDisconnectKeepsRememberedSensor() {
	s.start(nil)
	s.discover(s.a)
	s.connect(RoleSpeed, s.a)

	s.central.EmitDisconnected(s.a, errors.New("link lost"))

	s.Assert().Equal(Disconnected, s.manager.State(RoleSpeed).Phase)
	saved, ok := s.store.Get(store.KeySpeedSensor)
	s.Assert().True(ok)
	s.Assert().Equal("A", saved, "adapter disconnect MUST keep the sensor for the next start")
}

// TestStaleNotificationDropped verifies notifications are attributed only to the role's current peripheral.
func (s *ManagerTestSuite) TestStaleNotificationDropped() {
	// GOAL: A peripheral that is no longer assigned cannot move the published speed
	//
	// TEST SCENARIO: Speed A → switch to B → A keeps notifying → speed stays nil; unknown peripheral ignored

	s.start(nil)
	s.discover(s.a, s.b)
	s.connect(RoleSpeed, s.a)
	s.connect(RoleSpeed, s.b)

	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(100, 1000))
	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(110, 1512))
	s.Assert().Nil(s.manager.Snapshot().SpeedKmh, "stale notifications MUST NOT be attributed")

	ghost := radiotest.NewPeripheral("G", "ghost")
	s.central.EmitMeasurement(ghost, radiotest.WheelPayload(1, 1))
	s.central.EmitMeasurement(ghost, radiotest.WheelPayload(9, 1025))
	s.Assert().Nil(s.manager.Snapshot().SpeedKmh)

	s.central.Emit(radio.ValueUpdated{Peripheral: s.b, Characteristic: "2a19", Value: []byte{80}})
	s.Assert().Nil(s.manager.Snapshot().SpeedKmh, "other characteristics MUST NOT be decoded")
}

// TestPauseZeroesSpeed verifies the pause policy through the manager.
func (s *ManagerTestSuite) TestPauseZeroesSpeed() {
	// GOAL: A stalled wheel drops to zero after three non-updates
	//
	// TEST SCENARIO: Speed value published → three repeated event times → 0 on the third

	s.start(nil)
	s.discover(s.a)
	s.connect(RoleSpeed, s.a)

	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(10, 1000))
	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(12, 2024))
	first := s.manager.Snapshot().SpeedKmh
	s.Require().NotNil(first)
	s.Require().Greater(*first, 0.0)

	for i := 1; i <= 2; i++ {
		s.central.EmitMeasurement(s.a, radiotest.WheelPayload(12, 2024))
		s.Assert().Equal(*first, *s.manager.Snapshot().SpeedKmh, "miss %d MUST keep the value", i)
	}

	s.central.EmitMeasurement(s.a, radiotest.CrankPayload(5, 5))
	s.Assert().Equal(0.0, *s.manager.Snapshot().SpeedKmh, "third miss MUST zero the speed")

	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(12, 2024))
	s.Assert().Equal(0.0, *s.manager.Snapshot().SpeedKmh)
}

// TestSharedPeripheral verifies one combined sensor can serve both roles on a single link.
func (s *ManagerTestSuite) TestSharedPeripheral() {
	// GOAL: Speed and cadence from one combined sensor
	//
	// TEST SCENARIO: Connect speed and cadence to A → one adapter connect → combined payloads feed both values

	s.start(nil)
	s.discover(s.a)
	s.connect(RoleSpeed, s.a)
	s.Require().NoError(s.wait(s.manager.Connect(RoleCadence, s.a.ID())))

	s.central.AssertNumberOfCalls(s.T(), "Connect", 1)
	snap := s.manager.Snapshot()
	s.Assert().Equal(RoleState{Phase: Connected, Peripheral: "A"}, snap.Cadence)

	s.central.EmitMeasurement(s.a, radiotest.CombinedPayload(100, 1000, 50, 1000))
	s.central.EmitMeasurement(s.a, radiotest.CombinedPayload(110, 1512, 51, 2024))

	snap = s.manager.Snapshot()
	s.Require().NotNil(snap.SpeedKmh)
	s.Require().NotNil(snap.CadenceRPM)
	s.Assert().InDelta(151.56, *snap.SpeedKmh, 1e-9)
	s.Assert().InDelta(60.0, *snap.CadenceRPM, 1e-9)

	s.Require().NoError(s.manager.Disconnect(RoleCadence))
	s.central.AssertNotCalled(s.T(), "CancelConnection", s.a)
	s.Assert().Equal(Connected, s.manager.State(RoleSpeed).Phase, "speed MUST keep the shared link")
}

func (s *ManagerTestSuite) TestJoinPendingConnection() {
	s.start(nil)
	s.discover(s.a)

	speed := s.manager.Connect(RoleSpeed, s.a.ID())
	cadence := s.manager.Connect(RoleCadence, s.a.ID())
	s.central.EmitConnected(s.a)

	s.Require().NoError(s.wait(speed))
	s.Require().NoError(s.wait(cadence))
	s.central.AssertNumberOfCalls(s.T(), "Connect", 1)
	s.central.AssertNumberOfCalls(s.T(), "DiscoverServices", 1)
}

func (s *ManagerTestSuite) TestTireSizeReadAtDecodeTime() {
	s.start(nil)
	s.discover(s.a)
	s.connect(RoleSpeed, s.a)
	s.Require().NoError(s.store.Set(store.KeyTireSize, "1000"))

	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(0, 0))
	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(10, 1024))
	s.Assert().InDelta(36.0, *s.manager.Snapshot().SpeedKmh, 1e-9)

	s.Require().NoError(s.store.Set(store.KeyTireSize, "2000"))
	s.central.EmitMeasurement(s.a, radiotest.WheelPayload(20, 2048))
	s.Assert().InDelta(72.0, *s.manager.Snapshot().SpeedKmh, 1e-9, "new circumference MUST apply immediately")
}

func (s *ManagerTestSuite) TestTruncatedPayloadIsNoUpdate() {
	s.start(nil)
	s.discover(s.a)
	s.connect(RoleSpeed, s.a)

	s.Require().NotPanics(func() {
		for i := 0; i < 3; i++ {
			s.central.EmitMeasurement(s.a, []byte{0x01, 0x02})
		}
		s.central.EmitMeasurement(s.a, nil)
	})

	v := s.manager.Snapshot().SpeedKmh
	s.Require().NotNil(v)
	s.Assert().Equal(0.0, *v, "truncated payloads MUST count as misses")
}

// TestStartupReconnect verifies remembered sensors are reconnected without scanning.
func (s *ManagerTestSuite) TestStartupReconnect() {
	// GOAL: Automatic reconnection to the last used sensors
	//
	// TEST SCENARIO: Store remembers speed=A, cadence=X → adapter knows only A → Connect(A) issued, X skipped

	s.Require().NoError(s.store.Set(store.KeySpeedSensor, "A"))
	s.Require().NoError(s.store.Set(store.KeyCadenceSensor, "X"))
	s.start([]radiotest.Option{radiotest.WithKnownPeripherals(s.a)})

	s.Assert().Equal(RoleState{Phase: Connecting, Peripheral: "A"}, s.manager.State(RoleSpeed))
	s.Assert().Equal(Disconnected, s.manager.State(RoleCadence).Phase)
	s.central.AssertNotCalled(s.T(), "Scan", mock.Anything, mock.Anything)

	s.central.EmitConnected(s.a)
	s.Assert().Equal(Connected, s.manager.State(RoleSpeed).Phase)
	s.central.AssertNumberOfCalls(s.T(), "RetrievePeripherals", 2)
}

func (s *ManagerTestSuite) TestStartupReconnectWaitsForPowerOn() {
	s.Require().NoError(s.store.Set(store.KeySpeedSensor, "A"))
	s.start([]radiotest.Option{
		radiotest.WithInitialPower(radio.PowerOff),
		radiotest.WithKnownPeripherals(s.a),
	})

	s.Assert().Equal(Disconnected, s.manager.State(RoleSpeed).Phase)
	s.central.AssertNotCalled(s.T(), "RetrievePeripherals", mock.Anything)

	s.central.EmitPower(radio.PowerOn)
	s.Assert().Equal(Connecting, s.manager.State(RoleSpeed).Phase)

	s.central.EmitPower(radio.PowerOff)
	s.central.EmitPower(radio.PowerOn)
	s.central.AssertNumberOfCalls(s.T(), "Connect", 1)
}

// TestPowerOffTearsDownRoles verifies a radio power loss resets every role.
func (s *ManagerTestSuite) TestPowerOffTearsDownRoles() {
	// GOAL: No role claims a link after Bluetooth turns off
	//
	// TEST SCENARIO: Speed connected, cadence pending, scanning → power off → all reset, pending fails

	s.start(nil)
	s.discover(s.a, s.b)
	s.connect(RoleSpeed, s.a)
	pending := s.manager.Connect(RoleCadence, s.b.ID())

	s.central.EmitPower(radio.PowerOff)

	err := s.wait(pending)
	s.Assert().ErrorIs(err, ErrConnectionFailed)
	s.Assert().ErrorIs(err, radio.ErrBluetoothOff)

	snap := s.manager.Snapshot()
	s.Assert().False(snap.BluetoothEnabled)
	s.Assert().False(snap.Scanning)
	s.Assert().Empty(snap.Sensors)
	s.Assert().Equal(Disconnected, snap.Speed.Phase)
	s.Assert().Equal(Disconnected, snap.Cadence.Phase)

	saved, _ := s.store.Get(store.KeySpeedSensor)
	s.Assert().Equal("A", saved)
}

func (s *ManagerTestSuite) TestConnectTimeout() {
	s.start(nil, WithConnectTimeout(20*time.Millisecond))
	s.discover(s.a)

	err := s.wait(s.manager.Connect(RoleSpeed, s.a.ID()))

	s.Assert().ErrorIs(err, ErrConnectionFailed)
	s.Assert().ErrorIs(err, radio.ErrTimeout)
	s.Assert().Equal(Disconnected, s.manager.State(RoleSpeed).Phase)
	s.central.AssertCalled(s.T(), "CancelConnection", s.a)
	s.central.AssertCalled(s.T(), "Connect", s.a, &radio.ConnectOptions{Timeout: 20 * time.Millisecond})
}

func (s *ManagerTestSuite) TestSubscribe() {
	s.start(nil)
	sub := s.manager.Subscribe()

	first := <-sub.C()
	s.Assert().True(first.BluetoothEnabled, "first value MUST be the current snapshot")
	s.Assert().False(first.Scanning)

	s.Require().NoError(s.manager.StartScan())
	select {
	case snap := <-sub.C():
		s.Assert().True(snap.Scanning)
	case <-time.After(2 * time.Second):
		s.Fail("snapshot not delivered")
	}

	sub.Close()
	sub.Close()
	_, open := <-sub.C()
	s.Assert().False(open)
}

func (s *ManagerTestSuite) TestSlowSubscriberKeepsNewest() {
	// GOAL: A reader that falls behind sees the newest snapshot and a count of skipped ones
	//
	// TEST SCENARIO: Buffer of 1 → StartScan, StopScan without reading → only the last snapshot remains, 2 dropped

	s.start(nil, WithSubscriberBuffer(1))
	sub := s.manager.Subscribe()
	defer sub.Close()

	s.Require().NoError(s.manager.StartScan())
	s.Require().NoError(s.manager.StopScan())

	snap := <-sub.C()
	s.Assert().False(snap.Scanning, "newest snapshot MUST survive")
	s.Assert().Equal(int64(2), sub.Dropped())
}

func (s *ManagerTestSuite) TestCloseFailsPendingAndRejectsCalls() {
	s.start(nil)
	s.discover(s.a)
	sub := s.manager.Subscribe()
	pending := s.manager.Connect(RoleSpeed, s.a.ID())

	s.Require().NoError(s.manager.Close())
	manager := s.manager
	s.manager = nil

	err := s.wait(pending)
	s.Assert().ErrorIs(err, ErrManagerClosed)
	s.central.AssertCalled(s.T(), "CancelConnection", s.a)
	s.central.AssertCalled(s.T(), "StopScan")
	s.central.AssertCalled(s.T(), "Close")

	for range sub.C() {
	}

	s.Assert().ErrorIs(s.wait(manager.Connect(RoleSpeed, s.a.ID())), ErrManagerClosed)
	s.Assert().ErrorIs(manager.StartScan(), ErrManagerClosed)
	s.Assert().Equal(Disconnected, manager.State(RoleSpeed).Phase, "Snapshot MUST keep working after Close")
	s.Assert().NoError(manager.Close())

	late := manager.Subscribe()
	_, open := <-late.C()
	s.Assert().False(open)
}

// TestCallsBetweenShutdownAndHaltAreRejected verifies the close window does not hand out dead results.
func (s *ManagerTestSuite) TestCallsBetweenShutdownAndHaltAreRejected() {
	// GOAL: Calls landing after shutdown but before the loop stops are rejected
	//
	// TEST SCENARIO: Loop runs shutdown → Connect and Subscribe are called before halt → both report the manager as closed

	s.start(nil)
	s.discover(s.a)
	s.Require().NoError(s.manager.do(s.manager.shutdown))

	s.Assert().ErrorIs(s.wait(s.manager.Connect(RoleSpeed, s.a.ID())), ErrManagerClosed,
		"Connect after shutdown MUST resolve with ErrManagerClosed")
	s.Assert().ErrorIs(s.manager.StartScan(), ErrManagerClosed)

	sub := s.manager.Subscribe()
	select {
	case _, open := <-sub.C():
		s.Assert().False(open, "subscription after shutdown MUST be closed")
	case <-time.After(time.Second):
		s.Fail("subscription after shutdown MUST be closed")
	}
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
