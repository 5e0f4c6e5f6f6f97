// Package radio defines the Bluetooth Low Energy capability the sensor engine
// consumes: a central that scans, connects and subscribes, and reports
// everything that happens on the air as Events delivered to a single Handler.
//
// Concrete centrals live in sub-packages:
//   - go-ble: CoreBluetooth (macOS) and raw HCI (Linux) through github.com/go-ble/ble
//   - bluez: BlueZ over D-Bus through tinygo.org/x/bluetooth (Linux only)
//   - radiotest: a scriptable mock for tests
package radio
