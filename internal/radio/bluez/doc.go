// Package bluez implements radio.Central on Linux through BlueZ over D-Bus,
// using tinygo.org/x/bluetooth.
//
// Unlike the go-ble backend it does not need raw HCI access, so it runs
// alongside bluetoothd without elevated capabilities.
package bluez
