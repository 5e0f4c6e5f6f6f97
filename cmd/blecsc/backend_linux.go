//go:build linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/blecsc/internal/radio"
	"github.com/srg/blecsc/internal/radio/bluez"
	goble "github.com/srg/blecsc/internal/radio/go-ble"
	"github.com/srg/blecsc/pkg/config"
)

func newCentral(cfg *config.Config, logger *logrus.Logger) (radio.Central, error) {
	if cfg.Backend == config.BackendBlueZ {
		return bluez.NewCentral(cfg.Adapter, logger), nil
	}
	return goble.NewCentral(cfg.Adapter, logger), nil
}
