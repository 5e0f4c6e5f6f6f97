//go:build !linux

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/blecsc/internal/radio"
	goble "github.com/srg/blecsc/internal/radio/go-ble"
	"github.com/srg/blecsc/pkg/config"
)

func newCentral(cfg *config.Config, logger *logrus.Logger) (radio.Central, error) {
	if cfg.Backend == config.BackendBlueZ {
		return nil, fmt.Errorf("%w: the %s backend requires Linux", radio.ErrUnsupported, config.BackendBlueZ)
	}
	return goble.NewCentral(cfg.Adapter, logger), nil
}
