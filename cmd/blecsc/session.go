package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blecsc/internal/radio"
	"github.com/srg/blecsc/internal/store"
	"github.com/srg/blecsc/pkg/config"
	"github.com/srg/blecsc/sensor"
)

// CentralFactory creates the radio backend selected by the config (can be overridden in tests)
//
//nolint:revive // CentralFactory name is intentional for test mocking
var CentralFactory = newCentral

// session holds what every command resolves from the global flags.
type session struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  *store.File
}

func loadSession(cmd *cobra.Command) (*session, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Backend = backend
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	settings, err := cfg.SettingsPath()
	if err != nil {
		return nil, err
	}
	st, err := store.NewFile(settings)
	if err != nil {
		return nil, err
	}
	logger.WithField("path", st.Path()).Debug("Settings loaded")

	return &session{cfg: cfg, logger: logger, store: st}, nil
}

// startManager opens the radio and starts a sensor manager over the session store.
func (s *session) startManager(opts ...sensor.Option) (*sensor.Manager, error) {
	central, err := CentralFactory(s.cfg, s.logger)
	if err != nil {
		return nil, err
	}

	base := []sensor.Option{
		sensor.WithLogger(s.logger),
		sensor.WithConnectTimeout(s.cfg.ConnectTimeout),
		sensor.WithSubscriberBuffer(s.cfg.SubscriberBuffer),
	}
	m := sensor.NewManager(central, s.store, append(base, opts...)...)
	if err := m.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to start sensor manager: %w", err)
	}
	return m, nil
}

// requireBluetooth fails fast when the adapter reported itself off at start.
func requireBluetooth(m *sensor.Manager) error {
	if !m.BluetoothEnabled() {
		return radio.ErrBluetoothOff
	}
	return nil
}

// interruptible returns a context cancelled by Ctrl+C / SIGTERM, bounded by
// timeout when it is positive.
func interruptible(timeout time.Duration) (context.Context, context.CancelFunc) {
	base, stop := context.WithCancel(context.Background())
	ctx, cancel := base, stop
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(base, timeout)
		cancel = func() {
			cancelTimeout()
			stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			stop()
		case <-base.Done():
		}
	}()
	return ctx, cancel
}
