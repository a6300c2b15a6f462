// Package ble adapts the go-ble stack to the session transport contract.
// It dials the EM1003, locates its UART-style service, and exposes frame
// writes plus notification delivery.
package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/em1003/internal/session"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	return newDefaultDevice()
}

// Transport implements session.Transport on top of go-ble.
type Transport struct {
	mu     sync.Mutex
	device ble.Device
	logger *logrus.Logger
}

// NewTransport returns a go-ble backed transport.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

// ensureDevice creates the host BLE device on first use and keeps it as
// go-ble's default device for later dials.
func (t *Transport) ensureDevice() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device != nil {
		return nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	t.device = dev
	return nil
}

// Dial connects to the device, discovers its GATT profile, and resolves the
// write, notify, and device name characteristics.
func (t *Transport) Dial(ctx context.Context, address string) (session.Conn, error) {
	if err := t.ensureDevice(); err != nil {
		return nil, err
	}

	t.logger.WithField("address", address).Debug("Dialing BLE device")
	client, err := ble.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithError(cancelErr).Warn("Failed to cancel connection after discovery failure")
		}
		return nil, fmt.Errorf("discover profile: %w", err)
	}

	c := &conn{
		client: client,
		logger: t.logger,
	}
	if err := c.resolveCharacteristics(profile); err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithError(cancelErr).Warn("Failed to cancel connection after characteristic lookup failure")
		}
		return nil, err
	}

	c.connected.Store(true)
	c.watchDisconnect()

	t.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(profile.Services),
	}).Info("BLE device connected")
	return c, nil
}
