package ble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/em1003/internal/groutine"
	"github.com/srg/em1003/internal/protocol"
)

// conn is a live go-ble connection with the EM1003 characteristics resolved.
type conn struct {
	client ble.Client
	logger *logrus.Logger

	writeChar  *ble.Characteristic
	notifyChar *ble.Characteristic
	nameChar   *ble.Characteristic

	writeMu    sync.Mutex
	connected  atomic.Bool
	subscribed atomic.Bool
}

// resolveCharacteristics walks the discovered profile and binds the write,
// notify, and GAP device name characteristics.
func (c *conn) resolveCharacteristics(profile *ble.Profile) error {
	writeUUID := ble.MustParse(protocol.WriteCharUUID)
	notifyUUID := ble.MustParse(protocol.NotifyCharUUID)
	nameUUID := ble.MustParse(protocol.DeviceNameUUID)

	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			switch {
			case char.UUID.Equal(writeUUID):
				c.writeChar = char
			case char.UUID.Equal(notifyUUID):
				c.notifyChar = char
			case char.UUID.Equal(nameUUID):
				c.nameChar = char
			}
		}
	}

	if c.writeChar == nil {
		return fmt.Errorf("%w: write characteristic %s", errMissingCharacteristic, protocol.WriteCharUUID)
	}
	if c.notifyChar == nil {
		return fmt.Errorf("%w: notify characteristic %s", errMissingCharacteristic, protocol.NotifyCharUUID)
	}
	return nil
}

// watchDisconnect flips the connected flag when the client reports the link
// went down. Darwin and linux clients both expose the channel.
func (c *conn) watchDisconnect() {
	type disconnecter interface{ Disconnected() <-chan struct{} }
	dc, ok := c.client.(disconnecter)
	if !ok {
		c.logger.Debug("Client does not expose a Disconnected() channel")
		return
	}
	groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
		<-dc.Disconnected()
		if c.connected.CompareAndSwap(true, false) {
			c.logger.Warn("BLE stack reported disconnection")
		}
	})
}

// Write sends one frame to the write characteristic without response.
func (c *conn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.connected.Load() {
		return errNotConnected
	}
	if err := c.client.WriteCharacteristic(c.writeChar, data, true); err != nil {
		return fmt.Errorf("write characteristic: %w", err)
	}
	c.logger.WithField("len", len(data)).Trace("Frame written")
	return nil
}

// Subscribe registers fn as the handler for notify characteristic frames.
func (c *conn) Subscribe(fn func([]byte)) error {
	if !c.connected.Load() {
		return errNotConnected
	}
	if err := c.client.Subscribe(c.notifyChar, false, fn); err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	c.subscribed.Store(true)
	c.logger.WithField("char", protocol.NotifyCharUUID).Debug("Subscribed to notifications")
	return nil
}

// ReadDeviceName reads the GAP device name characteristic. Not every
// firmware revision exposes it as readable.
func (c *conn) ReadDeviceName() (string, error) {
	if c.nameChar == nil {
		return "", fmt.Errorf("%w: device name characteristic %s", errMissingCharacteristic, protocol.DeviceNameUUID)
	}
	data, err := c.client.ReadCharacteristic(c.nameChar)
	if err != nil {
		return "", fmt.Errorf("read device name: %w", err)
	}
	return string(data), nil
}

func (c *conn) IsConnected() bool {
	return c.connected.Load()
}

// Close unsubscribes and tears the connection down. Unsubscribe failures
// are logged but do not block the teardown.
func (c *conn) Close() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}

	if c.subscribed.CompareAndSwap(true, false) {
		err1 := c.client.Unsubscribe(c.notifyChar, false)
		err2 := c.client.Unsubscribe(c.notifyChar, true)
		if err1 != nil && err2 != nil {
			c.logger.WithFields(logrus.Fields{
				"notifyErr":   err1,
				"indicateErr": err2,
			}).Warn("Failed to unsubscribe before disconnect")
		}
	}

	if err := c.client.CancelConnection(); err != nil {
		return fmt.Errorf("cancel connection: %w", err)
	}
	c.logger.Debug("BLE connection closed")
	return nil
}
