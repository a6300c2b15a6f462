package ble

import "errors"

var (
	errNotConnected          = errors.New("not connected")
	errMissingCharacteristic = errors.New("characteristic not found")
)
