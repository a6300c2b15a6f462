// Package protocol implements the EM1003 write/notify GATT framing: request
// encoding, notification decoding, and per-sensor value transforms.
//
// Every exchange is a 3-byte header [seq, cmd, target] optionally followed by
// a payload. The device echoes the header in its notification, with numeric
// payloads packed little-endian.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Command opcodes.
const (
	CmdReadSensor byte = 0x06
	CmdBuzzer     byte = 0x50
)

// Buzzer wire constants. The buzzer has no sensor id of its own; requests
// and responses use the reserved target 0x00.
const (
	BuzzerTarget byte = 0x00
	BuzzerOn     byte = 0x01
	BuzzerOff    byte = 0x00
)

// GATT roles the session expects the device to expose.
const (
	ServiceUUID    = "0000ffe0-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000ffe9-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000ffe4-0000-1000-8000-00805f9b34fb"
	// DeviceNameUUID is the standard GAP Device Name characteristic, read
	// once at setup for a friendly label.
	DeviceNameUUID = "00002a00-0000-1000-8000-00805f9b34fb"
)

// headerLen is the minimum frame size: seq, cmd, target.
const headerLen = 3

// DecodeError reports a notification frame that cannot be interpreted.
// Malformed frames are logged and discarded by callers, never fatal.
type DecodeError struct {
	Reason string
	Frame  []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s (frame: %s)", e.Reason, hex.EncodeToString(e.Frame))
}

// EncodeReadRequest builds a sensor read frame [seq, CmdReadSensor, id].
func EncodeReadRequest(seq, sensorID byte) []byte {
	return []byte{seq, CmdReadSensor, sensorID}
}

// EncodeBuzzerQuery builds a buzzer state query [seq, CmdBuzzer, 0x00].
func EncodeBuzzerQuery(seq byte) []byte {
	return []byte{seq, CmdBuzzer, BuzzerTarget}
}

// EncodeBuzzerSet builds a buzzer set frame [seq, CmdBuzzer, 0x00, state].
func EncodeBuzzerSet(seq byte, on bool) []byte {
	state := BuzzerOff
	if on {
		state = BuzzerOn
	}
	return []byte{seq, CmdBuzzer, BuzzerTarget, state}
}

// Response is a decoded notification frame.
type Response struct {
	Seq     byte
	Cmd     byte
	Target  byte
	Payload []byte
}

// DecodeResponse parses a raw notification frame. Frames shorter than the
// 3-byte header are malformed.
func DecodeResponse(frame []byte) (*Response, error) {
	if len(frame) < headerLen {
		return nil, &DecodeError{Reason: fmt.Sprintf("notification too short: %d bytes", len(frame)), Frame: frame}
	}
	payload := make([]byte, len(frame)-headerLen)
	copy(payload, frame[headerLen:])
	return &Response{
		Seq:     frame[0],
		Cmd:     frame[1],
		Target:  frame[2],
		Payload: payload,
	}, nil
}

// IsBuzzer reports whether the response belongs to the buzzer command family.
func (r *Response) IsBuzzer() bool {
	return r.Cmd == CmdBuzzer
}

// RawValue extracts the little-endian u16 raw reading of a sensor response.
func (r *Response) RawValue() (uint16, error) {
	if len(r.Payload) < 2 {
		return 0, &DecodeError{
			Reason: fmt.Sprintf("sensor value too short: got %d payload bytes, need at least 2", len(r.Payload)),
			Frame:  r.Payload,
		}
	}
	return binary.LittleEndian.Uint16(r.Payload[:2]), nil
}

// BuzzerState extracts the on/off state of a buzzer response.
func (r *Response) BuzzerState() (bool, error) {
	if len(r.Payload) < 1 {
		return false, &DecodeError{Reason: "buzzer response carries no state byte", Frame: r.Payload}
	}
	return r.Payload[0] == BuzzerOn, nil
}

// Value decodes and transforms the sensor reading of a response.
func (r *Response) Value() (float64, error) {
	raw, err := r.RawValue()
	if err != nil {
		return 0, err
	}
	return ApplyTransform(r.Target, raw), nil
}
