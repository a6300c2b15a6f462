package protocol

import (
	"fmt"
	"strings"
)

// Sensor target ids as reported in byte 2 of every frame.
const (
	SensorTemperature  byte = 0x01
	SensorHumidity     byte = 0x06
	SensorNoise        byte = 0x08
	SensorPM25         byte = 0x09
	SensorFormaldehyde byte = 0x0A
	SensorPM10         byte = 0x11
	SensorTVOC         byte = 0x12
	SensorECO2         byte = 0x13
)

// Transform converts a raw little-endian u16 reading into an engineering
// value: (raw - Offset) * Scale.
type Transform struct {
	Offset float64
	Scale  float64
}

// Apply converts a raw reading.
func (t Transform) Apply(raw uint16) float64 {
	return (float64(raw) - t.Offset) * t.Scale
}

// SensorDescriptor describes one sensor exposed by the device.
type SensorDescriptor struct {
	ID        byte
	Name      string
	Unit      string
	Transform Transform
	Precision int
}

// Sensors is the fixed table of confirmed sensors in the current protocol
// revision, in the order a batch read walks them.
var Sensors = []SensorDescriptor{
	{ID: SensorTemperature, Name: "Temperature", Unit: "°C", Transform: Transform{Offset: 4000, Scale: 0.01}, Precision: 2},
	{ID: SensorHumidity, Name: "Humidity", Unit: "%", Transform: Transform{Scale: 0.01}, Precision: 2},
	{ID: SensorNoise, Name: "Noise", Unit: "dB", Transform: Transform{Scale: 1}},
	{ID: SensorPM25, Name: "PM2.5", Unit: "µg/m³", Transform: Transform{Scale: 1}},
	{ID: SensorPM10, Name: "PM10", Unit: "µg/m³", Transform: Transform{Scale: 1}},
	{ID: SensorTVOC, Name: "TVOC", Unit: "µg/m³", Transform: Transform{Scale: 1}},
	{ID: SensorECO2, Name: "eCO2", Unit: "ppm", Transform: Transform{Scale: 1}},
}

// extraTransforms covers targets the device reports but which are not part
// of the confirmed polling set.
var extraTransforms = map[byte]Transform{
	SensorFormaldehyde: {Offset: 16384, Scale: 0.001}, // mg/m³
}

// SensorByID returns the descriptor for a confirmed sensor id.
func SensorByID(id byte) (SensorDescriptor, bool) {
	for _, s := range Sensors {
		if s.ID == id {
			return s, true
		}
	}
	return SensorDescriptor{}, false
}

// SensorName returns a display name for any target id, falling back to the
// hex id for unknown targets.
func SensorName(id byte) string {
	if s, ok := SensorByID(id); ok {
		return s.Name
	}
	return fmt.Sprintf("0x%02x", id)
}

// SensorByName resolves a confirmed sensor by case-insensitive display name.
func SensorByName(name string) (SensorDescriptor, bool) {
	for _, s := range Sensors {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return SensorDescriptor{}, false
}

// ApplyTransform converts a raw reading for the given target id. Unknown
// targets pass through unscaled, matching the device's default encoding.
func ApplyTransform(id byte, raw uint16) float64 {
	if s, ok := SensorByID(id); ok {
		return s.Transform.Apply(raw)
	}
	if t, ok := extraTransforms[id]; ok {
		return t.Apply(raw)
	}
	return float64(raw)
}
