// Package telemetry encodes sensor readings for the wire and mirrors
// them into a time-series database.
package telemetry

import (
	"encoding/json"
	"strconv"

	"github.com/nugget/smartfarm-agent/internal/device"
)

// SensorData is the reading body. Temperature and humidity are
// rendered with exactly two decimals.
type SensorData struct {
	Temperature json.Number `json:"temperature"`
	Humidity    json.Number `json:"humidity"`
	Moisture    int         `json:"moisture"`
}

// Payload is the telemetry message published to the data topic and, on
// demand, to the data_for_telegram topic.
type Payload struct {
	SensorData SensorData `json:"sensorData"`
}

// NewPayload builds the wire form of r.
func NewPayload(r device.Reading) Payload {
	return Payload{SensorData: SensorData{
		Temperature: twoDecimals(r.Temperature),
		Humidity:    twoDecimals(r.Humidity),
		Moisture:    r.Moisture,
	}}
}

// Encode marshals r. It fails for non-finite values.
func Encode(r device.Reading) ([]byte, error) {
	return json.Marshal(NewPayload(r))
}

func twoDecimals(v float64) json.Number {
	return json.Number(strconv.FormatFloat(v, 'f', 2, 64))
}
