// Package command turns inbound command messages into typed commands
// and executes them against the device state.
//
// Envelope shapes accepted on devices/<id>/commands:
//
//	{"action":"PUMP","enable":true}
//	{"action":"TOGGLE_AUTO","value":true}
//	{"action":"SetThreshold","value":{"temperature":30,"humidity":70,"moisture":40}}
//	{"action":"GET_DATA"}
//
// Action names are case sensitive. Every field a command needs is
// checked by [Parse]; nothing downstream touches raw JSON.
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/smartfarm-agent/internal/device"
)

// Action names.
const (
	ActionPump         = "PUMP"
	ActionToggleAuto   = "TOGGLE_AUTO"
	ActionSetThreshold = "SetThreshold"
	ActionGetData      = "GET_DATA"
)

// Parse failure classes.
var (
	ErrMalformed     = errors.New("malformed payload")
	ErrMissingAction = errors.New("missing action")
	ErrUnknownAction = errors.New("unknown action")
	ErrMissingField  = errors.New("missing field")
	ErrInvalidField  = errors.New("invalid field")
)

// ParseError describes why a payload was not a valid command.
type ParseError struct {
	Action string // empty when the action itself could not be read
	Field  string
	Err    error
	cause  error
}

func (e *ParseError) Error() string {
	msg := e.Err.Error()
	if e.Action != "" {
		msg = e.Action + ": " + msg
	}
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Command is one of [Pump], [ToggleAuto], [SetThreshold] or [GetData].
type Command interface {
	Action() string
	isCommand()
}

// Pump sets the pump output.
type Pump struct{ Enable bool }

// ToggleAuto switches automatic mode.
type ToggleAuto struct{ Enable bool }

// SetThreshold updates the limits present in Update.
type SetThreshold struct{ Update device.ThresholdUpdate }

// GetData requests an immediate reading.
type GetData struct{}

func (Pump) Action() string         { return ActionPump }
func (ToggleAuto) Action() string   { return ActionToggleAuto }
func (SetThreshold) Action() string { return ActionSetThreshold }
func (GetData) Action() string      { return ActionGetData }

func (Pump) isCommand()         {}
func (ToggleAuto) isCommand()   {}
func (SetThreshold) isCommand() {}
func (GetData) isCommand()      {}

type envelope struct {
	Action json.RawMessage `json:"action"`
	Enable json.RawMessage `json:"enable"`
	Value  json.RawMessage `json:"value"`
}

type thresholdValue struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Moisture    *float64 `json:"moisture"`
}

// Parse decodes payload into a command. Errors are *ParseError and
// match one of the Err* sentinels with errors.Is.
func Parse(payload []byte) (Command, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ParseError{Err: ErrMalformed, cause: errors.New("not a JSON object")}
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &ParseError{Err: ErrMalformed, cause: err}
	}

	if absent(env.Action) {
		return nil, &ParseError{Err: ErrMissingAction}
	}
	var action string
	if err := json.Unmarshal(env.Action, &action); err != nil {
		return nil, &ParseError{Err: ErrInvalidField, Field: "action", cause: err}
	}

	switch action {
	case ActionPump:
		v, err := requireBool(action, "enable", env.Enable)
		if err != nil {
			return nil, err
		}
		return Pump{Enable: v}, nil

	case ActionToggleAuto:
		v, err := requireBool(action, "value", env.Value)
		if err != nil {
			return nil, err
		}
		return ToggleAuto{Enable: v}, nil

	case ActionSetThreshold:
		if absent(env.Value) {
			return nil, &ParseError{Action: action, Field: "value", Err: ErrMissingField}
		}
		if bytes.TrimSpace(env.Value)[0] != '{' {
			return nil, &ParseError{Action: action, Field: "value", Err: ErrInvalidField, cause: errors.New("not an object")}
		}
		var tv thresholdValue
		if err := json.Unmarshal(env.Value, &tv); err != nil {
			return nil, &ParseError{Action: action, Field: "value", Err: ErrInvalidField, cause: err}
		}
		return SetThreshold{Update: device.ThresholdUpdate{
			Temperature: tv.Temperature,
			Humidity:    tv.Humidity,
			Moisture:    tv.Moisture,
		}}, nil

	case ActionGetData:
		return GetData{}, nil

	case "":
		return nil, &ParseError{Err: ErrMissingAction}

	default:
		return nil, &ParseError{Action: action, Err: ErrUnknownAction}
	}
}

func absent(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func requireBool(action, field string, raw json.RawMessage) (bool, error) {
	if absent(raw) {
		return false, &ParseError{Action: action, Field: field, Err: ErrMissingField}
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, &ParseError{Action: action, Field: field, Err: ErrInvalidField,
			cause: fmt.Errorf("want boolean, got %s", raw)}
	}
	return v, nil
}
