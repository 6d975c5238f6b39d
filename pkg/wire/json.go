package wire

import (
	"encoding/json"
	"fmt"
)

// Method discriminator values. Inputs and outputs share "connect",
// "create" and "join"; direction disambiguates them.
const (
	methodConnect      = "connect"
	methodCreate       = "create"
	methodJoin         = "join"
	methodAction       = "action"
	methodDiff         = "diff"
	methodGenericError = "generic_error"
)

// JSONSchema is the default text codec: flat objects with a "method"
// discriminator. Unknown fields are ignored, missing required fields
// fail the decode. User payloads (options, data) ride through as
// json.RawMessage so they are never re-encoded on the hot path.
type JSONSchema struct{}

func NewJSONSchema() *JSONSchema {
	return &JSONSchema{}
}

func (*JSONSchema) Form() Form {
	return TextForm
}

func (*JSONSchema) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return data, nil
}

func (*JSONSchema) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// envelope is the union of every key any message can carry. Pointer
// fields distinguish absent from zero so required-field checks work.
type envelope struct {
	Method        string          `json:"method"`
	CorrelationID *string         `json:"correlation_id,omitempty"`
	PlayerID      *uint64         `json:"p_id,omitempty"`
	Type          *string         `json:"type,omitempty"`
	ID            *string         `json:"id,omitempty"`
	Options       json.RawMessage `json:"options,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Success       *bool           `json:"success,omitempty"`
	Finished      *bool           `json:"finished,omitempty"`
	Description   *string         `json:"description,omitempty"`
}

func (*JSONSchema) EncodeInput(msg Input) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case Connect:
		env = envelope{Method: methodConnect, CorrelationID: &m.CorrelationID, PlayerID: &m.PlayerID}
	case Create:
		env = envelope{Method: methodCreate, CorrelationID: &m.CorrelationID, Type: &m.Type, ID: &m.ID, Options: m.Options}
	case Join:
		env = envelope{Method: methodJoin, CorrelationID: &m.CorrelationID, Type: &m.Type, ID: &m.ID}
	case Action:
		env = envelope{Method: methodAction, Type: &m.Type, ID: &m.ID, Data: m.Data}
	default:
		return nil, fmt.Errorf("%w: unknown input %T", ErrDecode, msg)
	}
	return json.Marshal(env)
}

func (*JSONSchema) DecodeInput(data []byte) (Input, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	switch env.Method {
	case methodConnect:
		if env.CorrelationID == nil || env.PlayerID == nil {
			return nil, ErrDecode
		}
		return Connect{CorrelationID: *env.CorrelationID, PlayerID: *env.PlayerID}, nil
	case methodCreate:
		if env.CorrelationID == nil || env.Type == nil || env.ID == nil {
			return nil, ErrDecode
		}
		return Create{CorrelationID: *env.CorrelationID, Type: *env.Type, ID: *env.ID, Options: env.Options}, nil
	case methodJoin:
		if env.CorrelationID == nil || env.Type == nil || env.ID == nil {
			return nil, ErrDecode
		}
		return Join{CorrelationID: *env.CorrelationID, Type: *env.Type, ID: *env.ID}, nil
	case methodAction:
		if env.Type == nil || env.ID == nil {
			return nil, ErrDecode
		}
		return Action{Type: *env.Type, ID: *env.ID, Data: env.Data}, nil
	}
	return nil, ErrDecode
}

func (*JSONSchema) EncodeOutput(msg Output) ([]byte, error) {
	var env envelope
	switch m := msg.(type) {
	case ConnectAck:
		env = envelope{Method: methodConnect, CorrelationID: &m.CorrelationID, Success: &m.Success}
	case CreateAck:
		env = envelope{Method: methodCreate, CorrelationID: &m.CorrelationID, Success: &m.Success}
	case JoinAck:
		env = envelope{Method: methodJoin, CorrelationID: &m.CorrelationID, Success: &m.Success}
	case Diff:
		env = envelope{Method: methodDiff, Type: &m.Type, ID: &m.ID, Finished: &m.Finished, Data: m.Data}
	case GenericError:
		env = envelope{Method: methodGenericError, Description: &m.Description}
	default:
		return nil, fmt.Errorf("%w: unknown output %T", ErrDecode, msg)
	}
	return json.Marshal(env)
}

func (*JSONSchema) DecodeOutput(data []byte) (Output, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	switch env.Method {
	case methodConnect, methodCreate, methodJoin:
		if env.CorrelationID == nil || env.Success == nil {
			return nil, ErrDecode
		}
		switch env.Method {
		case methodConnect:
			return ConnectAck{CorrelationID: *env.CorrelationID, Success: *env.Success}, nil
		case methodCreate:
			return CreateAck{CorrelationID: *env.CorrelationID, Success: *env.Success}, nil
		default:
			return JoinAck{CorrelationID: *env.CorrelationID, Success: *env.Success}, nil
		}
	case methodDiff:
		if env.Type == nil || env.ID == nil || env.Finished == nil {
			return nil, ErrDecode
		}
		return Diff{Type: *env.Type, ID: *env.ID, Finished: *env.Finished, Data: env.Data}, nil
	case methodGenericError:
		if env.Description == nil {
			return nil, ErrDecode
		}
		return GenericError{Description: *env.Description}, nil
	}
	return nil, ErrDecode
}
