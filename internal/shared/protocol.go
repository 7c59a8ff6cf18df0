package shared

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a payload with version, kind, method, request ID and timestamp
type Envelope struct {
	Version   int             `json:"version"`
	Kind      MessageKind     `json:"kind"`
	Method    string          `json:"method"`
	RequestID string          `json:"request_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error,omitempty"`
}

// envelopeWire distinguishes an absent kind from the zero kind on decode.
type envelopeWire struct {
	Version   int             `json:"version"`
	Kind      *MessageKind    `json:"kind"`
	Method    string          `json:"method"`
	RequestID string          `json:"request_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error,omitempty"`
}

// NewRequest builds a request envelope with a fresh request ID
func NewRequest(method string, payload any) (*Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:   ProtocolVersion,
		Kind:      Request,
		Method:    method,
		RequestID: uuid.New().String(),
		Timestamp: time.Now().Unix(),
		Payload:   raw,
	}, nil
}

// NewResponse builds a response correlated with req
func NewResponse(req *Envelope, payload any) (*Envelope, error) {
	if req == nil {
		return nil, ErrMissingRequest
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:   ProtocolVersion,
		Kind:      Response,
		Method:    req.Method,
		RequestID: req.RequestID,
		Timestamp: time.Now().Unix(),
		Payload:   raw,
	}, nil
}

// NewError builds an error envelope correlated with req. A nil cause is reported as "unknown error".
func NewError(req *Envelope, cause error) (*Envelope, error) {
	if req == nil {
		return nil, ErrMissingRequest
	}
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	return &Envelope{
		Version:   ProtocolVersion,
		Kind:      Error,
		Method:    req.Method,
		RequestID: req.RequestID,
		Timestamp: time.Now().Unix(),
		Payload:   json.RawMessage(`{}`),
		Error:     msg,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, ErrInvalidPayload
		}
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return data, nil
}

// MarshalEnvelope converts an Envelope to JSON bytes
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope converts JSON bytes to an Envelope with validation
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if wire.Kind == nil {
		return nil, ErrMissingKind
	}
	env := &Envelope{
		Version:   wire.Version,
		Kind:      *wire.Kind,
		Method:    wire.Method,
		RequestID: wire.RequestID,
		Timestamp: wire.Timestamp,
		Payload:   wire.Payload,
		Error:     wire.Error,
	}
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return env, nil
}

// validateEnvelope checks the version, the kind and the fields each kind requires
func validateEnvelope(env *Envelope) error {
	if env.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, env.Version, ProtocolVersion)
	}
	if !env.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidKind, uint8(env.Kind))
	}
	if env.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	switch env.Kind {
	case Request:
		if env.Method == "" {
			return ErrMissingMethod
		}
	case Response, Error:
		if env.RequestID == "" {
			return fmt.Errorf("%w for %s", ErrMissingRequestID, env.Kind)
		}
		if env.Kind == Error && env.Error == "" {
			return ErrMissingError
		}
	}
	return nil
}
