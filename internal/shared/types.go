package shared

import "errors"

// Protocol version constant
const ProtocolVersion = 1

// Error types for envelope validation
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingKind        = errors.New("missing required field: kind")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
	ErrMissingMethod      = errors.New("missing required field: method")
	ErrMissingRequestID   = errors.New("missing required field: request_id")
	ErrMissingError       = errors.New("missing required field: error")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrMissingRequest     = errors.New("missing request envelope")
)
