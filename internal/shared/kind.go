package shared

import (
	"errors"
	"fmt"
	"strconv"
)

// MessageKind classifies a message as a request, a response, or an error report.
type MessageKind uint8

const (
	// Request asks for an operation to be executed or a value to be returned.
	Request MessageKind = iota
	// Response carries the result of a prior request.
	Response
	// Error reports that executing a request failed.
	Error
)

const (
	kindRequest  = "request"
	kindResponse = "response"
	kindError    = "error"
)

var (
	// ErrInvalidType matches every *InvalidTypeError.
	ErrInvalidType = errors.New("invalid message kind")
	ErrInvalidKind = errors.New("message kind out of range")
)

// InvalidTypeError is returned when text does not name a MessageKind.
type InvalidTypeError struct {
	Value string
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("%s: %q", ErrInvalidType, e.Value)
}

func (e *InvalidTypeError) Is(target error) bool {
	return target == ErrInvalidType
}

// MessageKinds returns every kind in declaration order.
func MessageKinds() []MessageKind {
	return []MessageKind{Request, Response, Error}
}

// ParseMessageKind maps "request", "response" or "error" to its kind.
// Matching is exact and case-sensitive.
func ParseMessageKind(s string) (MessageKind, error) {
	switch s {
	case kindRequest:
		return Request, nil
	case kindResponse:
		return Response, nil
	case kindError:
		return Error, nil
	}
	return 0, &InvalidTypeError{Value: s}
}

// String returns the canonical lowercase literal for k.
func (k MessageKind) String() string {
	switch k {
	case Request:
		return kindRequest
	case Response:
		return kindResponse
	case Error:
		return kindError
	}
	return "MessageKind(" + strconv.Itoa(int(k)) + ")"
}

// Valid reports whether k is one of Request, Response or Error.
func (k MessageKind) Valid() bool {
	return k <= Error
}

// MarshalText implements encoding.TextMarshaler.
func (k MessageKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *MessageKind) UnmarshalText(text []byte) error {
	parsed, err := ParseMessageKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
