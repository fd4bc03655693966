package mqrpc

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg        = errors.New("rpc: invalid options")
	ErrMissingField      = errors.New("rpc: required field is missing")
	ErrInvalidDescriptor = errors.New("rpc: invalid operation descriptor")
	ErrTypeMismatch      = errors.New("rpc: value has an unexpected type")
	ErrClientClosed      = errors.New("rpc: client closed")

	ErrSubscribe = errors.New("transport: subscribe failed")
	ErrPublish   = errors.New("transport: publish failed")
	ErrDecode    = errors.New("transport: could not decode payload")
)

// RejectedError completes a call whose response arrived on the rejected
// topic when the decoded response is not itself an error.
type RejectedError struct {
	Topic    string
	Response any
}

func (rejErr *RejectedError) Error() string {
	return fmt.Sprintf("rpc: request rejected on %q: %v", rejErr.Topic, rejErr.Response)
}

// MissingField returns an error wrapping [ErrMissingField] naming the
// request field that was left empty.
func MissingField(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, name)
}

func rejection(topic string, response any) error {
	if err, ok := response.(error); ok && err != nil {
		return err
	}
	return &RejectedError{Topic: topic, Response: response}
}
