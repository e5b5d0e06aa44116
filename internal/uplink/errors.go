package uplink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/nmea-ws-proxy/backend/internal/model"
)

// DialError describes a failed connect attempt. Kind is one of the model.ErrUplink* sentinels.
type DialError struct {
	Kind error
	Host string
	Port int
	Err  error
}

// Error returns the client-facing description of the failure.
func (e *DialError) Error() string {
	switch e.Kind {
	case model.ErrUplinkTimeout:
		return fmt.Sprintf("Connection timeout to %s:%d", e.Host, e.Port)
	case model.ErrUplinkRefused:
		return fmt.Sprintf("Connection refused to %s:%d", e.Host, e.Port)
	case model.ErrUplinkCanceled:
		return fmt.Sprintf("Connection attempt to %s:%d cancelled", e.Host, e.Port)
	default:
		return fmt.Sprintf("Connection error: %v", e.Err)
	}
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *DialError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Outcome maps the failure kind to a history outcome.
func (e *DialError) Outcome() model.UplinkOutcome {
	switch e.Kind {
	case model.ErrUplinkTimeout:
		return model.UplinkOutcomeTimeout
	case model.ErrUplinkRefused:
		return model.UplinkOutcomeRefused
	case model.ErrUplinkCanceled:
		return model.UplinkOutcomeCancelled
	default:
		return model.UplinkOutcomeError
	}
}

// ReadError is reported through Options.OnError when the read loop fails.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("TCP read error: %v", e.Err)
}

func (e *ReadError) Unwrap() []error {
	return []error{model.ErrUplinkRead, e.Err}
}

// classify turns a dial error into a DialError. parent is the caller's context, used to tell an
// owner cancellation apart from the dial deadline.
func classify(parent context.Context, host string, port int, err error) *DialError {
	de := &DialError{Kind: model.ErrUplinkConnect, Host: host, Port: port, Err: err}

	var netErr net.Error
	switch {
	case parent.Err() != nil:
		de.Kind = model.ErrUplinkCanceled
	case errors.Is(err, context.DeadlineExceeded):
		de.Kind = model.ErrUplinkTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		de.Kind = model.ErrUplinkTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		de.Kind = model.ErrUplinkRefused
	}
	return de
}
