package model

import "errors"

var (
	// ErrMalformedControlMessage is returned when an inbound control frame is not valid JSON
	// or lacks the fields required by its type.
	ErrMalformedControlMessage = errors.New("malformed control message")

	// ErrUplinkTimeout is returned when the TCP connect deadline expires.
	ErrUplinkTimeout = errors.New("uplink connect timeout")

	// ErrUplinkRefused is returned when the remote host actively refuses the connection.
	ErrUplinkRefused = errors.New("uplink connection refused")

	// ErrUplinkConnect is returned for any other uplink establishment failure.
	ErrUplinkConnect = errors.New("uplink connect error")

	// ErrUplinkCanceled is returned when a pending connect is abandoned by its owner.
	ErrUplinkCanceled = errors.New("uplink connect cancelled")

	// ErrUplinkRead is reported when the read loop fails for a reason other than orderly close.
	ErrUplinkRead = errors.New("uplink read failure")

	// ErrPeerGone is returned when sending to a websocket peer that has already disconnected.
	ErrPeerGone = errors.New("websocket peer gone")

	// ErrSessionClosed is returned when delivering to a session whose loop has exited.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionNotFound is returned when a session is not registered.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRegistryClosed is returned when registering a session after shutdown has begun.
	ErrRegistryClosed = errors.New("session registry closed")

	// ErrUplinkRecordNotFound is returned when an uplink history record does not exist.
	ErrUplinkRecordNotFound = errors.New("uplink record not found")

	// ErrHistoryDisabled is returned by handlers when no uplink history store is configured.
	ErrHistoryDisabled = errors.New("uplink history disabled")

	// ErrMirrorDisabled is returned by handlers when no session mirror is configured.
	ErrMirrorDisabled = errors.New("session mirror disabled")
)
