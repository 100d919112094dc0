package session

import (
	"errors"

	"dronelink/internal/mavlink"
)

// Failures surfaced by Manager. Match with errors.Is.
var (
	// ErrConnection means the transport could not be opened.
	ErrConnection = errors.New("connection error")
	// ErrHandshake means the transport opened but no vehicle heartbeat arrived.
	ErrHandshake    = errors.New("handshake failed")
	ErrNotConnected = errors.New("not connected")

	ErrUnknownMode    = mavlink.ErrUnknownMode
	ErrUnknownCommand = mavlink.ErrUnknownCommand
	ErrLink           = mavlink.ErrLink
)
