package driver

import "errors"

var (
	// ErrInvalidArgument reports malformed input to a driver call.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrEngineInit reports that the MQTT engine could not be created.
	ErrEngineInit = errors.New("engine init failed")
	// ErrDestroyed is returned by Run once the handle has been destroyed.
	ErrDestroyed = errors.New("handle destroyed")
)
