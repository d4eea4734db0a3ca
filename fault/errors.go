// Package fault holds the error taxonomy of the stream core.
//
// Control calls (enable, disable, callback registration) fail synchronously
// with a *ConfigError. Everything that goes wrong while items are flowing is
// a Fault: it is recovered where it happens and published through a Reporter
// so that the device ingress path never sees it.
package fault

import (
	"errors"
	"fmt"

	"stereocam/stream"
)

var (
	ErrInvalidChannel    = errors.New("invalid channel")
	ErrConflictingConfig = errors.New("conflicting channel configuration")
	ErrChannelDisabled   = errors.New("channel disabled")
	ErrNotOpened         = errors.New("camera not opened")
	ErrAlreadyOpened     = errors.New("camera already opened")

	ErrTimestampMismatch = errors.New("image info timestamp mismatch")
	ErrWindowExpired     = errors.New("pairing window expired")
	ErrCallbackPanic     = errors.New("callback panicked")
	ErrBacklog           = errors.New("async queue backlog exceeded")
	ErrSoftLimit         = errors.New("cache soft limit exceeded")
)

// ConfigError is returned by control calls that were given an invalid
// channel or configuration.
type ConfigError struct {
	Op      string
	Channel stream.ChannelID
	Err     error
	Detail  string
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("%s %v: %v", e.Op, e.Channel, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config builds a *ConfigError.
func Config(op string, id stream.ChannelID, err error, detail string) error {
	return &ConfigError{Op: op, Channel: id, Err: err, Detail: detail}
}

// IsConfig reports whether err is a *ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
