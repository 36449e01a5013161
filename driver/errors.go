package driver

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("driver: pump not connected")
	ErrConnectInProgress  = errors.New("driver: connection already in progress")
	ErrWrongPassword      = errors.New("driver: wrong pump password")
	ErrDeviceNotFound     = errors.New("driver: device not found")
	ErrReplyTimeout       = errors.New("driver: no reply from pump")
	ErrCommandFailed      = errors.New("driver: command rejected by pump")
	ErrDisconnected       = errors.New("driver: link closed")
	ErrBolusStopRequested = errors.New("driver: bolus stop requested")
	ErrBolusWatchdog      = errors.New("driver: bolus progress lost, delivery stopped locally")
	ErrPumpCheck          = errors.New("driver: pump check failed")
	ErrInvalidArgument    = errors.New("driver: invalid argument")
)

// CommandError names the command whose exchange failed.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
