package errorutils

import (
	"errors"
	"fmt"
)

// ErrShutdown means the host is exiting and the pool no longer starts servers
var ErrShutdown = errors.New("pool is shut down")

// PortAllocationError means no free local port could be obtained
type PortAllocationError struct {
	error
}

func NewPortAllocationError(err error) *PortAllocationError {
	return &PortAllocationError{error: err}
}

func (e *PortAllocationError) Error() string {
	return fmt.Sprintf("could not find a free port for Rserve, is the process allowed to open ports? %v", e.error)
}

func (e *PortAllocationError) Unwrap() error {
	return e.error
}

// LaunchError means the os failed to spawn the server process
type LaunchError struct {
	error
	Command string
}

func NewLaunchError(command string, err error) *LaunchError {
	return &LaunchError{error: err, Command: command}
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("could not start Rserve process %q: %v", e.Command, e.error)
}

func (e *LaunchError) Unwrap() error {
	return e.error
}

// RserveUnavailableError is what callers of the pool see when no connection could be handed out.
// The cause tells a bad installation (LaunchError, InvalidHomeError) apart from a transient failure.
type RserveUnavailableError struct {
	error
	Host string
	Port int
}

func NewRserveUnavailableError(host string, port int, err error) *RserveUnavailableError {
	return &RserveUnavailableError{error: err, Host: host, Port: port}
}

func (e *RserveUnavailableError) Error() string {
	if e.Port == 0 {
		return fmt.Sprintf("Rserve unavailable: %v", e.error)
	}
	return fmt.Sprintf("Rserve unavailable (host: %s, port: %d): %v", e.Host, e.Port, e.error)
}

func (e *RserveUnavailableError) Unwrap() error {
	return e.error
}

// Transient reports whether retrying later may help, false means the configuration is broken
func (e *RserveUnavailableError) Transient() bool {
	var launchErr *LaunchError
	var homeErr *InvalidHomeError
	return !errors.As(e.error, &launchErr) && !errors.As(e.error, &homeErr) && !errors.Is(e.error, ErrShutdown)
}

// ProtocolError is a failure of the session protocol, passed through as is
type ProtocolError struct {
	error
}

func NewProtocolError(err error) *ProtocolError {
	return &ProtocolError{error: err}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("Rserve protocol error: %v", e.error)
}

func (e *ProtocolError) Unwrap() error {
	return e.error
}

// InvalidHomeError means the configured R home is not a usable installation
type InvalidHomeError struct {
	Home   string
	Reason string
}

func (e *InvalidHomeError) Error() string {
	return fmt.Sprintf("R_HOME ('%s') %s. It is meant to be the root of R's installation tree, "+
		"containing a 'bin' folder with the R executable and a 'library' folder", e.Home, e.Reason)
}

// IsUnavailable reports whether err is or wraps a RserveUnavailableError
func IsUnavailable(err error) bool {
	var target *RserveUnavailableError
	return errors.As(err, &target)
}
