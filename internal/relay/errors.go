package relay

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"VoiceRelay/internal/timing"
)

// stack records the call site an error was created at so the error
// boundary can report it outside production.
type stack []uintptr

func callers() stack {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

func (s stack) String() string {
	var b strings.Builder
	frames := runtime.CallersFrames(s)
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}

// ClientInputError reports a missing or invalid request field.
type ClientInputError struct {
	Msg   string
	stack stack
}

// InputError builds a ClientInputError from a format string.
func InputError(format string, args ...any) *ClientInputError {
	return &ClientInputError{Msg: fmt.Sprintf(format, args...), stack: callers()}
}

func (e *ClientInputError) Error() string { return e.Msg }

// ConfigurationError reports a missing credential or other setting that
// makes the relay unable to serve requests.
type ConfigurationError struct {
	Msg   string
	stack stack
}

// ConfigError builds a ConfigurationError from a format string.
func ConfigError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...), stack: callers()}
}

func (e *ConfigurationError) Error() string { return e.Msg }

// UpstreamError reports a failed call to a collaborator. Status and Body
// hold what the upstream service returned and are used for diagnostics
// only; clients always see a gateway failure.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
	Err     error
	stack   stack
}

// NewUpstreamError wraps err as a failure of service.
func NewUpstreamError(service string, status int, body string, err error) *UpstreamError {
	return &UpstreamError{Service: service, Status: status, Body: body, Err: err, stack: callers()}
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s error: %d %s", e.Service, e.Status, strings.TrimSpace(e.Body))
	}
	return fmt.Sprintf("%s error: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// StatusCode maps err onto the HTTP status returned to the client.
func StatusCode(err error) int {
	var (
		inputErr    *ClientInputError
		configErr   *ConfigurationError
		upstreamErr *UpstreamError
	)
	switch {
	case errors.As(err, &inputErr):
		return http.StatusBadRequest
	case errors.As(err, &configErr):
		return http.StatusInternalServerError
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Details returns diagnostic detail for err, or nil when there is none.
func Details(err error) any {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		d := map[string]any{"service": upstreamErr.Service}
		if upstreamErr.Status > 0 {
			d["status"] = upstreamErr.Status
		}
		if upstreamErr.Body != "" {
			d["body"] = upstreamErr.Body
		}
		if upstreamErr.Err != nil {
			d["cause"] = upstreamErr.Err.Error()
		}
		return d
	}
	return nil
}

// StackTrace returns the creation stack of a relay error, or "".
func StackTrace(err error) string {
	var (
		inputErr    *ClientInputError
		configErr   *ConfigurationError
		upstreamErr *UpstreamError
	)
	switch {
	case errors.As(err, &inputErr):
		return inputErr.stack.String()
	case errors.As(err, &configErr):
		return configErr.stack.String()
	case errors.As(err, &upstreamErr):
		return upstreamErr.stack.String()
	}
	return ""
}

func isRelayError(err error) bool {
	var (
		inputErr    *ClientInputError
		configErr   *ConfigurationError
		upstreamErr *UpstreamError
	)
	return errors.As(err, &inputErr) || errors.As(err, &configErr) || errors.As(err, &upstreamErr)
}

// timedError keeps the timer of a request that failed after completing at
// least one stage.
type timedError struct {
	error
	timer *timing.Timer
}

func (e *timedError) Unwrap() error { return e.error }

func withTiming(err error, timer *timing.Timer) error {
	if len(timer.Marks()) == 0 {
		return err
	}
	return &timedError{error: err, timer: timer}
}

// Timing returns the timer of a failed request whose earlier stages
// completed, or nil.
func Timing(err error) *timing.Timer {
	var te *timedError
	if errors.As(err, &te) {
		return te.timer
	}
	return nil
}
