package server

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"VoiceRelay/internal/relay"
)

type errorPayload struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// panicError is a recovered handler panic and the stack it unwound.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// statusFor maps err onto an HTTP status.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return relay.StatusCode(err)
}

// stackFor returns the stack recorded with err. Errors that carry none get
// the stack of the caller.
func stackFor(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return string(pe.stack)
	}
	if st := relay.StackTrace(err); st != "" {
		return st
	}
	return string(debug.Stack())
}

// errorBody renders err for a client. 5xx messages are replaced in
// production; elsewhere details and a stack are attached.
func (s *Server) errorBody(err error, status int) errorPayload {
	p := errorPayload{Error: err.Error()}
	if status == http.StatusRequestEntityTooLarge {
		p.Error = "request body too large"
	}
	if s.production {
		if status >= 500 {
			p.Error = "Internal Server Error"
		}
		return p
	}
	p.Details = relay.Details(err)
	p.Stack = stackFor(err)
	return p
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) int {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"request_id", requestID(r.Context()),
			"error", err,
		)
	}
	if timer := relay.Timing(err); timer != nil {
		w.Header().Set("Server-Timing", timer.Header())
	}
	writeJSON(w, status, s.errorBody(err, status))
	return status
}

// fail writes err and journals the failed request.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := s.writeError(w, r, err)
	s.remember(r, status, "", "", relay.Timing(err))
}
