// Package errors is the structured error the HTTP surface responds with.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jdholdren/mynah/internal/mynah"
)

// Error is an error with the status it should be reported with.
type Error struct {
	Status  int
	Err     error // The error this wraps
	Details []Detail
}

type Detail struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s, details: %v", e.Status, e.Err, e.Details)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type transport struct {
	Message string   `json:"message"`
	Details []Detail `json:"details"`
	Status  int      `json:"status"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	msg := http.StatusText(e.Status)
	if e.Err != nil {
		msg = e.Err.Error()
	}

	return json.Marshal(transport{
		Message: msg,
		Details: e.Details,
		Status:  e.Status,
	})
}

func (e *Error) UnmarshalJSON(byts []byte) error {
	t := transport{}
	if err := json.Unmarshal(byts, &t); err != nil {
		return err
	}

	e.Err = errors.New(t.Message)
	e.Details = t.Details
	e.Status = t.Status
	return nil
}

// E builds an Error from any mix of a message or error, a status, and details.
func E(args ...any) *Error {
	ret := &Error{
		Status:  http.StatusInternalServerError,
		Err:     nil,
		Details: nil,
	}

	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			ret.Err = errors.New(arg)
		case error:
			ret.Err = arg
		case int:
			ret.Status = arg
		case Detail:
			ret.Details = append(ret.Details, arg)
		case []Detail:
			ret.Details = append(ret.Details, arg...)
		}
	}

	return ret
}

// From coerces err into an Error, picking the status from the domain errors it wraps.
//
// Anything unrecognized becomes an opaque 500 so internals don't leak out.
func From(err error) *Error {
	sErr := &Error{}
	if errors.As(err, &sErr) {
		return sErr
	}

	switch {
	case errors.Is(err, mynah.ErrNotFound):
		return E(http.StatusNotFound, "not found")
	case errors.Is(err, mynah.ErrClosed):
		return E(http.StatusServiceUnavailable, "shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		return E(http.StatusGatewayTimeout, "timed out")
	default:
		return E(http.StatusInternalServerError, "internal server error")
	}
}
