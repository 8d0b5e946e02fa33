package oracle

import (
	"errors"
	"fmt"
)

var (
	// ErrOracle is wrapped by every failure to obtain a usable completion.
	ErrOracle = errors.New("code repair oracle failed")
	// ErrEmptyResponse means the provider answered but returned no text.
	ErrEmptyResponse = errors.New("oracle returned empty response")
	// ErrDisabled means no oracle is configured or it was switched off.
	ErrDisabled = errors.New("oracle disabled")
	// ErrMissingAPIKey means neither config nor the request supplied a key.
	ErrMissingAPIKey = errors.New("API key is required")
	// ErrMissingPrompt means the request carried no prompt or message.
	ErrMissingPrompt = errors.New("prompt is required")
)

// Error is a provider failure. It matches ErrOracle under errors.Is, plus
// the more specific cause when there is one.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrOracle}
	}
	return []error{ErrOracle, e.Err}
}

func newError(provider string, status int, msg string, err error) *Error {
	return &Error{Provider: provider, StatusCode: status, Message: msg, Err: err}
}
