// Package beemerr defines the error kinds shared across beem's components.
//
// The sentinel errors are matched with errors.Is after any amount of
// wrapping. BotCommandError is the one error whose message is shown to chat
// users; everything else stays in the logs.
package beemerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigInvalid and ErrStoreInit are fatal at startup.
	ErrConfigInvalid = errors.New("invalid configuration")
	ErrStoreInit     = errors.New("store initialization failed")

	// ErrDuplicate and ErrNotFound come from the user store.
	ErrDuplicate = errors.New("row already exists")
	ErrNotFound  = errors.New("row not found")

	// Connection-level errors. These never propagate past the owning
	// component; they trigger a component-local reconnect.
	ErrConnectFailed     = errors.New("connect failed")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrReadFailed        = errors.New("read failed")
	ErrWriteFailed       = errors.New("write failed")
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrQueueFull means every query ID for a knowledge bot is in use.
	ErrQueueFull = errors.New("query queue full")

	// ErrRateLimited is silent except in logs.
	ErrRateLimited = errors.New("rate limited")
)

// BotCommandError carries a message destined for the chat user who issued a
// bad command. It never terminates anything.
type BotCommandError struct {
	Msg string
}

func (e *BotCommandError) Error() string { return e.Msg }

// CommandErrorf builds a BotCommandError.
func CommandErrorf(format string, args ...any) *BotCommandError {
	return &BotCommandError{Msg: fmt.Sprintf(format, args...)}
}

// AsCommandError extracts a BotCommandError from an error chain.
func AsCommandError(err error) (*BotCommandError, bool) {
	var cmdErr *BotCommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}
