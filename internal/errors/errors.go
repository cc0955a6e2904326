package errors

import "errors"

// Auth errors. Recovered locally and shown to the user; session state
// is left untouched.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("username already taken")
	ErrNoSession          = errors.New("no persisted session")
)

// Channel errors. The channel is left closed and send/receive stay
// disabled until the user signs in again.
var (
	ErrChannelClosed = errors.New("live channel is closed")
	ErrAlreadyOpen   = errors.New("live channel already open")
)
