package errors

import "errors"

var (
	// Auth / identity
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("username already taken")
	ErrUserNotFound       = errors.New("user not found")
	ErrUnauthorized       = errors.New("unauthorized")

	// Queue
	ErrInvalidPayload = errors.New("invalid payload")
	ErrAlreadyQueued  = errors.New("already queued or in a pending match")

	// Confirmation handshake
	ErrPendingNotFound = errors.New("pending match not found")
	ErrPendingExpired  = errors.New("pending match expired")
	ErrPendingBusy     = errors.New("pending match is being updated")

	// Backing store
	ErrStoreUnavailable = errors.New("backing store unavailable")
)
