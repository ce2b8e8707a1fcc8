package cards

import (
	"errors"
	"fmt"
)

var (
	ErrLoginFailed = errors.New("login failed")
	ErrAuthExpired = errors.New("session expired")
	ErrAborted     = errors.New("run aborted")
	ErrNotFound    = errors.New("item not found")
)

// AuthError means a session could not be established within the retry
// budget, it aborts whatever run triggered it.
type AuthError struct {
	Attempts int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

type DiscoveryError struct {
	Container Container
	Err       error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover items of %s: %v", e.Container, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// FetchError is the terminal failure of a single item.
type FetchError struct {
	ItemId ItemId
	// Status is the last status observed before giving up.
	Status   FetchStatus
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch item %s (%s after %d attempt(s)): %v", e.ItemId, e.Status, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type MalformedContentError struct {
	ItemId ItemId
	Reason string
}

func (e *MalformedContentError) Error() string {
	return fmt.Sprintf("malformed content for item %s: %s", e.ItemId, e.Reason)
}
