package client

import (
	"errors"
	"fmt"
)

type AuthKind int

const (
	InvalidCredentials AuthKind = iota + 1
	Transport
	SessionExpired
)

func (k AuthKind) String() string {
	switch k {
	case InvalidCredentials:
		return "invalid credentials"
	case Transport:
		return "transport"
	case SessionExpired:
		return "session expired"
	default:
		return "unknown"
	}
}

// AuthError is an authentication failure. Two AuthErrors match under
// errors.Is when their kinds are equal.
type AuthError struct {
	Kind AuthKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth: " + e.Kind.String()
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

var (
	ErrSessionExpired    = &AuthError{Kind: SessionExpired}
	ErrNoProjectSelected = errors.New("no project selected")
	ErrNotLoggedIn       = errors.New("not logged in")
	ErrUnknownProject    = errors.New("project is not available to this user")

	errUnauthorized = errors.New("unauthorized")
)

// APIError is any other non-2xx answer of the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api: status %d %s: %s", e.Status, e.Code, e.Message)
}
