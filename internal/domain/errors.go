package domain

import "errors"

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("conflict")
	ErrCapacity  = errors.New("capacity reached")
	ErrUpstream  = errors.New("upstream failure")
	ErrInvalid   = errors.New("invalid request")
	ErrThrottled = errors.New("too many requests")
)

// Code maps an error to the short code sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrThrottled):
		return "rate_limited"
	default:
		return "internal"
	}
}

// Message is the user-visible text for an error.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "this call/meeting/room is no longer available"
	case errors.Is(err, ErrForbidden):
		return "you don't have access"
	case errors.Is(err, ErrCapacity):
		return "this meeting is full"
	case errors.Is(err, ErrUpstream):
		return "the action could not be saved, try again"
	case errors.Is(err, ErrThrottled):
		return "slow down and try again in a moment"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalid):
		return err.Error()
	default:
		return "something went wrong"
	}
}
