// Package domain contains entities and their state rules, no transport or storage.
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 64
)

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUsernameTooLong = errors.New("username too long")
)

type UserID string

func (id UserID) String() string { return string(id) }

// User is the normalized identity reference every component passes around.
// It is resolved once, when a connection is bound.
type User struct {
	ID     UserID `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// NewUser validates an identity handed over by the auth collaborator.
// An empty display name falls back to the id.
func NewUser(id, name, avatar string) (User, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" {
		return User{}, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return User{}, ErrUserIDTooLong
	}
	if len(name) > MaxUsernameLen {
		return User{}, ErrUsernameTooLong
	}
	if name == "" {
		name = id
	}
	return User{ID: UserID(id), Name: name, Avatar: strings.TrimSpace(avatar)}, nil
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)
