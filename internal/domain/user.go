// Package domain contains entities shared by the relay and the call client, without transport logic.
package domain

import (
	"errors"
	"strings"
)

const MaxUserIDLen = 36

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDInvalid = errors.New("user id contains whitespace or control characters")
)

// UserID is the stable identity a client announces to the relay.
type UserID string

// ParseUserID validates raw input coming from query strings, flags and cookies.
func ParseUserID(raw string) (UserID, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	for _, r := range raw {
		if r <= ' ' || r == 0x7f {
			return "", ErrUserIDInvalid
		}
	}
	return UserID(raw), nil
}

func (id UserID) String() string { return string(id) }

// Presence is broadcast by the relay whenever an identity connects or disconnects.
type Presence struct {
	Type   Kind   `json:"type"`
	UserID UserID `json:"userId"`
	Online bool   `json:"online"`
}

func NewPresence(id UserID, online bool) Presence {
	return Presence{Type: KindPresence, UserID: id, Online: online}
}
