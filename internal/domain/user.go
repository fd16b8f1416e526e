// Package domain contains entity without logic, just meta-data
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
	ErrNoIdentity      = errors.New("no identity")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUsernameTooLong = errors.New("username too long")
)

type UserID string

// Role mirrors the user_role cookie. It is carried, never enforced.
type Role string

const (
	RolePatient   Role = "patient"
	RoleTherapist Role = "therapist"
	RoleAdmin     Role = "admin"
)

// User is the public face of a participant as the backend serializes it.
type User struct {
	ID    UserID `json:"ID"`
	Name  string `json:"name"`
	Image string `json:"image_url,omitempty"`
}

// Identity is the resolved user of one client context plus its bearer token.
type Identity struct {
	User
	Token string `json:"-"`
	Role  Role   `json:"role,omitempty"`
}

// Validate reports ErrNoIdentity when the token or user id is missing.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.Token) == "" || strings.TrimSpace(string(i.ID)) == "" {
		return ErrNoIdentity
	}
	if len(i.ID) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	if len(i.Name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
