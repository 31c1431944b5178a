// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 64
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrEmailEmpty      = errors.New("email empty")
)

type UserID string

func (id UserID) String() string { return string(id) }

// User is the public projection of an account: no secrets, presence fields included.
type User struct {
	ID       UserID     `json:"id"`
	Name     string     `json:"name"`
	Email    string     `json:"email"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(name, email string) (*User, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return nil, ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return nil, ErrUsernameTooLong
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrEmailEmpty
	}
	id := UserID(uuid.NewString())
	return &User{ID: id, Name: name, Email: email}, nil
}

func (u *User) SetName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	u.Name = name
	return nil
}

// DisplayName falls back to the id when no name is known.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	return string(u.ID)
}
