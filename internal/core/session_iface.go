package core

import "github.com/dkeye/Telecall/internal/domain"

type SessionID string

// MemberSession binds a connected user and its transport endpoint.
// This is what the relay registry stores and delivers to.
type MemberSession interface {
	SID() SessionID
	User() *domain.User
	Signal() SignalConnection
}
