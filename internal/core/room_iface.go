package core

import "github.com/dkeye/Telecall/internal/domain"

// RoomService is the relay-side API of a chat room.
// It owns the message log but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MessageCount() int
	Messages() []domain.Message
	Append(msg domain.Message)
}

type RoomManager interface {
	Create(room domain.Room) RoomService
	Get(id domain.RoomID) (RoomService, bool)
	ListFor(uid domain.UserID) []domain.Room
}
