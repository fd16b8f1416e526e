package core

import (
	"context"

	"github.com/dkeye/Telecall/internal/domain"
)

// History is the backend that retains conversations and their messages.
type History interface {
	Conversations(ctx context.Context) ([]domain.Room, error)
	Messages(ctx context.Context, room domain.RoomID) ([]domain.Message, error)
}
