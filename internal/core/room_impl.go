package core

import (
	"sync"

	"github.com/dkeye/Telecall/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// The log is capped; the oldest messages fall off first.
type roomImpl struct {
	room     *domain.Room
	limit    int
	mu       sync.RWMutex
	messages []domain.Message
}

func NewRoomService(room *domain.Room, limit int) RoomService {
	return &roomImpl{room: room, limit: limit}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MessageCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

func (r *roomImpl) Append(msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	if r.limit > 0 && len(r.messages) > r.limit {
		r.messages = append([]domain.Message(nil), r.messages[len(r.messages)-r.limit:]...)
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.room.ID)).Str("from", string(msg.SenderID)).Msg("message appended")
}

func (r *roomImpl) Messages() []domain.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Message, len(r.messages))
	copy(out, r.messages)
	return out
}
