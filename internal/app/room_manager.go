package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/domain"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]core.RoomService
	limit int
}

// NewRoomManager keeps at most limit messages per room; zero keeps all.
func NewRoomManager(limit int) core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.RoomID]core.RoomService), limit: limit}
}

// Create registers room, or returns the existing room with the same id.
func (f *RoomManagerImpl) Create(room domain.Room) core.RoomService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rooms[room.ID]; ok {
		return r
	}
	r := core.NewRoomService(&room, f.limit)
	f.rooms[room.ID] = r
	return r
}

func (f *RoomManagerImpl) Get(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.rooms[id]
	return r, ok
}

// ListFor returns the rooms uid takes part in, ordered by id.
func (f *RoomManagerImpl) ListFor(uid domain.UserID) []domain.Room {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.Room, 0)
	for _, r := range f.rooms {
		if room := r.Room(); room.Has(uid) {
			out = append(out, *room)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
