package orch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/domain"
	"github.com/dkeye/Telecall/internal/protocol"
)

var (
	ErrUnknownRoom = errors.New("unknown room")
	ErrNotMember   = errors.New("not a member of the room")
)

// SeedRoom registers a conversation between first and second. An empty id
// becomes the pair id of the two users.
func (o *Orchestrator) SeedRoom(id domain.RoomID, first, second domain.UserID) core.RoomService {
	if id == "" {
		id = domain.PairRoomID(first, second)
	}
	room := domain.Room{ID: id, FirstUserID: first, SecondUserID: second}
	room.FirstUser = o.profile(first)
	room.SecondUser = o.profile(second)
	log.Info().Str("module", "orch").Str("room", string(id)).Msg("room seeded")
	return o.Rooms.Create(room)
}

func (o *Orchestrator) profile(uid domain.UserID) domain.User {
	if u, ok := o.Registry.User(uid); ok {
		return u
	}
	return domain.User{ID: uid}
}

// resolveRoom finds id, creating an ad-hoc pair room when id names from and
// another user as "<a>:<b>".
func (o *Orchestrator) resolveRoom(from domain.UserID, id domain.RoomID) (core.RoomService, error) {
	if r, ok := o.Rooms.Get(id); ok {
		return r, nil
	}
	a, b, ok := domain.SplitPairRoomID(id)
	if !ok || a == b || (from != a && from != b) || domain.PairRoomID(a, b) != id {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}
	return o.SeedRoom(id, a, b), nil
}

// PostMessage stores body in the room and delivers it to both participants.
func (o *Orchestrator) PostMessage(from domain.User, id domain.RoomID, body string) (domain.Message, error) {
	r, err := o.resolveRoom(from.ID, id)
	if err != nil {
		return domain.Message{}, err
	}
	room := r.Room()
	if !room.Has(from.ID) {
		return domain.Message{}, ErrNotMember
	}

	msg := domain.Message{
		ID:       uuid.NewString(),
		RoomID:   room.ID,
		SenderID: from.ID,
		Body:     body,
		SentAt:   time.Now().UTC(),
	}
	r.Append(msg)
	log.Debug().Str("module", "orch").Str("room", string(room.ID)).Int("stored", r.MessageCount()).Msg("message posted")
	for _, uid := range []domain.UserID{room.FirstUserID, room.SecondUserID} {
		o.Deliver(uid, protocol.EventChatDelivery, protocol.ChatDelivery{Message: msg})
	}
	return msg, nil
}

func (o *Orchestrator) RoomsFor(uid domain.UserID) []domain.Room {
	return o.Rooms.ListFor(uid)
}

// History returns the stored messages of id, oldest first.
func (o *Orchestrator) History(uid domain.UserID, id domain.RoomID) ([]domain.Message, error) {
	r, ok := o.Rooms.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, id)
	}
	if !r.Room().Has(uid) {
		return nil, ErrNotMember
	}
	return r.Messages(), nil
}
