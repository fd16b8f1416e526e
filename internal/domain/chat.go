package domain

import (
	"strings"
	"time"
)

type RoomID string

// Room is a two-party conversation as the backend lists it.
type Room struct {
	ID           RoomID `json:"ID"`
	FirstUserID  UserID `json:"FirstUserID"`
	SecondUserID UserID `json:"SecondUserID"`
	FirstUser    User   `json:"FirstUser"`
	SecondUser   User   `json:"SecondUser"`
}

// Has reports whether uid participates in the room.
func (r *Room) Has(uid UserID) bool {
	return r.FirstUserID == uid || r.SecondUserID == uid
}

// Counterparty returns the participant that is not self.
func (r *Room) Counterparty(self UserID) (User, bool) {
	switch self {
	case r.FirstUserID:
		return r.SecondUser, true
	case r.SecondUserID:
		return r.FirstUser, true
	}
	return User{}, false
}

// PairRoomID builds the conventional id for an ad-hoc room between two users.
// The order of the arguments does not matter.
func PairRoomID(a, b UserID) RoomID {
	if a > b {
		a, b = b, a
	}
	return RoomID(string(a) + ":" + string(b))
}

// SplitPairRoomID is the inverse of PairRoomID.
func SplitPairRoomID(id RoomID) (UserID, UserID, bool) {
	a, b, ok := strings.Cut(string(id), ":")
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return UserID(a), UserID(b), true
}

// Message is immutable once created.
type Message struct {
	ID       string    `json:"ID"`
	RoomID   RoomID    `json:"room_id"`
	SenderID UserID    `json:"sender_id"`
	Body     string    `json:"message"`
	SentAt   time.Time `json:"created_at"`
}
