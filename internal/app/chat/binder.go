// Package chat binds the selected conversation to the shared socket.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/domain"
	"github.com/dkeye/Telecall/internal/protocol"
)

const DefaultMaxMessages = 500

var (
	ErrEmptyMessage         = errors.New("empty message")
	ErrNoConversation       = errors.New("no conversation selected")
	ErrUnknownConversation  = errors.New("unknown conversation")
	ErrNoSharedConversation = errors.New("no conversation with that user")
)

type Binder struct {
	history core.History
	sender  core.Sender
	max     int

	mu       sync.Mutex
	self     domain.UserID
	rooms    []domain.Room
	selected *domain.Room
	gen      uint64
	loading  bool
	messages []domain.Message
	pending  []domain.Message
	watchers map[chan domain.Message]struct{}
}

func New(self domain.UserID, history core.History, sender core.Sender, maxMessages int) *Binder {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Binder{
		history:  history,
		sender:   sender,
		max:      maxMessages,
		self:     self,
		watchers: make(map[chan domain.Message]struct{}),
	}
}

// SetSelf rebinds the binder to another user and forgets all chat state.
func (b *Binder) SetSelf(self domain.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.self = self
	b.rooms = nil
	b.gen++
	b.clearLocked()
}

func (b *Binder) clearLocked() {
	b.selected = nil
	b.loading = false
	b.messages = nil
	b.pending = nil
}

// Conversations fetches the conversation list and caches it for selection.
func (b *Binder) Conversations(ctx context.Context) ([]domain.Room, error) {
	rooms, err := b.history.Conversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	b.mu.Lock()
	b.rooms = rooms
	b.mu.Unlock()
	return append([]domain.Room(nil), rooms...), nil
}

func (b *Binder) lookup(ctx context.Context, match func(*domain.Room) bool) (domain.Room, bool, error) {
	b.mu.Lock()
	for i := range b.rooms {
		if match(&b.rooms[i]) {
			r := b.rooms[i]
			b.mu.Unlock()
			return r, true, nil
		}
	}
	b.mu.Unlock()

	rooms, err := b.Conversations(ctx)
	if err != nil {
		return domain.Room{}, false, err
	}
	for i := range rooms {
		if match(&rooms[i]) {
			return rooms[i], true, nil
		}
	}
	return domain.Room{}, false, nil
}

// SelectConversation points the binder at id and replaces the message list
// with its history. Live messages for id that arrive during the fetch are
// kept after the history. A later selection supersedes an unfinished one.
func (b *Binder) SelectConversation(ctx context.Context, id domain.RoomID) error {
	room, ok, err := b.lookup(ctx, func(r *domain.Room) bool { return r.ID == id })
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	return b.selectRoom(ctx, room)
}

// SelectByParticipant selects the conversation shared with uid.
func (b *Binder) SelectByParticipant(ctx context.Context, uid domain.UserID) (domain.Room, error) {
	room, ok, err := b.lookup(ctx, func(r *domain.Room) bool { return r.Has(uid) })
	if err != nil {
		return domain.Room{}, err
	}
	if !ok {
		return domain.Room{}, fmt.Errorf("%w: %s", ErrNoSharedConversation, uid)
	}
	return room, b.selectRoom(ctx, room)
}

func (b *Binder) selectRoom(ctx context.Context, room domain.Room) error {
	b.mu.Lock()
	b.gen++
	gen := b.gen
	b.clearLocked()
	b.selected = &room
	b.loading = true
	b.mu.Unlock()

	history, err := b.history.Messages(ctx, room.ID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		return nil
	}
	b.loading = false
	live := b.pending
	b.pending = nil
	if err != nil {
		b.messages = b.capLocked(live)
		return fmt.Errorf("load history of %s: %w", room.ID, err)
	}

	seen := make(map[string]struct{}, len(history))
	merged := make([]domain.Message, 0, len(history)+len(live))
	for _, m := range history {
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range live {
		if _, dup := seen[m.ID]; !dup {
			merged = append(merged, m)
		}
	}
	b.messages = b.capLocked(merged)
	log.Info().Str("module", "chat").Str("room", string(room.ID)).Int("messages", len(b.messages)).Msg("conversation selected")
	return nil
}

func (b *Binder) capLocked(msgs []domain.Message) []domain.Message {
	if len(msgs) > b.max {
		return append([]domain.Message(nil), msgs[len(msgs)-b.max:]...)
	}
	return msgs
}

// Deselect clears the selected conversation.
func (b *Binder) Deselect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.clearLocked()
}

func (b *Binder) Selected() (domain.Room, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selected == nil {
		return domain.Room{}, false
	}
	return *b.selected, true
}

// Counterparty is the other participant of the selected conversation.
func (b *Binder) Counterparty() (domain.User, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selected == nil {
		return domain.User{}, false
	}
	return b.selected.Counterparty(b.self)
}

func (b *Binder) Messages() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Message(nil), b.messages...)
}

// Handle appends a delivered message when it belongs to the selected
// conversation. Anything else is dropped.
func (b *Binder) Handle(env protocol.Envelope) {
	if env.Event != protocol.EventChatDelivery {
		return
	}
	var p protocol.ChatDelivery
	if err := env.Bind(&p); err != nil {
		log.Warn().Err(err).Str("module", "chat").Msg("dropping chat envelope")
		return
	}
	msg := p.Message

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.selected == nil || b.selected.ID != msg.RoomID {
		log.Debug().Str("module", "chat").Str("room", string(msg.RoomID)).Msg("message for unselected conversation dropped")
		return
	}
	if b.loading {
		b.pending = append(b.pending, msg)
	} else {
		b.messages = b.capLocked(append(b.messages, msg))
	}
	for ch := range b.watchers {
		select {
		case ch <- msg:
		default:
			log.Warn().Str("module", "chat").Msg("watcher full, message dropped")
		}
	}
}

// Run feeds chat deliveries from sub until ctx ends.
func (b *Binder) Run(ctx context.Context, sub core.Subscriber) {
	ch, cancel := sub.Subscribe(protocol.EventChatDelivery)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			b.Handle(env)
		}
	}
}

// SendMessage posts text to the selected conversation. The message shows up
// in the list only when the backend delivers it back.
func (b *Binder) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	b.mu.Lock()
	sel := b.selected
	b.mu.Unlock()
	if sel == nil {
		return ErrNoConversation
	}
	return b.sender.Send(protocol.EventTherapyMessage, protocol.Quoted{V: protocol.TherapyMessage{
		RoomID:  sel.ID,
		Message: text,
	}})
}

// Watch streams messages as they are appended.
func (b *Binder) Watch() (<-chan domain.Message, func()) {
	ch := make(chan domain.Message, 32)
	b.mu.Lock()
	b.watchers[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.watchers[ch]; ok {
			delete(b.watchers, ch)
			close(ch)
		}
	}
}
