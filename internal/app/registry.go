package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/domain"
)

type sessionEntry struct {
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry knows the accepted tokens and the one live socket of each user.
type Registry struct {
	mu       sync.RWMutex
	tokens   map[string]domain.UserID
	users    map[domain.UserID]domain.User
	sessions map[domain.UserID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		tokens:   make(map[string]domain.UserID),
		users:    make(map[domain.UserID]domain.User),
		sessions: make(map[domain.UserID]*sessionEntry),
	}
}

// AddUser accepts token as u's bearer token.
func (r *Registry) AddUser(token string, u domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = u.ID
	r.users[u.ID] = u
	log.Info().Str("module", "app.registry").Str("user", string(u.ID)).Msg("user registered")
}

func (r *Registry) ResolveToken(token string) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uid, ok := r.tokens[token]
	if !ok {
		return domain.User{}, false
	}
	return r.users[uid], true
}

func (r *Registry) User(uid domain.UserID) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[uid]
	return u, ok
}

// Bind makes sess the live socket of its user. An older socket of the same
// user is cancelled and returned.
func (r *Registry) Bind(sess core.MemberSession, cancel context.CancelFunc) core.MemberSession {
	uid := sess.User().ID
	r.mu.Lock()
	prev := r.sessions[uid]
	r.sessions[uid] = &sessionEntry{Session: sess, Cancel: cancel}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("sid", string(sess.SID())).Msg("bound signal")
	if prev == nil {
		return nil
	}
	if prev.Cancel != nil {
		prev.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("sid", string(prev.Session.SID())).Msg("replaced older socket")
	return prev.Session
}

func (r *Registry) Session(uid domain.UserID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[uid]; ok {
		return e.Session, true
	}
	return nil, false
}

// Unbind removes uid's socket if it is still sid. A replaced socket exiting
// late does not evict its successor.
func (r *Registry) Unbind(uid domain.UserID, sid core.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[uid]
	if !ok || e.Session.SID() != sid {
		return false
	}
	delete(r.sessions, uid)
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Str("sid", string(sid)).Msg("unbind session")
	return true
}

// Cancel stops uid's live socket.
func (r *Registry) Cancel(uid domain.UserID) bool {
	r.mu.RLock()
	e, ok := r.sessions[uid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("user", string(uid)).Msg("canceled session")
	return true
}

func (r *Registry) Online() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.sessions))
	for uid := range r.sessions {
		out = append(out, uid)
	}
	return out
}
