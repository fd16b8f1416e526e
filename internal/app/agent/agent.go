// Package agent is one client context: a signed-in user, its shared socket,
// and the call and chat machines fed by that socket.
package agent

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Telecall/internal/app/broker"
	"github.com/dkeye/Telecall/internal/app/call"
	"github.com/dkeye/Telecall/internal/app/chat"
	"github.com/dkeye/Telecall/internal/app/conn"
	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/domain"
)

type Agent struct {
	Broker *broker.Broker
	Conn   *conn.Manager
	Calls  *call.Machine
	Chat   *chat.Binder
}

// State is what a UI needs to render the context.
type State struct {
	Identity     *domain.User  `json:"identity,omitempty"`
	Connection   conn.Stats    `json:"connection"`
	Call         call.Snapshot `json:"call"`
	Conversation *domain.Room  `json:"conversation,omitempty"`
	Counterparty *domain.User  `json:"counterparty,omitempty"`
}

// New wires the machines to m. media may be nil for signaling-only agents.
func New(b *broker.Broker, m *conn.Manager, media core.MediaFactory, history core.History, callOpts call.Options, maxMessages int) *Agent {
	return &Agent{
		Broker: b,
		Conn:   m,
		Calls:  call.New(domain.User{}, m, media, callOpts),
		Chat:   chat.New("", history, m, maxMessages),
	}
}

// Run consumes inbound envelopes until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Calls.Run(ctx, a.Conn)
		return nil
	})
	g.Go(func() error {
		a.Chat.Run(ctx, a.Conn)
		return nil
	})
	return g.Wait()
}

// SignIn rebinds the context to id and (re)opens the socket. A transport
// error is returned while the socket keeps retrying in the background.
func (a *Agent) SignIn(ctx context.Context, id domain.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if a.Conn.Identity().ID != id.ID {
		a.leaveCall()
		a.Calls.Reset(id.User)
		a.Chat.SetSelf(id.ID)
	}
	log.Info().Str("module", "agent").Str("user", string(id.ID)).Str("role", string(id.Role)).Msg("sign in")
	return a.Conn.Initialize(ctx, id)
}

// SignOut drops the socket and every piece of per-user state.
func (a *Agent) SignOut() {
	a.leaveCall()
	a.Conn.Disconnect()
	a.Calls.Reset(domain.User{})
	a.Chat.SetSelf("")
	log.Info().Str("module", "agent").Msg("sign out")
}

func (a *Agent) State() State {
	st := State{
		Connection: a.Conn.Stats(),
		Call:       a.Calls.Snapshot(),
	}
	if id := a.Conn.Identity(); id.ID != "" {
		u := id.User
		st.Identity = &u
	}
	if room, ok := a.Chat.Selected(); ok {
		st.Conversation = &room
		if peer, ok := a.Chat.Counterparty(); ok {
			st.Counterparty = &peer
		}
	}
	return st
}

// leaveCall tells the peer of any live session that this context is going
// away, while the socket is still up.
func (a *Agent) leaveCall() {
	if err := a.Calls.End(); err != nil {
		log.Warn().Err(err).Str("module", "agent").Msg("end call on leave")
	}
}

// Close ends any call and releases the socket.
func (a *Agent) Close() {
	a.leaveCall()
	a.Calls.Close()
	a.Conn.Close()
	a.Broker.Close()
}
