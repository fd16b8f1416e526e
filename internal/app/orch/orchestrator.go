// Package orch routes relay traffic between the live sockets of users.
package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/app"
	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/domain"
	"github.com/dkeye/Telecall/internal/protocol"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
}

// Connect binds sess as its user's socket, closing any socket it replaces.
func (o *Orchestrator) Connect(sess core.MemberSession, cancel context.CancelFunc) {
	if prev := o.Registry.Bind(sess, cancel); prev != nil {
		prev.Signal().Close()
	}
}

func (o *Orchestrator) Disconnect(sess core.MemberSession) {
	o.Registry.Unbind(sess.User().ID, sess.SID())
}

// Deliver queues one envelope on to's socket. It reports false when to is
// offline or the frame was refused.
func (o *Orchestrator) Deliver(to domain.UserID, event string, payload any) bool {
	sess, ok := o.Registry.Session(to)
	if !ok {
		log.Debug().Str("module", "orch").Str("to", string(to)).Str("event", event).Msg("recipient offline")
		return false
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode failed")
		return false
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("to", string(to)).Str("event", event).Msg("deliver failed")
		if o.Policy != nil {
			switch o.Policy.OnBackPressure(sess) {
			case app.KickMember:
				o.Kick(to)
			case app.DropFrame, app.NoAction:
			}
		}
		return false
	}
	return true
}

// Kick drops uid's socket; its pumps then unbind it.
func (o *Orchestrator) Kick(uid domain.UserID) {
	if o.Registry.Cancel(uid) {
		log.Info().Str("module", "orch").Str("user", string(uid)).Msg("kicked")
	}
}
