package signal

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/protocol"
)

func (ctl *SignalWSController) handleTherapyMessage(sess core.MemberSession, env protocol.Envelope) {
	var p protocol.TherapyMessage
	if !bind(sess, env, &p) {
		return
	}
	from := sess.User()
	if ctl.Limiter != nil && !ctl.Limiter.Allow(from.ID) {
		log.Warn().Str("module", "signal").Str("user", string(from.ID)).Msg("chat rate limited")
		return
	}
	body := strings.TrimSpace(p.Message)
	if body == "" {
		return
	}
	if _, err := ctl.Orch.PostMessage(*from, p.RoomID, body); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("room", string(p.RoomID)).Msg("message rejected")
	}
}
