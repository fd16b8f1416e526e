package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/protocol"
)

// Call envelopes are forwarded, never interpreted: the relay keeps no call
// state. The sender's id always comes from its socket, not from the payload.

func (ctl *SignalWSController) handleOutgoingCall(sess core.MemberSession, env protocol.Envelope) {
	var p protocol.OutgoingCall
	if !bind(sess, env, &p) {
		return
	}
	caller := sess.User()
	if p.RecipientID == caller.ID {
		return
	}
	delivered := ctl.Orch.Deliver(p.RecipientID, protocol.EventIncomingCall, protocol.IncomingCall{
		CallType:    p.CallType,
		CallerID:    caller.ID,
		CallerName:  caller.Name,
		CallerImage: caller.Image,
	})
	if !delivered {
		log.Info().Str("module", "signal").Str("to", string(p.RecipientID)).Msg("recipient unreachable, declining")
		ctl.Orch.Deliver(caller.ID, protocol.EventCallDeclined, protocol.CallDeclined{
			CallerID:   caller.ID,
			ReceiverID: p.RecipientID,
		})
	}
}

func (ctl *SignalWSController) handleAcceptCall(sess core.MemberSession, env protocol.Envelope) {
	var p protocol.AcceptCall
	if !bind(sess, env, &p) {
		return
	}
	receiver := sess.User()
	ctl.Orch.Deliver(p.CallerID, protocol.EventCallAccepted, protocol.CallAccepted{
		CallerID:      p.CallerID,
		ReceiverID:    receiver.ID,
		ReceiverName:  receiver.Name,
		ReceiverImage: receiver.Image,
	})
}

func (ctl *SignalWSController) handleDeclineCall(sess core.MemberSession, env protocol.Envelope) {
	var p protocol.DeclineCall
	if !bind(sess, env, &p) {
		return
	}
	ctl.Orch.Deliver(p.CallerID, protocol.EventCallDeclined, protocol.CallDeclined{
		CallerID:   p.CallerID,
		ReceiverID: sess.User().ID,
	})
}

func (ctl *SignalWSController) handleCancelCall(sess core.MemberSession, env protocol.Envelope) {
	var p protocol.CancelCall
	if !bind(sess, env, &p) {
		return
	}
	ctl.Orch.Deliver(p.RecipientID, protocol.EventCancelCall, protocol.CancelCall{
		CallerID:    sess.User().ID,
		RecipientID: p.RecipientID,
	})
}

func (ctl *SignalWSController) handleEndCall(sess core.MemberSession, env protocol.Envelope) {
	var p protocol.EndCall
	if !bind(sess, env, &p) {
		return
	}
	self := sess.User().ID
	if p.CallerID != self && p.ReceiverID != self {
		log.Warn().Str("module", "signal").Str("sid", string(sess.SID())).Msg("end_call for a foreign call")
		return
	}
	ctl.Orch.Deliver(p.Other(self), protocol.EventEndCall, p)
}
