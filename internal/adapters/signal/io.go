package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/protocol"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var tick <-chan time.Time
	if ctl.opts.PingPeriod > 0 {
		t := time.NewTicker(ctl.opts.PingPeriod)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sess core.MemberSession, c *WsSignalConn) {
	sid := sess.SID()
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Orch.Disconnect(sess)
		cancel()
		c.Close()
	}()

	if p := ctl.opts.PingPeriod; p > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * p))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(2 * p))
		})
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				return
			}
			ctl.handleSignal(sess, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sess core.MemberSession, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sess.SID())).Msg("bad envelope")
		return
	}

	switch env.Event {
	case protocol.EventOutgoingCall:
		ctl.handleOutgoingCall(sess, env)
	case protocol.EventAcceptCall:
		ctl.handleAcceptCall(sess, env)
	case protocol.EventDeclineCall:
		ctl.handleDeclineCall(sess, env)
	case protocol.EventCancelCall:
		ctl.handleCancelCall(sess, env)
	case protocol.EventEndCall:
		ctl.handleEndCall(sess, env)
	case protocol.EventTherapyMessage:
		ctl.handleTherapyMessage(sess, env)
	default:
		log.Warn().Str("module", "signal").Str("event", env.Event).Msg("unknown signal")
	}
}

func bind(sess core.MemberSession, env protocol.Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sess.SID())).Msg("bad payload")
		return false
	}
	return true
}
