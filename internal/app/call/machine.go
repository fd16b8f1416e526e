// Package call is the signaling state machine of one client context.
//
// At most one call session exists at a time. Every ringing session ends as
// accepted, declined, cancelled or timed out, and media is held only while
// the session is CONNECTED.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/domain"
	"github.com/dkeye/Telecall/internal/protocol"
)

var (
	ErrBusy              = errors.New("a call is already in progress")
	ErrInvalidKind       = errors.New("invalid call type")
	ErrInvalidTarget     = errors.New("invalid call target")
	ErrNoIncomingCall    = errors.New("no incoming call")
	ErrNoActiveCall      = errors.New("no connected call")
	ErrNoMedia           = errors.New("media not ready")
	ErrAudioOnly         = errors.New("audio-only call has no camera")
	ErrInvalidTransition = errors.New("invalid call transition")
	ErrClosed            = errors.New("call machine closed")
)

// Event is published on every phase change.
type Event struct {
	Phase   domain.Phase        `json:"phase"`
	Session *domain.CallSession `json:"session,omitempty"`
	Reason  domain.EndReason    `json:"reason,omitempty"`
	At      time.Time           `json:"at"`
}

type Snapshot struct {
	Phase    domain.Phase        `json:"phase"`
	Ringing  bool                `json:"ringing"`
	Session  *domain.CallSession `json:"session,omitempty"`
	Muted    bool                `json:"muted"`
	VideoOff bool                `json:"video_off"`
	Queued   int                 `json:"queued"`
}

type invitation struct {
	call protocol.IncomingCall
	at   time.Time
}

type Machine struct {
	sender core.Sender
	media  core.MediaFactory
	now    func() time.Time

	mu        sync.Mutex
	opts      Options
	self      domain.User
	session   *domain.CallSession
	mediaSess core.MediaSession
	timer     *time.Timer
	queue     []invitation
	muted     bool
	videoOff  bool
	closed    bool
	watchers  map[chan Event]struct{}
}

// New builds an idle machine for self. media may be nil when calls carry
// signaling only.
func New(self domain.User, sender core.Sender, media core.MediaFactory, opts Options) *Machine {
	return &Machine{
		sender:   sender,
		media:    media,
		now:      time.Now,
		opts:     opts.withDefaults(),
		self:     self,
		watchers: make(map[chan Event]struct{}),
	}
}

// SetOptions swaps timeouts and conflict policy. Armed timers keep their deadline.
func (m *Machine) SetOptions(opts Options) {
	m.mu.Lock()
	m.opts = opts.withDefaults()
	m.mu.Unlock()
	log.Info().Str("module", "call").Str("policy", string(opts.Policy)).Msg("options updated")
}

// Reset ends any session silently and rebinds the machine to a new user.
func (m *Machine) Reset(self domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishLocked(domain.EndShutdown, false)
	m.queue = nil
	m.self = self
}

// Start rings peer. On a send failure the machine stays IDLE.
func (m *Machine) Start(ctx context.Context, kind domain.CallKind, peer domain.User) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.self.ID == "" {
		return domain.ErrNoIdentity
	}
	if peer.ID == "" || peer.ID == m.self.ID {
		return ErrInvalidTarget
	}
	if m.session != nil {
		return ErrBusy
	}

	err := m.sender.Send(protocol.EventOutgoingCall, protocol.OutgoingCall{
		CallType:    kind,
		CallerID:    m.self.ID,
		RecipientID: peer.ID,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "call").Str("peer", string(peer.ID)).Msg("outgoing_call not sent")
		return fmt.Errorf("start call: %w", err)
	}

	m.session = &domain.CallSession{
		ID:        uuid.NewString(),
		Kind:      kind,
		Role:      domain.RoleCaller,
		Peer:      peer,
		Phase:     domain.PhaseIdle,
		StartedAt: m.now(),
	}
	if err := m.enterLocked(domain.PhaseOutgoingRinging); err != nil {
		return err
	}
	m.armLocked(m.opts.OutgoingTimeout, func() { m.cancelLocked(domain.EndTimedOut) })
	return nil
}

// Accept answers the ringing incoming call and acquires media.
// When media cannot be acquired the call is ended with end_call.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	if s == nil || s.Phase != domain.PhaseIncomingRinging {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	err := m.sender.Send(protocol.EventAcceptCall, protocol.AcceptCall{
		CallerID:   s.Peer.ID,
		ReceiverID: m.self.ID,
	})
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("accept call: %w", err)
	}
	m.stopTimerLocked()
	s.ConnectedAt = m.now()
	if err := m.enterLocked(domain.PhaseConnected); err != nil {
		m.mu.Unlock()
		return err
	}
	id, kind, peer := s.ID, s.Kind, s.Peer.ID
	m.mu.Unlock()

	return m.attachMedia(ctx, id, kind, peer)
}

// Decline refuses the ringing incoming call. No-op without one.
func (m *Machine) Decline() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declineLocked(domain.EndDeclined)
	return nil
}

// Cancel withdraws the ringing outgoing call. No-op without one.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(domain.EndCancelled)
	return nil
}

// End hangs up whatever session is active: a ringing one is cancelled or
// declined, a connected one is ended. No-op when idle.
func (m *Machine) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	switch m.session.Phase {
	case domain.PhaseOutgoingRinging:
		m.cancelLocked(domain.EndCancelled)
	case domain.PhaseIncomingRinging:
		m.declineLocked(domain.EndDeclined)
	case domain.PhaseConnected:
		m.hangUpLocked(domain.EndHungUp, true)
	}
	return nil
}

// ToggleAudio flips the microphone and reports whether it is now muted.
func (m *Machine) ToggleAudio() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, err := m.liveMediaLocked()
	if err != nil {
		return m.muted, err
	}
	m.muted = ms.ToggleAudio()
	return m.muted, nil
}

// ToggleVideo flips the camera and reports whether it is now off.
func (m *Machine) ToggleVideo() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, err := m.liveMediaLocked()
	if err != nil {
		return m.videoOff, err
	}
	if ms.Kind() != domain.CallVideo {
		return m.videoOff, ErrAudioOnly
	}
	m.videoOff = ms.ToggleVideo()
	return m.videoOff, nil
}

func (m *Machine) liveMediaLocked() (core.MediaSession, error) {
	if m.session == nil || m.session.Phase != domain.PhaseConnected {
		return nil, ErrNoActiveCall
	}
	if m.mediaSess == nil {
		return nil, ErrNoMedia
	}
	return m.mediaSess, nil
}

// Run feeds call envelopes from sub into the machine until ctx ends.
func (m *Machine) Run(ctx context.Context, sub core.Subscriber) {
	ch, cancel := sub.Subscribe(protocol.CallEvents...)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.Handle(ctx, env)
		}
	}
}

// Handle applies one inbound envelope. Envelopes about a counterparty other
// than the active session's are ignored.
func (m *Machine) Handle(ctx context.Context, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventIncomingCall:
		var p protocol.IncomingCall
		if !bind(env, &p) {
			return
		}
		m.mu.Lock()
		m.onIncomingLocked(p)
		m.mu.Unlock()

	case protocol.EventCallAccepted:
		var p protocol.CallAccepted
		if !bind(env, &p) {
			return
		}
		m.onAccepted(ctx, p)

	case protocol.EventCallDeclined:
		var p protocol.CallDeclined
		if !bind(env, &p) {
			return
		}
		m.mu.Lock()
		s := m.session
		if s != nil && s.Phase == domain.PhaseOutgoingRinging &&
			p.CallerID == m.self.ID && (p.ReceiverID == "" || p.ReceiverID == s.Peer.ID) {
			m.finishLocked(domain.EndDeclined, true)
		} else {
			ignored(env.Event, p.CallerID)
		}
		m.mu.Unlock()

	case protocol.EventCancelCall:
		var p protocol.CancelCall
		if !bind(env, &p) {
			return
		}
		m.mu.Lock()
		m.dropQueuedLocked(p.CallerID)
		s := m.session
		if s != nil && s.Phase == domain.PhaseIncomingRinging && s.Peer.ID == p.CallerID {
			m.finishLocked(domain.EndCancelled, true)
		} else {
			ignored(env.Event, p.CallerID)
		}
		m.mu.Unlock()

	case protocol.EventEndCall:
		var p protocol.EndCall
		if !bind(env, &p) {
			return
		}
		m.mu.Lock()
		s := m.session
		other := p.Other(m.self.ID)
		if s != nil && s.Peer.ID == other {
			m.hangUpLocked(domain.EndRemoteHungUp, false)
		} else {
			ignored(env.Event, other)
		}
		m.mu.Unlock()

	default:
		log.Debug().Str("module", "call").Str("event", env.Event).Msg("not a call event")
	}
}

func bind(env protocol.Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("dropping call envelope")
		return false
	}
	return true
}

func ignored(event string, from domain.UserID) {
	log.Debug().Str("module", "call").Str("event", event).Str("from", string(from)).Msg("no matching session, ignored")
}

func (m *Machine) onAccepted(ctx context.Context, p protocol.CallAccepted) {
	m.mu.Lock()
	s := m.session
	if s == nil || s.Phase != domain.PhaseOutgoingRinging || s.Peer.ID != p.ReceiverID || p.CallerID != m.self.ID {
		m.mu.Unlock()
		ignored(protocol.EventCallAccepted, p.ReceiverID)
		return
	}
	if p.ReceiverName != "" {
		s.Peer.Name = p.ReceiverName
	}
	if p.ReceiverImage != "" {
		s.Peer.Image = p.ReceiverImage
	}
	m.stopTimerLocked()
	s.ConnectedAt = m.now()
	if err := m.enterLocked(domain.PhaseConnected); err != nil {
		m.mu.Unlock()
		return
	}
	id, kind, peer := s.ID, s.Kind, s.Peer.ID
	m.mu.Unlock()

	if err := m.attachMedia(ctx, id, kind, peer); err != nil {
		log.Error().Err(err).Str("module", "call").Msg("call ended without media")
	}
}

func (m *Machine) attachMedia(ctx context.Context, id string, kind domain.CallKind, peer domain.UserID) error {
	if m.media == nil {
		return nil
	}
	ms, err := m.media.Acquire(ctx, kind, peer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.ID != id || m.session.Phase != domain.PhaseConnected {
		if ms != nil {
			ms.Release()
		}
		return nil
	}
	if err != nil {
		m.hangUpLocked(domain.EndMediaFailed, true)
		return fmt.Errorf("acquire media: %w", err)
	}
	m.mediaSess = ms
	return nil
}

func (m *Machine) onIncomingLocked(p protocol.IncomingCall) {
	if m.closed || m.self.ID == "" {
		return
	}
	if p.CallerID == m.self.ID {
		ignored(protocol.EventIncomingCall, p.CallerID)
		return
	}
	if m.session == nil {
		m.ringLocked(p, m.opts.IncomingTimeout)
		return
	}
	if m.session.Peer.ID == p.CallerID {
		log.Debug().Str("module", "call").Str("from", string(p.CallerID)).Msg("repeated invitation from current peer")
		return
	}

	switch m.opts.Policy {
	case domain.PolicyQueue:
		for _, q := range m.queue {
			if q.call.CallerID == p.CallerID {
				return
			}
		}
		if len(m.queue) < m.opts.QueueLimit {
			m.queue = append(m.queue, invitation{call: p, at: m.now()})
			log.Info().Str("module", "call").Str("from", string(p.CallerID)).Int("queued", len(m.queue)).Msg("invitation queued")
			return
		}
		m.declineInviteLocked(p.CallerID)
	case domain.PolicyReplace:
		log.Info().Str("module", "call").Str("from", string(p.CallerID)).Msg("replacing active session")
		m.abandonLocked(domain.EndReplaced)
		m.ringLocked(p, m.opts.IncomingTimeout)
	default:
		m.declineInviteLocked(p.CallerID)
	}
}

func (m *Machine) declineInviteLocked(caller domain.UserID) {
	log.Info().Str("module", "call").Str("from", string(caller)).Msg("busy, declining invitation")
	m.send(protocol.EventDeclineCall, protocol.DeclineCall{CallerID: caller, ReceiverID: m.self.ID})
}

func (m *Machine) dropQueuedLocked(caller domain.UserID) {
	kept := m.queue[:0]
	for _, q := range m.queue {
		if q.call.CallerID != caller {
			kept = append(kept, q)
		}
	}
	m.queue = kept
}

func (m *Machine) ringLocked(p protocol.IncomingCall, timeout time.Duration) {
	m.session = &domain.CallSession{
		ID:        uuid.NewString(),
		Kind:      p.CallType,
		Role:      domain.RoleCallee,
		Peer:      p.Caller(),
		Phase:     domain.PhaseIdle,
		StartedAt: m.now(),
	}
	if err := m.enterLocked(domain.PhaseIncomingRinging); err != nil {
		m.session = nil
		return
	}
	m.armLocked(timeout, func() { m.declineLocked(domain.EndTimedOut) })
}

// promoteLocked rings the oldest queued invitation that has not expired.
func (m *Machine) promoteLocked() {
	for m.session == nil && len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		left := m.opts.IncomingTimeout - m.now().Sub(next.at)
		if left <= 0 {
			m.declineInviteLocked(next.call.CallerID)
			continue
		}
		m.ringLocked(next.call, left)
	}
}

func (m *Machine) cancelLocked(reason domain.EndReason) {
	s := m.session
	if s == nil || s.Phase != domain.PhaseOutgoingRinging {
		return
	}
	m.send(protocol.EventCancelCall, protocol.CancelCall{CallerID: m.self.ID, RecipientID: s.Peer.ID})
	m.finishLocked(reason, true)
}

func (m *Machine) declineLocked(reason domain.EndReason) {
	s := m.session
	if s == nil || s.Phase != domain.PhaseIncomingRinging {
		return
	}
	m.send(protocol.EventDeclineCall, protocol.DeclineCall{CallerID: s.Peer.ID, ReceiverID: m.self.ID})
	m.finishLocked(reason, true)
}

// hangUpLocked leaves a session, telling the peer with end_call when notify is set.
func (m *Machine) hangUpLocked(reason domain.EndReason, notify bool) {
	s := m.session
	if s == nil {
		return
	}
	if notify {
		m.send(protocol.EventEndCall, protocol.EndCall{
			CallerID:   s.CallerID(m.self.ID),
			ReceiverID: s.ReceiverID(m.self.ID),
		})
	}
	m.finishLocked(reason, true)
}

// abandonLocked terminates the active session with the signal its phase needs,
// without promoting queued invitations.
func (m *Machine) abandonLocked(reason domain.EndReason) {
	s := m.session
	if s == nil {
		return
	}
	switch s.Phase {
	case domain.PhaseOutgoingRinging:
		m.send(protocol.EventCancelCall, protocol.CancelCall{CallerID: m.self.ID, RecipientID: s.Peer.ID})
	case domain.PhaseIncomingRinging:
		m.send(protocol.EventDeclineCall, protocol.DeclineCall{CallerID: s.Peer.ID, ReceiverID: m.self.ID})
	case domain.PhaseConnected:
		m.send(protocol.EventEndCall, protocol.EndCall{
			CallerID:   s.CallerID(m.self.ID),
			ReceiverID: s.ReceiverID(m.self.ID),
		})
	}
	m.finishLocked(reason, false)
}

func (m *Machine) finishLocked(reason domain.EndReason, promote bool) {
	s := m.session
	if s == nil {
		return
	}
	if !canTransition(s.Phase, domain.PhaseIdle) {
		log.Error().Str("module", "call").Str("from", string(s.Phase)).Msg("cannot return to idle")
		return
	}
	m.stopTimerLocked()
	if m.mediaSess != nil {
		m.mediaSess.Release()
		m.mediaSess = nil
	}
	m.muted, m.videoOff = false, false
	m.session = nil

	ended := *s
	log.Info().Str("module", "call").Str("peer", string(s.Peer.ID)).Str("reason", string(reason)).Msg("call session ended")
	m.emitLocked(Event{Phase: domain.PhaseIdle, Session: &ended, Reason: reason, At: m.now()})

	if promote {
		m.promoteLocked()
	}
}

func (m *Machine) enterLocked(to domain.Phase) error {
	s := m.session
	if !canTransition(s.Phase, to) {
		log.Error().Str("module", "call").Str("from", string(s.Phase)).Str("to", string(to)).Msg("rejected transition")
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Phase, to)
	}
	s.Phase = to
	cp := *s
	log.Info().Str("module", "call").Str("peer", string(s.Peer.ID)).Str("phase", string(to)).Msg("call phase")
	m.emitLocked(Event{Phase: to, Session: &cp, At: m.now()})
	return nil
}

// armLocked schedules fn for the current session. A timer that fires after
// its session ended does nothing.
func (m *Machine) armLocked(d time.Duration, fn func()) {
	m.stopTimerLocked()
	id := m.session.ID
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.session == nil || m.session.ID != id {
			return
		}
		m.timer = nil
		fn()
	})
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) send(event string, payload any) {
	if err := m.sender.Send(event, payload); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("event", event).Msg("signal not sent")
	}
}

func (m *Machine) emitLocked(ev Event) {
	for ch := range m.watchers {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("module", "call").Msg("watcher full, event dropped")
		}
	}
}

// Watch streams phase changes. The channel closes with the machine.
func (m *Machine) Watch() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	m.watchers[ch] = struct{}{}
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
	}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Phase:    domain.PhaseIdle,
		Muted:    m.muted,
		VideoOff: m.videoOff,
		Queued:   len(m.queue),
	}
	if m.session != nil {
		cp := *m.session
		snap.Phase = cp.Phase
		snap.Ringing = cp.Phase.Ringing()
		snap.Session = &cp
	}
	return snap
}

// Close releases media and stops timers without signaling. Idempotent.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.finishLocked(domain.EndShutdown, false)
	m.queue = nil
	m.closed = true
	for ch := range m.watchers {
		close(ch)
	}
	m.watchers = nil
}
