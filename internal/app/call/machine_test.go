package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Telecall/internal/app/broker"
	"github.com/dkeye/Telecall/internal/core"
	"github.com/dkeye/Telecall/internal/domain"
	"github.com/dkeye/Telecall/internal/protocol"
)

var (
	alice = domain.User{ID: "alice", Name: "Alice"}
	bob   = domain.User{ID: "bob", Name: "Bob"}
	carol = domain.User{ID: "carol", Name: "Carol"}
)

type sent struct {
	event   string
	payload any
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (f *fakeSender) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, sent{event, payload})
	return nil
}

func (f *fakeSender) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.event)
	}
	return out
}

func (f *fakeSender) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[len(f.msgs)-1]
}

type fakeSession struct {
	kind     domain.CallKind
	muted    bool
	videoOff bool
	released atomic.Int32
}

func (s *fakeSession) Kind() domain.CallKind { return s.kind }
func (s *fakeSession) Release()              { s.released.Add(1) }

func (s *fakeSession) ToggleAudio() bool {
	s.muted = !s.muted
	return s.muted
}

func (s *fakeSession) ToggleVideo() bool {
	s.videoOff = !s.videoOff
	return s.videoOff
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeSession
}

func (f *fakeMedia) Acquire(_ context.Context, kind domain.CallKind, _ domain.UserID) (core.MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{kind: kind}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeMedia) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func newMachine(opts Options) (*Machine, *fakeSender, *fakeMedia) {
	s := &fakeSender{}
	md := &fakeMedia{}
	return New(alice, s, md, opts), s, md
}

func envelope(t *testing.T, event string, payload any) protocol.Envelope {
	t.Helper()
	raw, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func incoming(t *testing.T, from domain.User, kind domain.CallKind) protocol.Envelope {
	return envelope(t, protocol.EventIncomingCall, protocol.IncomingCall{
		CallType: kind, CallerID: from.ID, CallerName: from.Name,
	})
}

func phase(m *Machine) domain.Phase { return m.Snapshot().Phase }

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to domain.Phase
		want     bool
	}{
		{domain.PhaseIdle, domain.PhaseOutgoingRinging, true},
		{domain.PhaseIdle, domain.PhaseIncomingRinging, true},
		{domain.PhaseIdle, domain.PhaseConnected, false},
		{domain.PhaseOutgoingRinging, domain.PhaseConnected, true},
		{domain.PhaseOutgoingRinging, domain.PhaseIncomingRinging, false},
		{domain.PhaseIncomingRinging, domain.PhaseConnected, true},
		{domain.PhaseIncomingRinging, domain.PhaseIdle, true},
		{domain.PhaseConnected, domain.PhaseIdle, true},
		{domain.PhaseConnected, domain.PhaseOutgoingRinging, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func TestStartSendsOutgoingCall(t *testing.T) {
	m, s, _ := newMachine(DefaultOptions())
	defer m.Close()

	require.NoError(t, m.Start(context.Background(), domain.CallVideo, bob))
	assert.Equal(t, domain.PhaseOutgoingRinging, phase(m))
	assert.Equal(t, sent{protocol.EventOutgoingCall, protocol.OutgoingCall{
		CallType: domain.CallVideo, CallerID: "alice", RecipientID: "bob",
	}}, s.last())

	assert.ErrorIs(t, m.Start(context.Background(), domain.CallAudio, carol), ErrBusy)
	assert.Len(t, s.events(), 1)
}

func TestStartRejectsBadInput(t *testing.T) {
	m, s, _ := newMachine(DefaultOptions())
	defer m.Close()

	assert.ErrorIs(t, m.Start(context.Background(), "hologram", bob), ErrInvalidKind)
	assert.ErrorIs(t, m.Start(context.Background(), domain.CallAudio, alice), ErrInvalidTarget)
	assert.ErrorIs(t, m.Start(context.Background(), domain.CallAudio, domain.User{}), ErrInvalidTarget)
	assert.Empty(t, s.events())

	anon := New(domain.User{}, s, nil, DefaultOptions())
	assert.ErrorIs(t, anon.Start(context.Background(), domain.CallAudio, bob), domain.ErrNoIdentity)
}

func TestStartSendFailureStaysIdle(t *testing.T) {
	m, s, _ := newMachine(DefaultOptions())
	defer m.Close()
	s.err = errors.New("not connected")

	require.Error(t, m.Start(context.Background(), domain.CallAudio, bob))
	assert.Equal(t, domain.PhaseIdle, phase(m))
}

func TestCalleeAccepts(t *testing.T) {
	m, s, md := newMachine(DefaultOptions())
	defer m.Close()

	m.Handle(context.Background(), incoming(t, bob, domain.CallVideo))
	snap := m.Snapshot()
	require.Equal(t, domain.PhaseIncomingRinging, snap.Phase)
	assert.Equal(t, domain.RoleCallee, snap.Session.Role)
	assert.Equal(t, "Bob", snap.Session.Peer.Name)

	require.NoError(t, m.Accept(context.Background()))
	assert.Equal(t, sent{protocol.EventAcceptCall, protocol.AcceptCall{CallerID: "bob", ReceiverID: "alice"}}, s.last())
	assert.Equal(t, domain.PhaseConnected, phase(m))
	require.Equal(t, 1, md.count())
	assert.Equal(t, domain.CallVideo, md.sessions[0].kind)

	assert.ErrorIs(t, m.Accept(context.Background()), ErrNoIncomingCall)
}

func TestCallerConnectsOnAccepted(t *testing.T) {
	m, _, md := newMachine(DefaultOptions())
	defer m.Close()

	require.NoError(t, m.Start(context.Background(), domain.CallAudio, bob))
	m.Handle(context.Background(), envelope(t, protocol.EventCallAccepted, protocol.CallAccepted{
		CallerID: "alice", ReceiverID: "bob", ReceiverImage: "https://img.test/bob.png",
	}))

	snap := m.Snapshot()
	assert.Equal(t, domain.PhaseConnected, snap.Phase)
	assert.Equal(t, "https://img.test/bob.png", snap.Session.Peer.Image)
	assert.False(t, snap.Session.ConnectedAt.IsZero())
	assert.Equal(t, 1, md.count())
}

func TestCallDeclinedReturnsToIdle(t *testing.T) {
	m, _, md := newMachine(DefaultOptions())
	defer m.Close()
	events, cancel := m.Watch()
	defer cancel()

	require.NoError(t, m.Start(context.Background(), domain.CallAudio, bob))
	m.Handle(context.Background(), envelope(t, protocol.EventCallDeclined, protocol.CallDeclined{CallerID: "alice"}))

	assert.Equal(t, domain.PhaseIdle, phase(m))
	assert.Equal(t, 0, md.count())
	<-events
	ev := <-events
	assert.Equal(t, domain.EndDeclined, ev.Reason)
}

func TestDeclineAndCancelAreIdempotent(t *testing.T) {
	m, s, _ := newMachine(DefaultOptions())
	defer m.Close()

	m.Handle(context.Background(), incoming(t, bob, domain.CallAudio))
	require.NoError(t, m.Decline())
	require.NoError(t, m.Decline())
	assert.Equal(t, []string{protocol.EventDeclineCall}, s.events())
	assert.Equal(t, sent{protocol.EventDeclineCall, protocol.DeclineCall{CallerID: "bob", ReceiverID: "alice"}}, s.last())

	require.NoError(t, m.Start(context.Background(), domain.CallAudio, bob))
	require.NoError(t, m.Cancel())
	require.NoError(t, m.Cancel())
	require.NoError(t, m.End())
	assert.Equal(t, []string{protocol.EventDeclineCall, protocol.EventOutgoingCall, protocol.EventCancelCall}, s.events())
	assert.Equal(t, domain.PhaseIdle, phase(m))
}

func TestIncomingTimesOut(t *testing.T) {
	opts := DefaultOptions()
	opts.IncomingTimeout = 20 * time.Millisecond
	m, s, _ := newMachine(opts)
	defer m.Close()
	events, cancel := m.Watch()
	defer cancel()

	m.Handle(context.Background(), incoming(t, bob, domain.CallAudio))
	require.Eventually(t, func() bool { return phase(m) == domain.PhaseIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{protocol.EventDeclineCall}, s.events())

	<-events
	ev := <-events
	assert.Equal(t, domain.EndTimedOut, ev.Reason)
}

func TestOutgoingTimesOut(t *testing.T) {
	opts := DefaultOptions()
	opts.OutgoingTimeout = 20 * time.Millisecond
	m, s, _ := newMachine(opts)
	defer m.Close()

	require.NoError(t, m.Start(context.Background(), domain.CallVideo, bob))
	require.Eventually(t, func() bool { return phase(m) == domain.PhaseIdle }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sent{protocol.EventCancelCall, protocol.CancelCall{CallerID: "alice", RecipientID: "bob"}}, s.last())
}

func TestStaleTimerIgnored(t *testing.T) {
	opts := DefaultOptions()
	opts.IncomingTimeout = 40 * time.Millisecond
	m, s, _ := newMachine(opts)
	defer m.Close()

	m.Handle(context.Background(), incoming(t, bob, domain.CallAudio))
	require.NoError(t, m.Decline())

	opts.IncomingTimeout = time.Minute
	m.SetOptions(opts)
	m.Handle(context.Background(), incoming(t, carol, domain.CallAudio))
	time.Sleep(80 * time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, domain.PhaseIncomingRinging, snap.Phase)
	assert.Equal(t, carol.ID, snap.Session.Peer.ID)
	assert.Equal(t, []string{protocol.EventDeclineCall}, s.events())
}

func TestMismatchedCounterpartyIgnored(t *testing.T) {
	m, s, _ := newMachine(DefaultOptions())
	defer m.Close()
	ctx := context.Background()

	m.Handle(ctx, incoming(t, bob, domain.CallAudio))
	m.Handle(ctx, envelope(t, protocol.EventCancelCall, protocol.CancelCall{CallerID: "carol", RecipientID: "alice"}))
	m.Handle(ctx, envelope(t, protocol.EventEndCall, protocol.EndCall{CallerID: "carol", ReceiverID: "alice"}))
	m.Handle(ctx, envelope(t, protocol.EventCallAccepted, protocol.CallAccepted{CallerID: "alice", ReceiverID: "bob"}))
	m.Handle(ctx, protocol.Envelope{Event: protocol.EventCancelCall, Data: []byte(`{"recipientId":"alice"}`)})

	assert.Equal(t, domain.PhaseIncomingRinging, phase(m))
	assert.Empty(t, s.events())
}

func TestRemoteCancelWhileRinging(t *testing.T) {
	m, s, _ := newMachine(DefaultOptions())
	defer m.Close()

	m.Handle(context.Background(), incoming(t, bob, domain.CallAudio))
	m.Handle(context.Background(), envelope(t, protocol.EventCancelCall, protocol.CancelCall{CallerID: "bob", RecipientID: "alice"}))

	assert.Equal(t, domain.PhaseIdle, phase(m))
	assert.Empty(t, s.events())
}

func TestLocalEndReleasesMedia(t *testing.T) {
	m, s, md := newMachine(DefaultOptions())
	defer m.Close()

	m.Handle(context.Background(), incoming(t, bob, domain.CallVideo))
	require.NoError(t, m.Accept(context.Background()))
	require.NoError(t, m.End())

	assert.Equal(t, sent{protocol.EventEndCall, protocol.EndCall{CallerID: "bob", ReceiverID: "alice"}}, s.last())
	assert.Equal(t, int32(1), md.sessions[0].released.Load())
	assert.Equal(t, domain.PhaseIdle, phase(m))

	require.NoError(t, m.End())
	assert.Equal(t, int32(1), md.sessions[0].released.Load())
}

func TestRemoteEndReleasesMedia(t *testing.T) {
	m, s, md := newMachine(DefaultOptions())
	defer m.Close()

	require.NoError(t, m.Start(context.Background(), domain.CallVideo, bob))
	m.Handle(context.Background(), envelope(t, protocol.EventCallAccepted, protocol.CallAccepted{CallerID: "alice", ReceiverID: "bob"}))
	m.Handle(context.Background(), envelope(t, protocol.EventEndCall, protocol.EndCall{CallerID: "alice", ReceiverID: "bob"}))

	assert.Equal(t, domain.PhaseIdle, phase(m))
	assert.Equal(t, int32(1), md.sessions[0].released.Load())
	assert.Equal(t, []string{protocol.EventOutgoingCall}, s.events())
}

func TestMediaFailureEndsCall(t *testing.T) {
	m, s, md := newMachine(DefaultOptions())
	defer m.Close()
	md.err = errors.New("camera busy")
	events, cancel := m.Watch()
	defer cancel()

	m.Handle(context.Background(), incoming(t, bob, domain.CallVideo))
	err := m.Accept(context.Background())
	require.Error(t, err)

	assert.Equal(t, domain.PhaseIdle, phase(m))
	assert.Equal(t, []string{protocol.EventAcceptCall, protocol.EventEndCall}, s.events())
	<-events
	<-events
	ev := <-events
	assert.Equal(t, domain.EndMediaFailed, ev.Reason)
}

func TestToggles(t *testing.T) {
	m, _, _ := newMachine(DefaultOptions())
	defer m.Close()

	_, err := m.ToggleAudio()
	assert.ErrorIs(t, err, ErrNoActiveCall)

	m.Handle(context.Background(), incoming(t, bob, domain.CallVideo))
	require.NoError(t, m.Accept(context.Background()))

	muted, err := m.ToggleAudio()
	require.NoError(t, err)
	assert.True(t, muted)
	off, err := m.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, off)
	assert.True(t, m.Snapshot().Muted)

	muted, _ = m.ToggleAudio()
	assert.False(t, muted)
}

func TestToggleVideoOnAudioCall(t *testing.T) {
	m, _, _ := newMachine(DefaultOptions())
	defer m.Close()

	m.Handle(context.Background(), incoming(t, bob, domain.CallAudio))
	snap := m.Snapshot()
	assert.True(t, snap.Ringing)
	require.NoError(t, m.Accept(context.Background()))
	assert.False(t, m.Snapshot().Ringing)

	off, err := m.ToggleVideo()
	assert.ErrorIs(t, err, ErrAudioOnly)
	assert.False(t, off)
}

func TestConflictReject(t *testing.T) {
	m, s, _ := newMachine(DefaultOptions())
	defer m.Close()

	m.Handle(context.Background(), incoming(t, bob, domain.CallAudio))
	m.Handle(context.Background(), incoming(t, carol, domain.CallAudio))
	m.Handle(context.Background(), incoming(t, bob, domain.CallAudio))

	snap := m.Snapshot()
	assert.Equal(t, bob.ID, snap.Session.Peer.ID)
	assert.Equal(t, []sent{{protocol.EventDeclineCall, protocol.DeclineCall{CallerID: "carol", ReceiverID: "alice"}}}, s.msgs)
}

func TestConflictQueue(t *testing.T) {
	opts := DefaultOptions()
	opts.Policy = domain.PolicyQueue
	opts.QueueLimit = 1
	m, s, _ := newMachine(opts)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, domain.CallAudio, bob))
	m.Handle(ctx, envelope(t, protocol.EventCallAccepted, protocol.CallAccepted{CallerID: "alice", ReceiverID: "bob"}))
	m.Handle(ctx, incoming(t, carol, domain.CallVideo))
	m.Handle(ctx, incoming(t, domain.User{ID: "dave"}, domain.CallAudio))
	assert.Equal(t, 1, m.Snapshot().Queued)
	assert.Equal(t, protocol.DeclineCall{CallerID: "dave", ReceiverID: "alice"}, s.last().payload)

	require.NoError(t, m.End())
	snap := m.Snapshot()
	require.Equal(t, domain.PhaseIncomingRinging, snap.Phase)
	assert.Equal(t, carol.ID, snap.Session.Peer.ID)
	assert.Equal(t, domain.CallVideo, snap.Session.Kind)
	assert.Equal(t, 0, snap.Queued)
}

func TestQueuedInvitationCancelled(t *testing.T) {
	opts := DefaultOptions()
	opts.Policy = domain.PolicyQueue
	m, _, _ := newMachine(opts)
	defer m.Close()
	ctx := context.Background()

	m.Handle(ctx, incoming(t, bob, domain.CallAudio))
	m.Handle(ctx, incoming(t, carol, domain.CallAudio))
	m.Handle(ctx, envelope(t, protocol.EventCancelCall, protocol.CancelCall{CallerID: "carol", RecipientID: "alice"}))
	assert.Equal(t, 0, m.Snapshot().Queued)

	require.NoError(t, m.Decline())
	assert.Equal(t, domain.PhaseIdle, phase(m))
}

func TestQueuedInvitationExpires(t *testing.T) {
	opts := DefaultOptions()
	opts.Policy = domain.PolicyQueue
	m, s, _ := newMachine(opts)
	defer m.Close()

	var offset atomic.Int64
	base := time.Now()
	m.now = func() time.Time { return base.Add(time.Duration(offset.Load())) }

	ctx := context.Background()
	require.NoError(t, m.Start(ctx, domain.CallAudio, bob))
	m.Handle(ctx, incoming(t, carol, domain.CallAudio))
	offset.Store(int64(31 * time.Second))

	require.NoError(t, m.Cancel())
	assert.Equal(t, domain.PhaseIdle, phase(m))
	assert.Equal(t, sent{protocol.EventDeclineCall, protocol.DeclineCall{CallerID: "carol", ReceiverID: "alice"}}, s.last())
}

func TestConflictReplace(t *testing.T) {
	opts := DefaultOptions()
	opts.Policy = domain.PolicyReplace
	m, s, _ := newMachine(opts)
	defer m.Close()
	events, cancel := m.Watch()
	defer cancel()

	require.NoError(t, m.Start(context.Background(), domain.CallAudio, bob))
	m.Handle(context.Background(), incoming(t, carol, domain.CallAudio))

	assert.Equal(t, sent{protocol.EventCancelCall, protocol.CancelCall{CallerID: "alice", RecipientID: "bob"}}, s.last())
	snap := m.Snapshot()
	assert.Equal(t, domain.PhaseIncomingRinging, snap.Phase)
	assert.Equal(t, carol.ID, snap.Session.Peer.ID)

	<-events
	ev := <-events
	assert.Equal(t, domain.EndReplaced, ev.Reason)
	ev = <-events
	assert.Equal(t, domain.PhaseIncomingRinging, ev.Phase)
}

func TestRunConsumesSubscriber(t *testing.T) {
	m, _, _ := newMachine(DefaultOptions())
	defer m.Close()
	b := broker.New(8)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx, b)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return b.Publish(incoming(t, bob, domain.CallAudio)) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return phase(m) == domain.PhaseIncomingRinging }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestCloseReleasesWithoutSignal(t *testing.T) {
	m, s, md := newMachine(DefaultOptions())
	events, _ := m.Watch()

	m.Handle(context.Background(), incoming(t, bob, domain.CallAudio))
	require.NoError(t, m.Accept(context.Background()))
	m.Close()
	m.Close()

	assert.Equal(t, int32(1), md.sessions[0].released.Load())
	assert.Equal(t, []string{protocol.EventAcceptCall}, s.events())
	assert.ErrorIs(t, m.Start(context.Background(), domain.CallAudio, carol), ErrClosed)

	var last Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, domain.EndShutdown, last.Reason)
}
