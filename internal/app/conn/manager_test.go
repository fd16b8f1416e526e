package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Telecall/internal/adapters/ws"
	"github.com/dkeye/Telecall/internal/app/broker"
	"github.com/dkeye/Telecall/internal/domain"
	"github.com/dkeye/Telecall/internal/protocol"
)

var (
	alice = domain.Identity{User: domain.User{ID: "alice", Name: "Alice"}, Token: "tok-a"}
	bob   = domain.Identity{User: domain.User{ID: "bob", Name: "Bob"}, Token: "tok-b"}

	errDropped = errors.New("dropped by peer")
	errShut    = errors.New("use of closed connection")
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeConn struct {
	id     int
	log    *eventLog
	in     chan []byte
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-c.in:
		if !ok {
			return 0, nil, errDropped
		}
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errShut
	}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.closed:
		return errShut
	default:
	}
	if mt == websocket.TextMessage {
		c.out <- data
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		c.log.add(fmt.Sprintf("close %d", c.id))
		close(c.closed)
	})
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	log      eventLog
	conns    []*fakeConn
	urls     []string
	attempts int
	failures int
	failErr  error
	dialed   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) DialContext(_ context.Context, u string, _ http.Header) (ws.WSConn, *http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	d.urls = append(d.urls, u)
	if d.failErr != nil && (d.failures < 0 || d.attempts <= d.failures) {
		return nil, nil, d.failErr
	}
	c := &fakeConn{
		id:     len(d.conns) + 1,
		log:    &d.log,
		in:     make(chan []byte, 8),
		out:    make(chan []byte, 8),
		closed: make(chan struct{}),
	}
	d.log.add(fmt.Sprintf("dial %d", c.id))
	d.conns = append(d.conns, c)
	d.dialed <- c
	return c, nil, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func newManager(d ws.Dialer) *Manager {
	return New(Options{
		SocketURL: "ws://relay.test/ws",
		Backoff:   Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}, d, broker.New(8))
}

func TestInitializeRequiresIdentity(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d)
	defer m.Close()

	err := m.Initialize(context.Background(), domain.Identity{User: domain.User{ID: "alice"}})
	require.ErrorIs(t, err, domain.ErrNoIdentity)
	assert.Equal(t, 0, d.attemptCount())
	assert.Equal(t, StateClosed, m.State())
}

func TestInitializeTwiceClosesFirst(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d)

	require.NoError(t, m.Initialize(context.Background(), alice))
	require.NoError(t, m.Initialize(context.Background(), bob))

	assert.Equal(t, []string{"dial 1", "close 1", "dial 2"}, d.log.snapshot())
	assert.Contains(t, d.urls[0], "token=tok-a")
	assert.Contains(t, d.urls[1], "token=tok-b")
	assert.Equal(t, bob.ID, m.Identity().ID)
	assert.Equal(t, StateOpen, m.State())

	m.Close()
	assert.Equal(t, []string{"dial 1", "close 1", "dial 2", "close 2"}, d.log.snapshot())
}

func TestReconnectAfterDrop(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d)
	defer m.Close()

	require.NoError(t, m.Initialize(context.Background(), alice))
	first := d.next(t)
	close(first.in)

	second := d.next(t)
	assert.Equal(t, 2, second.id)
	assert.Equal(t, d.urls[0], d.urls[1])
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)
}

func TestUnauthorizedIsTerminal(t *testing.T) {
	d := newFakeDialer()
	d.failErr = errors.Join(ws.ErrUnauthorized, errors.New("bad handshake"))
	d.failures = -1
	m := newManager(d)
	defer m.Close()

	err := m.Initialize(context.Background(), alice)
	require.ErrorIs(t, err, ws.ErrUnauthorized)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.attemptCount())
	assert.Equal(t, StateClosed, m.State())
}

func TestTransportFailureKeepsRetrying(t *testing.T) {
	d := newFakeDialer()
	d.failErr = errors.New("connection refused")
	d.failures = 2
	m := newManager(d)
	defer m.Close()

	err := m.Initialize(context.Background(), alice)
	require.Error(t, err)

	d.next(t)
	assert.Equal(t, 3, d.attemptCount())
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)
}

func TestSendWithoutConnection(t *testing.T) {
	m := newManager(newFakeDialer())
	defer m.Close()
	assert.ErrorIs(t, m.Send(protocol.EventEndCall, protocol.EndCall{CallerID: "a", ReceiverID: "b"}), ErrNotConnected)
}

func TestSendAndReceive(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d)
	defer m.Close()

	calls, cancel := m.Subscribe(protocol.CallEvents...)
	defer cancel()

	require.NoError(t, m.Initialize(context.Background(), alice))
	c := d.next(t)

	require.NoError(t, m.Send(protocol.EventOutgoingCall, protocol.OutgoingCall{
		CallType: domain.CallVideo, CallerID: "alice", RecipientID: "bob",
	}))
	select {
	case frame := <-c.out:
		assert.JSONEq(t, `{"event":"outgoing_call","data":{"callType":"video","callerId":"alice","recipientId":"bob"}}`, string(frame))
	case <-time.After(time.Second):
		t.Fatal("frame not written")
	}

	c.in <- []byte("not json")
	c.in <- []byte(`{"event":"incoming_call","data":{"callType":"audio","callerId":"bob","callerName":"Bob"}}`)
	select {
	case env := <-calls:
		assert.Equal(t, protocol.EventIncomingCall, env.Event)
	case <-time.After(time.Second):
		t.Fatal("envelope not routed")
	}
	assert.Equal(t, int64(1), m.Stats().Malformed)
}

func TestCloseIsIdempotent(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d)
	require.NoError(t, m.Initialize(context.Background(), alice))

	m.Close()
	m.Close()
	assert.Equal(t, StateClosed, m.State())
	assert.ErrorIs(t, m.Send(protocol.EventEndCall, nil), ErrNotConnected)
	assert.ErrorIs(t, m.Initialize(context.Background(), alice), ErrClosed)
}

func TestDisconnectAllowsNewIdentity(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d)
	defer m.Close()

	require.NoError(t, m.Initialize(context.Background(), alice))
	m.Disconnect()
	assert.Equal(t, StateClosed, m.State())
	assert.Empty(t, m.Identity().ID)

	require.NoError(t, m.Initialize(context.Background(), bob))
	assert.Equal(t, StateOpen, m.State())
}

func TestDisconnectFlushesQueuedFrames(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d)
	defer m.Close()

	require.NoError(t, m.Initialize(context.Background(), alice))
	c := d.next(t)
	require.NoError(t, m.Send(protocol.EventOutgoingCall, protocol.OutgoingCall{
		CallType: domain.CallAudio, CallerID: "alice", RecipientID: "bob",
	}))
	<-c.out

	require.NoError(t, m.Send(protocol.EventEndCall, protocol.EndCall{CallerID: "alice", ReceiverID: "bob"}))
	m.Disconnect()

	select {
	case frame := <-c.out:
		assert.JSONEq(t, `{"event":"end_call","data":{"callerId":"alice","receiverId":"bob"}}`, string(frame))
	default:
		t.Fatal("queued frame dropped on disconnect")
	}
	assert.Equal(t, []string{"dial 1", "close 1"}, d.log.snapshot())
}

func TestWatchReportsOpen(t *testing.T) {
	d := newFakeDialer()
	m := newManager(d)
	defer m.Close()

	states, cancel := m.Watch()
	defer cancel()
	require.NoError(t, m.Initialize(context.Background(), alice))

	var seen []State
	for len(seen) < 2 {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-time.After(time.Second):
			t.Fatalf("states so far: %v", seen)
		}
	}
	assert.Equal(t, []State{StateConnecting, StateOpen}, seen)
}

func TestMessagesArriveInOrder(t *testing.T) {
	upgrader := websocket.Upgrader{}
	got := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			got <- string(data)
		}
	}))
	defer srv.Close()

	m := New(Options{SocketURL: "ws" + strings.TrimPrefix(srv.URL, "http")}, ws.NewDialer(time.Second), broker.New(8))
	defer m.Close()
	require.NoError(t, m.Initialize(context.Background(), alice))

	room := domain.PairRoomID("alice", "bob")
	require.NoError(t, m.Send(protocol.EventTherapyMessage, protocol.Quoted{V: protocol.TherapyMessage{RoomID: room, Message: "M1"}}))
	require.NoError(t, m.Send(protocol.EventTherapyMessage, protocol.Quoted{V: protocol.TherapyMessage{RoomID: room, Message: "M2"}}))

	for _, want := range []string{"M1", "M2"} {
		select {
		case frame := <-got:
			env, err := protocol.Decode([]byte(frame))
			require.NoError(t, err)
			var msg protocol.TherapyMessage
			require.NoError(t, env.Bind(&msg))
			assert.Equal(t, want, msg.Message)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s", want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		b       Backoff
		attempt int
		want    time.Duration
	}{
		{"first", DefaultBackoff(), 0, time.Second},
		{"doubles", DefaultBackoff(), 3, 8 * time.Second},
		{"capped", DefaultBackoff(), 10, 30 * time.Second},
		{"fixed", Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 1}, 7, time.Second},
		{"zero value", Backoff{}, 2, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.b.Delay(tt.attempt))
		})
	}
}
