// Package conn owns the single shared signaling socket of one client context.
//
// Initialize tears down any previous connection before dialing, so a context
// never holds two sockets. Unexpected closure is retried with backoff using
// the same identity until Close or the next Initialize.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/adapters/ws"
	"github.com/dkeye/Telecall/internal/app/broker"
	"github.com/dkeye/Telecall/internal/domain"
	"github.com/dkeye/Telecall/internal/protocol"
)

// flushWait bounds how long teardown lets a closing socket drain its queue.
const flushWait = 2 * time.Second

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection manager closed")
)

type Options struct {
	SocketURL  string
	Backoff    Backoff
	PingPeriod time.Duration
	SendBuffer int
}

// Stats is a point-in-time view for diagnostics.
type Stats struct {
	State     State        `json:"state"`
	Malformed int64        `json:"malformed"`
	Inbound   broker.Stats `json:"inbound"`
}

type Manager struct {
	opts   Options
	dialer ws.Dialer
	broker *broker.Broker

	// lifecycle serializes Initialize and Close.
	lifecycle sync.Mutex

	mu       sync.Mutex
	gen      uint64
	cancel   context.CancelFunc
	done     chan struct{}
	conn     *ws.Connection
	identity domain.Identity
	state    State
	closed   bool
	watchers map[chan State]struct{}

	malformed atomic.Int64
}

func New(opts Options, dialer ws.Dialer, b *broker.Broker) *Manager {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	return &Manager{
		opts:     opts,
		dialer:   dialer,
		broker:   b,
		watchers: make(map[chan State]struct{}),
	}
}

// Initialize binds the manager to id and opens the socket.
// A missing token or user id is terminal and never dialed. A transport
// failure on the first dial is returned while retries continue in the
// background; a rejected handshake stops them.
func (m *Manager) Initialize(ctx context.Context, id domain.Identity) error {
	if err := id.Validate(); err != nil {
		log.Warn().Err(err).Str("module", "conn").Msg("initialize without identity")
		return err
	}
	u, err := ws.SocketURL(m.opts.SocketURL, id.Token)
	if err != nil {
		return fmt.Errorf("socket url: %w", err)
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	m.teardown()

	lctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.done = done
	m.identity = id
	m.mu.Unlock()

	log.Info().Str("module", "conn").Str("user", string(id.ID)).Msg("initialize")
	m.setState(gen, StateConnecting)

	c, err := m.dial(ctx, gen, u)
	if err != nil && errors.Is(err, ws.ErrUnauthorized) {
		m.setState(gen, StateClosed)
		close(done)
		return err
	}
	go m.loop(lctx, gen, u, c, done)
	return err
}

// teardown closes the current connection, letting it flush what is queued,
// and waits for its loop to exit.
func (m *Manager) teardown() {
	m.mu.Lock()
	gen, cancel, done, c := m.gen, m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	m.setState(gen, StateClosing)
	if c != nil {
		c.Close()
		t := time.NewTimer(flushWait)
		select {
		case <-done:
		case <-t.C:
			log.Warn().Str("module", "conn").Msg("socket did not flush in time")
		}
		t.Stop()
	}
	cancel()
	<-done
	m.setState(gen, StateClosed)
}

func (m *Manager) dial(ctx context.Context, gen uint64, u string) (*ws.Connection, error) {
	raw, _, err := m.dialer.DialContext(ctx, u, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "conn").Msg("dial failed")
		return nil, err
	}
	c := ws.NewConnection(raw, m.opts.SendBuffer)

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		c.Close()
		return nil, ErrClosed
	}
	m.conn = c
	m.mu.Unlock()

	m.setState(gen, StateOpen)
	log.Info().Str("module", "conn").Msg("socket open")
	return c, nil
}

func (m *Manager) loop(ctx context.Context, gen uint64, u string, c *ws.Connection, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		if c != nil {
			attempt = 0
			err := c.Run(ctx, m.onFrame, m.opts.PingPeriod)
			m.dropConn(c)
			if err == nil || ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("module", "conn").Msg("socket closed unexpectedly")
		}

		m.setState(gen, StateConnecting)
		delay := m.opts.Backoff.Delay(attempt)
		attempt++
		log.Info().Str("module", "conn").Dur("delay", delay).Int("attempt", attempt).Msg("reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		var err error
		c, err = m.dial(ctx, gen, u)
		if err != nil {
			if errors.Is(err, ws.ErrUnauthorized) || errors.Is(err, ErrClosed) {
				m.setState(gen, StateClosed)
				return
			}
			c = nil
		}
	}
}

func (m *Manager) dropConn(c *ws.Connection) {
	m.mu.Lock()
	if m.conn == c {
		m.conn = nil
	}
	m.mu.Unlock()
}

func (m *Manager) onFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.malformed.Add(1)
		log.Warn().Err(err).Str("module", "conn").Int("bytes", len(data)).Msg("dropping malformed envelope")
		return
	}
	m.broker.Publish(env)
}

// Send encodes one envelope onto the live socket.
// Without an OPEN socket it logs and returns ErrNotConnected.
func (m *Manager) Send(event string, payload any) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		log.Warn().Str("module", "conn").Str("event", event).Msg("send without open socket")
		return ErrNotConnected
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	if err := c.TrySend(frame); err != nil {
		if errors.Is(err, ws.ErrClosed) {
			log.Warn().Str("module", "conn").Str("event", event).Msg("send on closing socket")
			return ErrNotConnected
		}
		return fmt.Errorf("send %s: %w", event, err)
	}
	log.Debug().Str("module", "conn").Str("event", event).Msg("sent")
	return nil
}

// Subscribe streams inbound envelopes with the given tags across reconnects.
func (m *Manager) Subscribe(tags ...string) (<-chan protocol.Envelope, func()) {
	return m.broker.Subscribe(tags...)
}

// Watch streams state changes. Slow watchers miss intermediate states.
func (m *Manager) Watch() (<-chan State, func()) {
	ch := make(chan State, 8)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		if _, ok := m.watchers[ch]; ok {
			delete(m.watchers, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) setState(gen uint64, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state == s {
		return
	}
	m.state = s
	log.Debug().Str("module", "conn").Stringer("state", s).Msg("state change")
	for ch := range m.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Identity() domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

func (m *Manager) Stats() Stats {
	return Stats{
		State:     m.State(),
		Malformed: m.malformed.Load(),
		Inbound:   m.broker.Stats(),
	}
}

// Disconnect drops the socket and forgets the identity. Initialize may follow.
func (m *Manager) Disconnect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.teardown()
	m.mu.Lock()
	m.identity = domain.Identity{}
	m.mu.Unlock()
	log.Info().Str("module", "conn").Msg("disconnected")
}

// Close releases the socket and stops reconnecting. Idempotent.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.teardown()
	log.Info().Str("module", "conn").Msg("closed")
}
