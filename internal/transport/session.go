package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pigeonchat/pigeon/internal/bus"
	"github.com/pigeonchat/pigeon/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Publish and Emit when no live
	// connection exists.
	ErrNotConnected = errors.New("not connected")

	// ErrAckTimeout is returned when the server does not acknowledge a
	// published frame within the ack deadline.
	ErrAckTimeout = errors.New("ack timeout")
)

// Handler receives the raw payload of one server-pushed event.
type Handler func(data json.RawMessage)

// Options configures a Session.
type Options struct {
	URL         string
	AckTimeout  time.Duration
	DialTimeout time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	return o
}

// Session owns one live websocket connection to the messaging channel,
// scoped to a single authenticated user. Reconnection after a transient drop
// is automatic with bounded backoff; the handler registry survives
// reconnects, so subscribers never re-register.
type Session struct {
	opts    Options
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	generation int
	userID     int64
	closed     bool
	handlers   map[string]map[int]Handler
	nextToken  int
	pending    map[uint64]chan Frame
	seq        uint64

	writeMu sync.Mutex
}

// NewSession creates a disconnected session.
func NewSession(opts Options, m *status.Machine, b *bus.Bus, logger *zap.Logger) *Session {
	return &Session{
		opts:     opts.withDefaults(),
		machine:  m,
		bus:      b,
		logger:   logger,
		handlers: make(map[string]map[int]Handler),
		pending:  make(map[uint64]chan Frame),
	}
}

// Connect dials the channel, joins the user's room, and resolves once the
// server acknowledges the join. Transient drops after a successful Connect
// are handled internally; callers do not re-invoke Connect for them.
func (s *Session) Connect(ctx context.Context, userID int64) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("connect: session already connected")
	}
	s.closed = false
	s.userID = userID
	s.mu.Unlock()

	_ = s.machine.Transition(status.Connecting)

	conn, err := s.dial(ctx)
	if err != nil {
		_ = s.machine.Transition(status.Disconnected)
		return fmt.Errorf("connect: %w", err)
	}
	s.adopt(conn)

	_ = s.machine.Transition(status.Joining)
	if err := s.join(ctx); err != nil {
		s.dropConn()
		_ = s.machine.Transition(status.Disconnected)
		return fmt.Errorf("join room: %w", err)
	}

	_ = s.machine.Transition(status.Ready)
	s.bus.Publish(bus.New(bus.KindSessionConnected, userID))
	s.logger.Info("transport connected", zap.Int64("user_id", userID))
	return nil
}

// Disconnect tears down the connection and clears all registered
// subscriptions. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.generation++
	s.handlers = make(map[string]map[int]Handler)
	for seq, ch := range s.pending {
		close(ch)
		delete(s.pending, seq)
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	_ = s.machine.Transition(status.Closed)
	s.logger.Info("transport disconnected")
}

// Connected reports whether a live connection exists.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Publish sends an event and awaits the server's acknowledgement frame.
// Returns the ack payload, ErrNotConnected when no connection is live, or
// ErrAckTimeout when the ack deadline passes.
func (s *Session) Publish(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("publish %s: %w", event, ErrNotConnected)
	}
	s.seq++
	seq := s.seq
	ch := make(chan Frame, 1)
	s.pending[seq] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
	}()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("publish %s: marshal: %w", event, err)
	}
	if err := s.writeFrame(conn, Frame{Event: event, Seq: seq, Data: data}); err != nil {
		return nil, fmt.Errorf("publish %s: %w", event, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("publish %s: %w", event, ErrNotConnected)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("publish %s: server rejected: %s", event, resp.Error)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.opts.AckTimeout):
		return nil, fmt.Errorf("publish %s: %w", event, ErrAckTimeout)
	}
}

// Emit sends a fire-and-forget event with no acknowledgement. Used for
// presence hints and read-receipt marks, mirroring the server contract.
func (s *Session) Emit(event string, payload any) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("emit %s: %w", event, ErrNotConnected)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("emit %s: marshal: %w", event, err)
	}
	if err := s.writeFrame(conn, Frame{Event: event, Data: data}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Subscribe registers a handler for a named event class and returns its
// cancel function. Multiple handlers may subscribe to the same event;
// cancelling one never affects the others.
func (s *Session) Subscribe(event string, h Handler) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]Handler)
	}
	token := s.nextToken
	s.nextToken++
	s.handlers[event][token] = h

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if m := s.handlers[event]; m != nil {
			delete(m, token)
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}
	return conn, nil
}

// adopt installs a new connection and starts its read loop.
func (s *Session) adopt(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.generation++
	gen := s.generation
	s.mu.Unlock()
	go s.readLoop(conn, gen)
}

func (s *Session) dropConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.generation++
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// join emits the room-join control frame identifying the current user and
// waits for the server acknowledgement.
func (s *Session) join(ctx context.Context) error {
	s.mu.RLock()
	userID := s.userID
	s.mu.RUnlock()
	_, err := s.Publish(ctx, EventJoinChat, map[string]int64{"userId": userID})
	return err
}

func (s *Session) writeFrame(conn *websocket.Conn, f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.DialTimeout))
	return conn.WriteJSON(f)
}

// readLoop reads frames until the connection fails. Ack frames are routed to
// their pending waiter; event frames are dispatched to subscribers in
// arrival order, on this goroutine, so handlers observe the same ordering
// the transport delivered.
func (s *Session) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(gen, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		if f.Ack != 0 {
			s.mu.RLock()
			ch := s.pending[f.Ack]
			s.mu.RUnlock()
			if ch != nil {
				select {
				case ch <- f:
				default:
				}
			}
			continue
		}
		s.dispatch(f.Event, f.Data)
	}
}

func (s *Session) dispatch(event string, data json.RawMessage) {
	s.mu.RLock()
	hs := make([]Handler, 0, len(s.handlers[event]))
	for _, h := range s.handlers[event] {
		hs = append(hs, h)
	}
	s.mu.RUnlock()
	for _, h := range hs {
		h(data)
	}
}

func (s *Session) handleReadError(gen int, err error) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	s.logger.Warn("transport connection lost", zap.Error(err))
	_ = s.machine.Transition(status.Reconnecting)
	s.bus.Publish(bus.New(bus.KindSessionDisconnected, nil))
	go s.reconnectLoop()
}

// reconnectLoop re-dials with exponential backoff and re-joins the user's
// room. Gives up after MaxRetries attempts, leaving the session Disconnected.
func (s *Session) reconnectLoop() {
	backoff := s.opts.BaseBackoff
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		time.Sleep(backoff)
		backoff *= 2

		s.mu.RLock()
		closed := s.closed
		userID := s.userID
		s.mu.RUnlock()
		if closed {
			return
		}

		ctx, cancelDial := context.WithTimeout(context.Background(), s.opts.DialTimeout)
		conn, err := s.dial(ctx)
		cancelDial()
		if err != nil {
			s.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		s.adopt(conn)
		_ = s.machine.Transition(status.Joining)

		joinCtx, cancelJoin := context.WithTimeout(context.Background(), s.opts.AckTimeout)
		err = s.join(joinCtx)
		cancelJoin()
		if err != nil {
			s.logger.Warn("room re-join failed",
				zap.Int("attempt", attempt), zap.Error(err))
			s.dropConn()
			_ = s.machine.Transition(status.Reconnecting)
			continue
		}

		_ = s.machine.Transition(status.Ready)
		s.bus.Publish(bus.New(bus.KindSessionConnected, userID))
		s.logger.Info("transport reconnected", zap.Int("attempts", attempt))
		return
	}

	s.logger.Error("reconnect retries exhausted", zap.Int("max_retries", s.opts.MaxRetries))
	_ = s.machine.Transition(status.Disconnected)
	s.bus.Publish(bus.New(bus.KindSessionDisconnected, nil))
}
