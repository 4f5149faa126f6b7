package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/observ"
	"github.com/lalith-99/relaychat/internal/protocol"
	"go.uber.org/zap"
)

// State is a connection's lifecycle position. It only moves forward.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Conn is one websocket connection. It implements session.Conn.
//
// The reader goroutine (serve) owns all reads and runs the dispatcher for
// each inbound frame. The writer goroutine owns all writes once the
// connection is active; everything else talks to it through the send
// queue and the done channel.
type Conn struct {
	id     string
	m      *Manager
	ws     *websocket.Conn
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send       chan protocol.Frame
	done       chan struct{} // closed to stop the writer
	writerDone chan struct{}

	mu            sync.Mutex
	userID        uuid.UUID
	state         State
	writerStarted bool
	closeCode     int
	closeText     string
	malformed     []time.Time
	connectedAt   time.Time
}

func newConn(m *Manager, wsConn *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(m.ctx)
	id := uuid.NewString()
	return &Conn{
		id:          id,
		m:           m,
		ws:          wsConn,
		logger:      m.logger.With(zap.String("connection_id", id)),
		ctx:         ctx,
		cancel:      cancel,
		send:        make(chan protocol.Frame, m.cfg.SendBuffer),
		done:        make(chan struct{}),
		writerDone:  make(chan struct{}),
		state:       StateConnecting,
		connectedAt: time.Now(),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send queues f for the writer. It never blocks: a full queue means the
// client is not keeping up, and the connection is closed.
func (c *Conn) Send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return fmt.Errorf("%w: connection is %s", apperr.ErrTransport, c.state)
	}
	select {
	case c.send <- f:
		return nil
	default:
		observ.IncWSEvent("slow_consumer")
		c.logger.Warn("send queue full, closing slow consumer", zap.Int("capacity", cap(c.send)))
		c.beginCloseLocked(websocket.CloseTryAgainLater, "slow consumer", StateClosing)
		return fmt.Errorf("%w: send queue full", apperr.ErrTransport)
	}
}

// Close starts a server-initiated close. The reader notices, unregisters
// the connection and exits.
func (c *Conn) Close() error {
	c.beginClose(websocket.CloseGoingAway, "server closing connection", StateClosing)
	return nil
}

func (c *Conn) beginClose(code int, text string, next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginCloseLocked(code, text, next)
}

// beginCloseLocked moves the connection to next (closing, or closed for an
// abrupt failure) and stops the writer, which sends the close frame. Only
// the first call has any effect. Must hold c.mu.
func (c *Conn) beginCloseLocked(code int, text string, next State) {
	if c.state >= StateClosing {
		return
	}
	c.state = next
	c.closeCode = code
	c.closeText = text
	close(c.done)
}

func (c *Conn) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.m.cfg.WriteTimeout))
}

// writeNow writes a frame to the socket. Only the writer calls it once it
// has started; before that, only the reader.
func (c *Conn) writeNow(f protocol.Frame) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.m.cfg.WriteTimeout))
	return c.ws.WriteJSON(f)
}

func (c *Conn) heartbeatDeadline() time.Time {
	return time.Now().Add(2 * c.m.cfg.HeartbeatInterval)
}

// serve runs the connection from handshake to teardown on the calling
// goroutine.
func (c *Conn) serve(userID uuid.UUID) {
	defer c.cancel()
	stop := context.AfterFunc(c.ctx, func() {
		c.beginClose(websocket.CloseGoingAway, "server shutting down", StateClosing)
		c.mu.Lock()
		started := c.writerStarted
		c.mu.Unlock()
		if !started {
			// Wake a reader still waiting for the auth frame.
			_ = c.ws.SetReadDeadline(time.Now())
		}
	})
	defer stop()

	c.ws.SetReadLimit(c.m.cfg.MaxFrameBytes)

	if userID == uuid.Nil {
		id, ok := c.handshake()
		if !ok {
			c.finish("handshake failed")
			return
		}
		userID = id
	}

	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		c.finish("closed during handshake")
		return
	}
	c.userID = userID
	c.state = StateAuthenticated
	c.writerStarted = true
	c.mu.Unlock()
	c.logger = c.logger.With(zap.String("user_id", userID.String()))

	go c.writePump()

	c.mu.Lock()
	if c.state == StateAuthenticated {
		c.state = StateActive
	}
	c.mu.Unlock()

	_ = c.Send(protocol.MustNew(protocol.TypeConnected, protocol.ConnectedPayload{
		UserID:              userID,
		ConnectionID:        c.id,
		HeartbeatIntervalMS: c.m.cfg.HeartbeatInterval.Milliseconds(),
	}))
	c.m.registry.Register(c)
	observ.IncWSEvent("connect")
	c.logger.Info("websocket connected")

	_ = c.ws.SetReadDeadline(c.heartbeatDeadline())
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(c.heartbeatDeadline())
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(c.readFailed(err))
			return
		}
		_ = c.ws.SetReadDeadline(c.heartbeatDeadline())

		f, err := protocol.Decode(data)
		if err != nil {
			c.reject(protocol.Frame{}, apperr.Invalid("%v", err))
			continue
		}
		c.m.route(c.ctx, c, f)
	}
}

// handshake waits for the first frame, which must be auth with a valid
// token.
func (c *Conn) handshake() (uuid.UUID, bool) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.m.cfg.HandshakeTimeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			observ.IncWSEvent("handshake_timeout")
			c.beginClose(websocket.ClosePolicyViolation, "handshake timeout", StateClosing)
		} else {
			c.beginClose(websocket.CloseNormalClosure, "", StateClosed)
		}
		return uuid.Nil, false
	}

	f, err := protocol.Decode(data)
	if err == nil && f.Type != protocol.TypeAuth {
		err = fmt.Errorf("first frame must be %s", protocol.TypeAuth)
	}
	var p protocol.AuthPayload
	if err == nil {
		err = protocol.DecodePayload(f, &p)
	}
	if err != nil {
		c.failHandshake(f, apperr.Invalid("%v", err))
		return uuid.Nil, false
	}

	userID, err := c.m.validator.ValidateToken(c.ctx, p.Token)
	if err != nil {
		c.failHandshake(f, err)
		return uuid.Nil, false
	}
	return userID, true
}

func (c *Conn) failHandshake(f protocol.Frame, err error) {
	observ.IncWSEvent("handshake_failed")
	_ = c.writeNow(errorFrame(f, err))
	c.beginClose(websocket.ClosePolicyViolation, apperr.Code(err), StateClosing)
}

// readFailed classifies a read error and starts the matching close. It
// returns the reason for the log line.
func (c *Conn) readFailed(err error) string {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure:
		c.beginClose(websocket.CloseNormalClosure, "", StateClosing)
		return fmt.Sprintf("peer closed (%d)", ce.Code)
	case isTimeout(err):
		observ.IncWSEvent("heartbeat_timeout")
		c.beginClose(websocket.CloseGoingAway, "heartbeat timeout", StateClosing)
		return "heartbeat timeout"
	case errors.Is(err, websocket.ErrReadLimit):
		c.beginClose(websocket.CloseMessageTooBig, "frame too large", StateClosing)
		return "frame too large"
	default:
		// Abrupt transport failure, including an EOF without a close
		// frame (1006): no close handshake is possible.
		c.beginClose(websocket.CloseAbnormalClosure, "", StateClosed)
		c.mu.Lock()
		reason := "transport error"
		if c.closeText != "" {
			reason = c.closeText
		}
		c.mu.Unlock()
		return reason
	}
}

// finish waits for the writer, marks the connection closed and removes it
// from the registry. Unregister is a no-op for a connection that never
// registered.
func (c *Conn) finish(reason string) {
	c.mu.Lock()
	started, state, code, text := c.writerStarted, c.state, c.closeCode, c.closeText
	c.mu.Unlock()
	if started {
		<-c.writerDone
	} else if state == StateClosing {
		c.writeClose(code, text)
	}
	_ = c.ws.Close()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.m.registry.Unregister(c.id)
	if started {
		observ.IncWSEvent("disconnect")
	}
	c.logger.Info("websocket closed",
		zap.String("reason", reason),
		zap.Duration("duration", time.Since(c.connectedAt)),
	)
}

// writePump drains the send queue, pings every heartbeat interval and,
// when told to stop, flushes what is queued and sends the close frame.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.m.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case f := <-c.send:
			if err := c.writeNow(f); err != nil {
				c.beginClose(websocket.CloseAbnormalClosure, "write failed", StateClosed)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.m.cfg.WriteTimeout)); err != nil {
				c.beginClose(websocket.CloseAbnormalClosure, "ping failed", StateClosed)
				return
			}
		case <-c.done:
			c.mu.Lock()
			state, code, text := c.state, c.closeCode, c.closeText
			c.mu.Unlock()
			if state == StateClosed {
				return
			}
			c.flush()
			c.writeClose(code, text)
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *Conn) flush() {
	for {
		select {
		case f := <-c.send:
			if err := c.writeNow(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

// reject answers a frame that could not be processed. Invalid frames count
// toward the malformed limit; too many within the window close the
// connection.
func (c *Conn) reject(f protocol.Frame, err error) {
	if apperr.IsInternal(err) {
		c.logger.Error("frame failed", zap.String("type", string(f.Type)), zap.Error(err))
	}
	_ = c.Send(errorFrame(f, err))

	if !errors.Is(err, apperr.ErrInvalidArgument) {
		return
	}
	observ.IncWSEvent("malformed")

	now := time.Now()
	cutoff := now.Add(-c.m.cfg.MalformedWindow)
	c.mu.Lock()
	kept := c.malformed[:0]
	for _, t := range c.malformed {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.malformed = append(kept, now)
	over := len(c.malformed) > c.m.cfg.MalformedLimit
	if over {
		c.beginCloseLocked(websocket.ClosePolicyViolation, "too many malformed frames", StateClosing)
	}
	c.mu.Unlock()

	if over {
		c.logger.Warn("closing connection after repeated malformed frames", zap.Int("limit", c.m.cfg.MalformedLimit))
	}
}

func errorFrame(f protocol.Frame, err error) protocol.Frame {
	msg := err.Error()
	if apperr.IsInternal(err) {
		msg = "internal error"
	}
	p := protocol.ErrorPayload{
		Code:        apperr.Code(err),
		Message:     msg,
		RequestType: f.Type,
	}
	if d := apperr.RetryAfter(err); d > 0 {
		p.RetryAfterMS = d.Milliseconds()
	}
	out := protocol.MustNew(protocol.TypeError, p).WithClientMessageID(f.ClientMessageID)
	if f.ChatID != nil {
		out.ChatID = f.ChatID
	}
	if f.MessageID != nil {
		out.MessageID = f.MessageID
	}
	return out
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
