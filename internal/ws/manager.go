// Package ws runs the websocket side of the server: the handshake, one
// reader and one writer goroutine per connection, heartbeats and
// shutdown.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lalith-99/relaychat/internal/dispatch"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/observ"
	"github.com/lalith-99/relaychat/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TokenValidator is the auth collaborator. *auth.Validator implements it.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

type Config struct {
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	MaxFrameBytes     int64
	SendBuffer        int
	MalformedLimit    int
	MalformedWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MalformedLimit <= 0 {
		c.MalformedLimit = 5
	}
	if c.MalformedWindow <= 0 {
		c.MalformedWindow = time.Minute
	}
	return c
}

// Manager upgrades HTTP requests to websocket connections and owns their
// lifecycle.
type Manager struct {
	cfg        Config
	validator  TokenValidator
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
	tracer     trace.Tracer
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
}

func NewManager(cfg Config, validator TokenValidator, registry *session.Registry, dispatcher *dispatch.Dispatcher, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg.withDefaults(),
		validator:  validator,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		tracer:     otel.Tracer("github.com/lalith-99/relaychat/internal/ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handle is the gin handler for GET /v1/ws.
//
// A token on the request (Authorization header or ?token=) is checked
// before the upgrade and rejected with 401. Without one the connection is
// upgraded and must send an auth frame within HandshakeTimeout.
func (m *Manager) Handle(c *gin.Context) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}
	m.conns.Add(1)
	m.mu.Unlock()

	started := false
	defer func() {
		if !started {
			m.conns.Done()
		}
	}()

	ctx, span := m.tracer.Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	userID := uuid.Nil
	if token := middleware.RequestToken(c); token != "" {
		id, err := m.validator.ValidateToken(ctx, token)
		if err != nil {
			observ.IncWSEvent("handshake_failed")
			span.RecordError(err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID = id
		span.SetAttributes(attribute.String("user.id", userID.String()))
	}

	wsConn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		m.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(m, wsConn)
	started = true
	go func() {
		defer m.conns.Done()
		conn.serve(userID)
	}()
}

// Shutdown stops accepting connections, closes every registered
// connection and waits for their goroutines to exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	conns := m.registry.Drain()
	m.logger.Info("closing websocket connections", zap.Int("count", len(conns)))
	for _, c := range conns {
		_ = c.Close()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("websocket connections still open"), ctx.Err())
	}
}
