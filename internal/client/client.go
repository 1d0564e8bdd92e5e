// Package client implements the streaming TCP client that talks to one satellite.
//
// The client frames events on the wire and runs three optional hooks around them:
// BeforeSend and AfterSend wrap every WriteEvent, OnReceive runs for every event read.
// It does not serialise concurrent writers; the orchestrator owns that.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"vaca/internal/wyoming"

	"go.uber.org/zap"
)

var (
	// ErrConnection is returned when the satellite cannot be reached.
	ErrConnection = errors.New("connection failed")

	// ErrNotConnected is returned by ReadEvent when there is no connection to read from.
	ErrNotConnected = errors.New("not connected")
)

// State is the lifecycle state of the connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Hook observes an event around a write or after a read. A hook may call WriteEvent
// on the same client.
type Hook func(ctx context.Context, ev wyoming.Event) error

// Hooks groups the optional callbacks. A nil hook is a no-op.
type Hooks struct {
	BeforeSend Hook
	AfterSend  Hook
	OnReceive  Hook
}

// AfterHookPolicy decides whether AfterSend runs when BeforeSend failed.
type AfterHookPolicy int

const (
	// SkipAfterHookOnError runs AfterSend only when BeforeSend succeeded.
	SkipAfterHookOnError AfterHookPolicy = iota
	// AlwaysRunAfterHook runs AfterSend even when BeforeSend failed.
	AlwaysRunAfterHook
)

// ParseAfterHookPolicy maps the config spelling to a policy.
func ParseAfterHookPolicy(s string) (AfterHookPolicy, error) {
	switch s {
	case "", "skip_on_error":
		return SkipAfterHookOnError, nil
	case "always":
		return AlwaysRunAfterHook, nil
	default:
		return SkipAfterHookOnError, fmt.Errorf("unknown after-hook policy %q", s)
	}
}

// Options configures a Client.
type Options struct {
	Hooks           Hooks
	AfterHookPolicy AfterHookPolicy
	DialTimeout     time.Duration
}

// Client is a Wyoming event stream over TCP.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu     sync.RWMutex
	state  State
	conn   net.Conn
	reader *bufio.Reader
}

// New creates a disconnected client.
func New(opts Options, logger *zap.Logger) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Client{
		opts:   opts,
		logger: logger.Named("client"),
	}
}

// Connect opens a connection to host:port, replacing any existing one.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.reader = nil
	c.state = Connecting
	c.mu.Unlock()

	if old != nil {
		c.logger.Debug("Replacing existing connection", zap.String("remote", old.RemoteAddr().String()))
		old.Close()
	}

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.state = Connected
	c.mu.Unlock()

	c.logger.Info("Connected to satellite", zap.String("addr", addr))
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CanWrite reports whether a connection exists and is not closing.
func (c *Client) CanWrite() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == Connected && c.conn != nil
}

// RemoteAddr returns the peer address, or "" when disconnected.
func (c *Client) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// MarkClosing stops further writes without closing the socket yet.
func (c *Client) MarkClosing() {
	c.mu.Lock()
	if c.state == Connected {
		c.state = Closing
	}
	c.mu.Unlock()
}

// Disconnect closes the connection. It is safe to call when already disconnected.
func (c *Client) Disconnect() error {
	c.MarkClosing()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.reader = nil
	c.state = Disconnected
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.logger.Info("Disconnecting from satellite", zap.String("remote", conn.RemoteAddr().String()))
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// WriteEvent runs BeforeSend, transmits the event if the connection is writable, then
// runs AfterSend. An event that cannot be transmitted because the connection is not
// writable is dropped without error; AfterSend still runs.
func (c *Client) WriteEvent(ctx context.Context, ev wyoming.Event) error {
	if err := c.runHook(ctx, c.opts.Hooks.BeforeSend, ev); err != nil {
		err = fmt.Errorf("before-send hook for %s: %w", ev.Type, err)
		if c.opts.AfterHookPolicy == AlwaysRunAfterHook {
			if afterErr := c.runHook(ctx, c.opts.Hooks.AfterSend, ev); afterErr != nil {
				return errors.Join(err, fmt.Errorf("after-send hook for %s: %w", ev.Type, afterErr))
			}
		}
		return err
	}

	if err := c.transmit(ev); err != nil {
		return err
	}

	if err := c.runHook(ctx, c.opts.Hooks.AfterSend, ev); err != nil {
		return fmt.Errorf("after-send hook for %s: %w", ev.Type, err)
	}
	return nil
}

func (c *Client) transmit(ev wyoming.Event) error {
	c.mu.RLock()
	conn := c.conn
	writable := c.state == Connected && conn != nil
	c.mu.RUnlock()

	if !writable {
		c.logger.Debug("Connection not writable, dropping event", zap.String("type", ev.Type))
		return nil
	}

	if err := wyoming.WriteEvent(conn, ev); err != nil {
		if errors.Is(err, wyoming.ErrMalformedEvent) {
			return err
		}
		c.logger.Warn("Write failed, closing connection", zap.String("type", ev.Type), zap.Error(err))
		c.dropConn(conn)
		return fmt.Errorf("%w: write %s: %v", wyoming.ErrConnectionClosed, ev.Type, err)
	}
	return nil
}

// ReadEvent blocks until one event arrives, runs OnReceive with it and returns it.
// A malformed frame is returned as an error without running the hook.
func (c *Client) ReadEvent(ctx context.Context) (wyoming.Event, error) {
	c.mu.RLock()
	conn := c.conn
	reader := c.reader
	c.mu.RUnlock()

	if conn == nil {
		return wyoming.Event{}, ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	ev, err := wyoming.ReadEvent(reader)
	if !stop() {
		// The deadline may already be set; clear it for the next read.
		conn.SetReadDeadline(time.Time{})
	}

	if err != nil {
		if ctx.Err() != nil {
			return wyoming.Event{}, ctx.Err()
		}
		if errors.Is(err, wyoming.ErrFrameTooLarge) {
			c.dropConn(conn)
			return wyoming.Event{}, fmt.Errorf("%w: %w", wyoming.ErrConnectionClosed, err)
		}
		if errors.Is(err, wyoming.ErrMalformedEvent) {
			return wyoming.Event{}, err
		}
		c.dropConn(conn)
		if errors.Is(err, wyoming.ErrConnectionClosed) {
			return wyoming.Event{}, err
		}
		return wyoming.Event{}, fmt.Errorf("%w: %v", wyoming.ErrConnectionClosed, err)
	}

	if err := c.runHook(ctx, c.opts.Hooks.OnReceive, ev); err != nil {
		return ev, fmt.Errorf("on-receive hook for %s: %w", ev.Type, err)
	}
	return ev, nil
}

func (c *Client) runHook(ctx context.Context, hook Hook, ev wyoming.Event) error {
	if hook == nil {
		return nil
	}
	return hook(ctx, ev)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// dropConn closes conn and, if it is still the current connection, marks the client
// disconnected.
func (c *Client) dropConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.reader = nil
		c.state = Disconnected
	}
	c.mu.Unlock()
	conn.Close()
}
