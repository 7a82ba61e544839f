// Package stream provides a persistent, auto-reconnecting websocket
// connection used for both the node's event API and the dPoW service socket.
package stream

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/nanotools/nanogate/pkg/errors"
	"github.com/nanotools/nanogate/pkg/log"
	"github.com/nanotools/nanogate/pkg/retry"
)

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected - no connection and no further attempts will be made
	StateDisconnected State = iota
	// StateConnecting - a dial is in flight
	StateConnecting
	// StateConnected - the websocket is established
	StateConnected
	// StateBackoff - waiting before the next dial attempt
	StateBackoff
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Conn wraps one remote publish/subscribe endpoint. It redials on drop with
// capped exponential backoff until the attempt budget is exhausted, after
// which the endpoint is considered permanently unavailable for the process
// lifetime. Behavior is endpoint-agnostic.
type Conn struct {
	endpoint     string
	logger       *log.Logger
	backoff      *retry.Config
	dialTimeout  time.Duration
	writeTimeout time.Duration

	mu            sync.RWMutex
	state         State
	ws            *websocket.Conn
	everConnected bool

	onConnect    []func()
	onMessage    []func([]byte)
	onTransition []func(State)

	done      chan struct{}
	closeOnce sync.Once
}

// Options configures a Conn beyond its defaults.
type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Backoff      *retry.Config
}

// New creates a connection to the given websocket endpoint. The connection
// does nothing until Run is called.
func New(endpoint string, logger *log.Logger, opts *Options) *Conn {
	c := &Conn{
		endpoint:     endpoint,
		logger:       logger.WithComponent("stream").WithEndpoint(endpoint),
		backoff:      retry.StreamConfig(),
		dialTimeout:  time.Second,
		writeTimeout: 10 * time.Second,
		state:        StateDisconnected,
		done:         make(chan struct{}),
	}
	if opts != nil {
		if opts.DialTimeout > 0 {
			c.dialTimeout = opts.DialTimeout
		}
		if opts.WriteTimeout > 0 {
			c.writeTimeout = opts.WriteTimeout
		}
		if opts.Backoff != nil {
			c.backoff = opts.Backoff
		}
	}
	return c
}

// OnConnect registers a callback fired once per successful (re)connection.
// Must be called before Run.
func (c *Conn) OnConnect(fn func()) {
	c.onConnect = append(c.onConnect, fn)
}

// OnMessage registers a callback fired per inbound message. Must be called
// before Run.
func (c *Conn) OnMessage(fn func([]byte)) {
	c.onMessage = append(c.onMessage, fn)
}

// OnTransition registers a callback fired on every state change. Must be
// called before Run.
func (c *Conn) OnTransition(fn func(State)) {
	c.onTransition = append(c.onTransition, fn)
}

// Run drives the connection state machine until the context is cancelled,
// Close is called, or the reconnect budget is exhausted.
func (c *Conn) Run(ctx context.Context) error {
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-c.done:
			c.setState(StateDisconnected)
			return nil
		default:
		}

		c.setState(StateConnecting)

		ws, err := c.dial(ctx)
		if err != nil {
			attempt++
			if attempt >= c.backoff.MaxAttempts {
				c.setState(StateDisconnected)
				c.logger.Error("reconnect budget exhausted, giving up",
					"attempts", attempt)
				return errors.Wrap(err, errors.ErrorTypeNetwork, "stream_connect",
					"endpoint permanently unavailable").
					WithContext("attempts", attempt)
			}

			c.setState(StateBackoff)
			delay := c.backoff.Delay(attempt - 1)
			c.logger.Debug("dial failed, backing off",
				"attempt", attempt,
				"delay", delay.String(),
				"error", err.Error(),
			)

			select {
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return ctx.Err()
			case <-c.done:
				c.setState(StateDisconnected)
				return nil
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		c.mu.Lock()
		c.ws = ws
		c.everConnected = true
		c.mu.Unlock()
		c.setState(StateConnected)
		c.logger.LogConnection("connected", c.endpoint)

		for _, fn := range c.onConnect {
			fn()
		}

		c.readLoop(ctx, ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		c.logger.LogConnection("disconnected", c.endpoint)
	}
}

// dial attempts one websocket connection within the dial timeout.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	// Relayed event payloads can be large confirmation blocks.
	ws.SetReadLimit(1 << 20)
	return ws, nil
}

// readLoop delivers inbound messages until the socket drops.
func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "shutting down")
			return
		case <-c.done:
			ws.Close(websocket.StatusNormalClosure, "closed")
			return
		default:
		}

		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		for _, fn := range c.onMessage {
			fn(data)
		}
	}
}

// Send writes a payload to the remote endpoint. It fails immediately when the
// connection is down; callers decide whether that matters.
func (c *Conn) Send(payload []byte) error {
	c.mu.RLock()
	ws := c.ws
	c.mu.RUnlock()

	if ws == nil {
		return errors.New(errors.ErrorTypeNetwork, "stream_send",
			"connection is not established")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "stream_send",
			"failed to write to endpoint")
	}
	return nil
}

// Connected reports whether the websocket is currently established.
func (c *Conn) Connected() bool {
	return c.State() == StateConnected
}

// EverConnected reports whether the initial handshake has ever completed.
// The work broker routes on this sticky flag, matching the availability
// semantics of the delegation protocol.
func (c *Conn) EverConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.everConnected
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState records a transition and notifies subscribers.
func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	for _, fn := range c.onTransition {
		fn(s)
	}
}

// Close stops the state machine and closes any open socket.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.RLock()
		ws := c.ws
		c.mu.RUnlock()
		if ws != nil {
			ws.Close(websocket.StatusNormalClosure, "closed")
		}
	})
}
