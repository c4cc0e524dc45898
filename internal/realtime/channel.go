// Package realtime keeps a websocket connection to the backend's event room
// for one parking spot. The connection is re-established for as long as the
// channel is open and the room is re-joined every time it comes up.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/parking-calibrator/internal/logger"
	"github.com/dj-oyu/parking-calibrator/internal/metrics"
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const writeWait = 2 * time.Second

// Config configures a Channel.
type Config struct {
	URL            string
	SpotID         string
	Token          string
	ReconnectDelay time.Duration // fixed delay between attempts, default 1s
	Dialer         *websocket.Dialer
}

// Channel is a per-spot realtime connection.
type Channel struct {
	cfg     Config
	handler Handler
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	closed    bool
	started   bool
	listeners []func(State)

	writeMu    sync.Mutex
	dispatchMu sync.Mutex
}

// New creates a channel. Call Start to connect. m may be nil.
func New(cfg Config, h Handler, m *metrics.Metrics) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:     cfg,
		handler: h,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// SpotID returns the room this channel serves.
func (c *Channel) SpotID() string { return c.cfg.SpotID }

// WatchState registers fn to be called on every state change.
func (c *Channel) WatchState(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the connection loop. It returns immediately.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()

	c.metrics.SetChannelConnected(s == StateConnected)
	for _, fn := range listeners {
		fn(s)
	}
}

func (c *Channel) run() {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	for attempt := 0; ; attempt++ {
		if c.ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			c.metrics.ChannelReconnects.Add(1)
		}

		c.setState(StateConnecting)
		conn, _, err := c.cfg.Dialer.DialContext(c.ctx, c.cfg.URL, header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			logger.Warn("Realtime", "connect %s failed: %v", c.cfg.URL, err)
			c.setState(StateDisconnected)
			if !c.sleep() {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.setState(StateConnected)
		if err := c.write(conn, EventJoinSpot, roomPayload{SpotID: c.cfg.SpotID}); err != nil {
			logger.Warn("Realtime", "join_spot %s failed: %v", c.cfg.SpotID, err)
		} else {
			logger.Info("Realtime", "joined room for spot %s", c.cfg.SpotID)
		}

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
		c.setState(StateDisconnected)

		if !c.sleep() {
			return
		}
	}
}

func (c *Channel) sleep() bool {
	t := time.NewTimer(c.cfg.ReconnectDelay)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Realtime", "connection lost: %v", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.metrics.ChannelDropped.Add(1)
			logger.Debug("Realtime", "undecodable frame: %v", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Channel) write(conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Channel) dispatch(env Envelope) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	var err error
	switch env.Event {
	case EventOccupancy:
		var ev OccupancyUpdate
		if err = json.Unmarshal(env.Data, &ev); err == nil && c.mine(ev.SpotID) {
			c.handler.OnOccupancy(ev)
		}
	case EventStateChange:
		var ev StateChangeEvent
		if err = json.Unmarshal(env.Data, &ev); err == nil && c.mine(ev.SpotID) {
			c.handler.OnStateChange(ev)
		}
	case EventFPS:
		var ev FPSUpdate
		if err = json.Unmarshal(env.Data, &ev); err == nil && c.mine(ev.SpotID) {
			c.handler.OnFPS(ev)
		}
	case EventCameraError:
		var ev CameraError
		if err = json.Unmarshal(env.Data, &ev); err == nil && c.mine(ev.SpotID) {
			c.handler.OnCameraError(ev)
		}
	case EventProcessedFrame:
		var ev ProcessedFrame
		if err = json.Unmarshal(env.Data, &ev); err == nil && c.mine(ev.SpotID) {
			c.handler.OnProcessedFrame(ev)
		}
	case EventError:
		var ev ChannelError
		if err = json.Unmarshal(env.Data, &ev); err == nil {
			c.metrics.ChannelEvents.Add(1)
			c.handler.OnChannelError(ev)
		}
	default:
		c.metrics.ChannelDropped.Add(1)
		logger.Debug("Realtime", "ignoring event %q", env.Event)
	}
	if err != nil {
		c.metrics.ChannelDropped.Add(1)
		logger.Debug("Realtime", "bad %s payload: %v", env.Event, err)
	}
}

// mine reports whether an event belongs to this channel's spot.
func (c *Channel) mine(id SpotID) bool {
	if string(id) != c.cfg.SpotID {
		c.metrics.ChannelDropped.Add(1)
		return false
	}
	c.metrics.ChannelEvents.Add(1)
	return true
}

// Close leaves the room, disconnects and stops reconnecting. Both the leave
// and the disconnect are best effort. No handler method runs after Close
// returns. Close must not be called from a Handler method.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn, started := c.conn, c.started
	c.mu.Unlock()

	if conn != nil {
		if err := c.write(conn, EventLeaveSpot, roomPayload{SpotID: c.cfg.SpotID}); err != nil {
			logger.Debug("Realtime", "leave_spot %s: %v", c.cfg.SpotID, err)
		}
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.cancel()

	// Wait out a dispatch that was already running.
	c.dispatchMu.Lock()
	c.dispatchMu.Unlock()

	if started {
		<-c.done
	}
	logger.Info("Realtime", "channel for spot %s closed", c.cfg.SpotID)
}
