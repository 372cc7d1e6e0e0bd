// Package client implements the real-time session client: connection
// lifecycle over the WebSocket transport, inbound frame dispatch into the
// session read model, outbound command construction, the chunked-HTTP
// fallback stream and the REST collaborator surface.
package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/config"
	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/protocol"
	"github.com/ai-cherry/sophia-intel-ai-sub015/internal/session"
)

var (
	// ErrTransportUnavailable is returned by Send when the client is not in
	// the Connected state. The envelope is dropped, never queued.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrAlreadyOpen is returned by Open on a client whose run loop is
	// already started.
	ErrAlreadyOpen = errors.New("client already open")

	// ErrClosed is returned by Open after Close; a client is single-use.
	ErrClosed = errors.New("client closed")
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// inbound is a raw frame read from the transport, stamped with the epoch of
// the connection that read it.
type inbound struct {
	epoch int64
	data  []byte
}

// Client owns one logical session over one connection at a time. All state
// mutation happens on the run loop; the transport reader only posts frames.
// A Client is not a singleton: construct one per session, Open it, Close it.
type Client struct {
	cfg    *config.Config
	dialer Dialer
	state  *session.State

	mu        sync.Mutex
	connState ConnState
	conn      Conn
	opened    bool
	closed    bool

	frames chan inbound
	lost   chan int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a client with the default WebSocket dialer.
func New(cfg *config.Config) *Client {
	return NewWithDialer(cfg, newWSDialer(cfg))
}

// NewWithDialer creates a client with an injected transport dialer. Tests
// use this to drive the state machine without a network.
func NewWithDialer(cfg *config.Config, d Dialer) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		dialer: d,
		state:  session.New(),
		frames: make(chan inbound, 64),
		lost:   make(chan int64, 4),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the session read model.
func (c *Client) State() *session.State {
	return c.state
}

// ConnState returns the current connection lifecycle state.
func (c *Client) ConnState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// Open starts the connection run loop. It returns immediately; connection
// progress is observable through the read model's Connected flag.
func (c *Client) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.opened {
		return ErrAlreadyOpen
	}
	c.opened = true
	c.connState = Connecting
	c.wg.Add(1)
	go c.run()
	return nil
}

// Close tears the client down: cancels the run loop, closes the transport
// and waits for every goroutine to exit. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.connState = Disconnected
	c.conn = nil
	c.mu.Unlock()
	c.state.SetConnected(false)
	return nil
}

// Send transmits a pre-encoded envelope. It fails fast with
// ErrTransportUnavailable in every state but Connected; callers gate UI
// affordances on ConnState rather than retrying.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	st, conn := c.connState, c.conn
	c.mu.Unlock()
	if st != Connected || conn == nil {
		return ErrTransportUnavailable
	}
	return conn.WriteMessage(data)
}

// run is the connection state machine: Connecting -> Connected ->
// Reconnecting -> Connecting, terminal only on Close. Reconnection uses a
// fixed retry delay, not exponential backoff.
func (c *Client) run() {
	defer c.wg.Done()

	for {
		conn, err := c.dialer.Dial(c.ctx, c.cfg.WSURL)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Printf("client: dial %s failed: %v", c.cfg.WSURL, err)
			c.setConnState(Reconnecting)
			if !c.sleepRetry() {
				return
			}
			c.setConnState(Connecting)
			continue
		}

		epoch := c.state.SetConnected(true)
		c.mu.Lock()
		c.conn = conn
		c.connState = Connected
		c.mu.Unlock()
		log.Printf("client: connected (epoch %d)", epoch)

		// Request an initial status push as soon as the link is up.
		c.sendControl(protocol.ControlStatus)

		c.wg.Add(1)
		go c.readPump(conn, epoch)

		if !c.serveConn(conn, epoch) {
			return
		}

		// Transport lost: degrade the read model and retry on a timer.
		c.state.SetConnected(false)
		c.mu.Lock()
		c.conn = nil
		c.connState = Reconnecting
		c.mu.Unlock()
		log.Printf("client: connection lost, retrying in %s", c.cfg.RetryInterval)
		if !c.sleepRetry() {
			return
		}
		c.setConnState(Connecting)
	}
}

// serveConn handles frames and heartbeats for one connection. It returns
// false when the client is closing, true when the connection died and the
// loop should reconnect.
func (c *Client) serveConn(conn Conn, epoch int64) bool {
	heartbeat := time.NewTicker(c.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.ctx.Done():
			conn.Close()
			return false

		case fr := <-c.frames:
			c.handleFrame(fr)

		case dead := <-c.lost:
			if dead != epoch {
				// A reader from an earlier connection announcing its death.
				continue
			}
			conn.Close()
			return true

		case <-heartbeat.C:
			// Heartbeat requests a metrics push; missing replies do not
			// trigger reconnection.
			c.sendControl(protocol.ControlMetrics)
		}
	}
}

// readPump reads frames from one connection and posts them, epoch-stamped,
// to the run loop.
func (c *Client) readPump(conn Conn, epoch int64) {
	defer c.wg.Done()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			select {
			case c.lost <- epoch:
			case <-c.ctx.Done():
			}
			return
		}
		select {
		case c.frames <- inbound{epoch: epoch, data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

// handleFrame decodes and dispatches one inbound frame. Malformed frames
// and unknown kinds are discarded without touching session state.
func (c *Client) handleFrame(fr inbound) {
	env, err := protocol.Decode(fr.data)
	if err != nil {
		log.Printf("client: discarding frame: %v", err)
		return
	}
	c.state.Apply(fr.epoch, env)
}

// sendControl emits a control envelope, logging instead of failing when
// the transport dropped underneath us.
func (c *Client) sendControl(subtype string) {
	raw, err := protocol.EncodeControlRequest(subtype)
	if err != nil {
		log.Printf("client: encode control %s: %v", subtype, err)
		return
	}
	if err := c.Send(raw); err != nil {
		log.Printf("client: control %s not sent: %v", subtype, err)
	}
}

// sleepRetry waits one fixed retry interval. Returns false if the client
// closed while waiting.
func (c *Client) sleepRetry() bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(c.cfg.RetryInterval):
		return true
	}
}

func (c *Client) setConnState(s ConnState) {
	c.mu.Lock()
	c.connState = s
	c.mu.Unlock()
}
