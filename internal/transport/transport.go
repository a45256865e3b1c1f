package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rakunlabs/logi"
)

// Config carries the construction inputs from spec.md §4.2.
type Config struct {
	URL             string
	Token           string
	Subprotocols    []string
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	HandshakeHeader http.Header
}

// Transport is one persistent duplex channel. It owns a single websocket
// connection at a time, reconnecting with capped exponential backoff
// unless closed for a terminal reason. Not safe for concurrent use except
// via the channels returned by Frames/Events and the Send/Disconnect
// methods, which are safe to call from any goroutine.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger

	frames chan Frame
	events chan Event

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	backoff     *backoff
	terminalSet Reason // non-empty once a terminal Disconnect has been requested

	cancelRun context.CancelFunc
}

// New constructs a Transport. Call Connect to begin dialing.
func New(cfg Config, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		cfg:     cfg,
		dialer:  &websocket.Dialer{Subprotocols: cfg.Subprotocols, HandshakeTimeout: 10 * time.Second},
		log:     log,
		frames:  make(chan Frame, 64),
		events:  make(chan Event, 16),
		state:   StateIdle,
		backoff: newBackoff(cfg.InitialBackoff, cfg.MaxBackoff),
	}
}

// Frames returns the channel of classified inbound frames.
func (t *Transport) Frames() <-chan Frame { return t.frames }

// Events returns the channel of connection lifecycle events.
func (t *Transport) Events() <-chan Event { return t.events }

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect begins dialing. It returns immediately; connection progress is
// reported on Events/Frames. ctx bounds the transport's entire lifetime.
func (t *Transport) Connect(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	runCtx = logi.WithContext(runCtx, t.log.With("url", t.cfg.URL))
	t.mu.Lock()
	t.cancelRun = cancel
	t.mu.Unlock()

	go t.dialLoop(runCtx)
}

func (t *Transport) dialLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		t.setState(StateConnecting)
		conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, t.cfg.HandshakeHeader)
		if err != nil {
			if !t.scheduleReconnect(ctx) {
				return
			}
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		terminal := t.serve(ctx, conn)
		if terminal != "" {
			t.setState(StateClosed)
			return
		}

		if !t.scheduleReconnect(ctx) {
			return
		}
	}
}

// serve runs the handshake then the read loop for one connection. It
// returns the terminal reason if the connection ended terminally, or ""
// if it should reconnect.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) Reason {
	t.setState(StateAuthenticating)

	handshake, _ := json.Marshal(map[string]string{"token": t.cfg.Token})
	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		conn.Close()
		return ""
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return ""
	}

	status, err := parseAuthStatus(raw)
	if err != nil {
		t.emitEvent(Event{Kind: EventError, Err: err})
		conn.Close()
		return t.closeTerminal(ReasonProtocolError)
	}

	if status.Error != "" {
		t.emitEvent(Event{Kind: EventError, Err: &Error{Kind: ErrAuthenticationError, Msg: status.Error}})
		conn.Close()
		return t.closeTerminal(ReasonAuthenticationError)
	}

	if status.StatusCode == 200 {
		t.setState(StateReady)
		t.backoff.reset()
		t.emitEvent(Event{Kind: EventConnected})
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.emitEvent(Event{Kind: EventClosed, At: time.Now()})
			conn.Close()
			t.mu.Lock()
			reason := t.terminalSet
			t.mu.Unlock()
			return reason
		}

		cl, err := classify(raw)
		if err != nil {
			logi.Ctx(ctx).Warn("transport: protocol error, dropping frame", "error", err)
			continue
		}

		switch {
		case cl.frame != nil:
			select {
			case t.frames <- *cl.frame:
			case <-ctx.Done():
				conn.Close()
				return ReasonManualDisconnect
			}
		case cl.reconnect:
			logi.Ctx(ctx).Info("transport: maintenance rollover, reconnecting")
			t.backoff.reset()
			conn.Close()
			return ""
		case cl.unrecognized:
			logi.Ctx(ctx).Debug("transport: unrecognized frame, dropping")
		}
	}
}

// closeTerminal records a terminal reason so scheduleReconnect refuses any
// further dial, then returns it for serve to hand back to dialLoop.
func (t *Transport) closeTerminal(reason Reason) Reason {
	t.mu.Lock()
	t.terminalSet = reason
	t.mu.Unlock()
	return reason
}

func (t *Transport) scheduleReconnect(ctx context.Context) bool {
	t.mu.Lock()
	if t.terminalSet != "" {
		t.mu.Unlock()
		return false
	}
	interval := t.backoff.next()
	t.mu.Unlock()

	timer := time.NewTimer(interval)
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		timer.Stop()
		return false
	}
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Transport) emitEvent(e Event) {
	select {
	case t.events <- e:
	default:
		t.log.Warn("transport: events channel full, dropping event")
	}
}

// Send marshals v to JSON and writes it as a text frame, but only while
// the socket is open; otherwise it logs and drops, per spec.md §4.2 (no
// outbound queueing).
func (t *Transport) Send(v any) error {
	t.mu.Lock()
	conn := t.conn
	ready := t.state == StateReady
	t.mu.Unlock()

	if !ready || conn == nil {
		t.log.Warn("transport: dropping send, not connected")
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal outbound frame: %w", err)
	}

	t.mu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.mu.Unlock()
	if err != nil {
		t.log.Warn("transport: send failed", "error", err)
	}
	return nil
}

// Disconnect closes the active connection. If reason is non-empty the
// closure is terminal (no reconnect); a pending reconnect timer is
// cancelled too.
func (t *Transport) Disconnect(reason Reason) {
	t.mu.Lock()
	if reason != "" {
		t.terminalSet = reason
	}
	conn := t.conn
	cancel := t.cancelRun
	t.mu.Unlock()

	if reason != "" && cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}
