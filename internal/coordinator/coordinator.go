package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/rxsync/internal/graph"
	"github.com/rakunlabs/rxsync/internal/transport"
)

// Config carries the construction inputs for a Coordinator.
type Config struct {
	ModelMap   graph.ModelMap
	AnchorType string
	Many       bool

	// Endpoint is the connection URL template; placeholders like {id} are
	// substituted from EndpointArgs at connect time (spec.md §6).
	Endpoint     string
	EndpointArgs map[string]string
	Token        string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Coordinator is the Channel Coordinator from spec.md §4.3. It owns a
// graph.Builder and lazily constructs a transport.Transport on first
// subscriber, tearing it down (ReasonNoSubscribers) when the last
// subscriber unsubscribes. All access to the builder and transport is
// serialized through mu, matching the single-threaded cooperative
// scheduling model in spec.md §5.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu              sync.Mutex
	builder         *graph.Builder
	tr              *transport.Transport
	subscriberCount int
	runtimeVars     map[string]any

	nextListenerID        int
	stateListeners        map[int]StateListener
	instanceListeners     map[string]map[int]InstanceListener
	runtimeListeners      map[string]map[int]RuntimeVarListener
	runtimeStateListeners map[int]RuntimeStateListener
	connListeners         map[int]ConnectionStatusListener
	errorListeners        map[int]ErrorListener

	pending    map[int64]chan actionResult
	nextCallID int64

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// New constructs a Coordinator. The transport is not dialed until the
// first subscriber registers.
func New(cfg Config, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:                   cfg,
		log:                   log,
		builder:               graph.New(cfg.ModelMap, cfg.AnchorType, cfg.Many),
		runtimeVars:           make(map[string]any),
		stateListeners:        make(map[int]StateListener),
		instanceListeners:     make(map[string]map[int]InstanceListener),
		runtimeListeners:      make(map[string]map[int]RuntimeVarListener),
		runtimeStateListeners: make(map[int]RuntimeStateListener),
		connListeners:         make(map[int]ConnectionStatusListener),
		errorListeners:        make(map[int]ErrorListener),
		pending:               make(map[int64]chan actionResult),
	}
}

// Init connects the transport if it isn't already connected, without
// registering a listener. Idempotent: calling it again while connected is a
// no-op. Mirrors spec.md's standalone init() operation (§4.3/§6).
func (c *Coordinator) Init() {
	c.mu.Lock()
	c.ensureConnected()
	c.mu.Unlock()
}

// ensureStarted increments the subscriber count and connects the transport
// if this is the first subscriber. Caller must hold mu.
func (c *Coordinator) ensureStarted() {
	c.subscriberCount++
	c.ensureConnected()
}

// ensureConnected constructs and connects the transport if it isn't already
// connected. It does not touch subscriberCount, so it's safe to call from
// both Init (no subscriber) and ensureStarted (counted subscriber). Caller
// must hold mu.
func (c *Coordinator) ensureConnected() {
	if c.tr != nil {
		return
	}

	url := renderEndpoint(c.cfg.Endpoint, c.cfg.EndpointArgs)
	c.tr = transport.New(transport.Config{
		URL:            url,
		Token:          c.cfg.Token,
		InitialBackoff: c.cfg.InitialBackoff,
		MaxBackoff:     c.cfg.MaxBackoff,
	}, c.log)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = logi.WithContext(ctx, c.log.With("channel_endpoint", url))
	c.runCancel = cancel
	c.runDone = make(chan struct{})
	c.tr.Connect(ctx)
	go c.run(ctx, c.tr, c.runDone)
}

// release decrements the subscriber count and tears the transport down
// once nobody is left listening. Caller must hold mu.
func (c *Coordinator) release() {
	c.subscriberCount--
	if c.subscriberCount > 0 {
		return
	}
	if c.tr != nil {
		c.tr.Disconnect(transport.ReasonNoSubscribers)
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	c.tr = nil
}

// Close tears down the coordinator unconditionally, rejecting any
// in-flight action calls.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.tr != nil {
		c.tr.Disconnect(transport.ReasonManualDisconnect)
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	c.tr = nil
	c.subscriberCount = 0
	c.rejectAllPendingLocked(newError(ErrCoordinatorDown, "coordinator closed"))
	c.mu.Unlock()
}

// State returns a snapshot of the current anchor view without registering
// a listener or counting as a subscriber.
func (c *Coordinator) State() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builder.State()
}

// RuntimeState returns a snapshot of the current merged runtime-variable
// mapping without registering a listener or counting as a subscriber, per
// spec.md §6's read-only "state and runtime_state" surface.
func (c *Coordinator) RuntimeState() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.runtimeVars))
	for k, v := range c.runtimeVars {
		out[k] = v
	}
	return out
}

// SubscribeState registers l to be called with the current anchor view
// after every applied batch. The returned func unsubscribes.
func (c *Coordinator) SubscribeState(l StateListener) func() {
	c.mu.Lock()
	c.ensureStarted()
	id := c.nextListenerID
	c.nextListenerID++
	c.stateListeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateListeners, id)
		c.release()
		c.mu.Unlock()
	}
}

// SubscribeInstance registers l to be called whenever the instance
// (typeTag, id) is touched by an applied batch. If the instance is
// already loaded, l is invoked synchronously with the current reference
// before this call returns, per spec.md §4.3.
func (c *Coordinator) SubscribeInstance(typeTag string, id int64, l InstanceListener) func() {
	key := (graph.Identity{Type: typeTag, ID: id}).Key()

	c.mu.Lock()
	c.ensureStarted()
	if c.instanceListeners[key] == nil {
		c.instanceListeners[key] = make(map[int]InstanceListener)
	}
	listenerID := c.nextListenerID
	c.nextListenerID++
	c.instanceListeners[key][listenerID] = l

	current, err := c.builder.GetInstance(key)
	loaded := err == nil && current.Loaded
	c.mu.Unlock()

	if loaded {
		l(current)
	}

	return func() {
		c.mu.Lock()
		delete(c.instanceListeners[key], listenerID)
		if len(c.instanceListeners[key]) == 0 {
			delete(c.instanceListeners, key)
		}
		c.release()
		c.mu.Unlock()
	}
}

// SubscribeRuntimeVar registers l to be called whenever the named runtime
// variable changes.
func (c *Coordinator) SubscribeRuntimeVar(name string, l RuntimeVarListener) func() {
	c.mu.Lock()
	c.ensureStarted()
	if c.runtimeListeners[name] == nil {
		c.runtimeListeners[name] = make(map[int]RuntimeVarListener)
	}
	id := c.nextListenerID
	c.nextListenerID++
	c.runtimeListeners[name][id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.runtimeListeners[name], id)
		if len(c.runtimeListeners[name]) == 0 {
			delete(c.runtimeListeners, name)
		}
		c.release()
		c.mu.Unlock()
	}
}

// SubscribeRuntimeState registers l to be called with the full merged
// runtime-variable mapping whenever any runtime variable changes, as
// opposed to SubscribeRuntimeVar's single-name form.
func (c *Coordinator) SubscribeRuntimeState(l RuntimeStateListener) func() {
	c.mu.Lock()
	c.ensureStarted()
	id := c.nextListenerID
	c.nextListenerID++
	c.runtimeStateListeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.runtimeStateListeners, id)
		c.release()
		c.mu.Unlock()
	}
}

// SubscribeConnectionStatus registers l to be called on every connect
// (nil) and disconnect (timestamp) transition.
func (c *Coordinator) SubscribeConnectionStatus(l ConnectionStatusListener) func() {
	c.mu.Lock()
	c.ensureStarted()
	id := c.nextListenerID
	c.nextListenerID++
	c.connListeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.connListeners, id)
		c.release()
		c.mu.Unlock()
	}
}

// SubscribeError registers l to be called on every transport error event
// (AUTHENTICATION_ERROR, PROTOCOL_ERROR) and every error returned while
// applying an instance batch (ANCHOR_TYPE_MISMATCH and others). Undecodable
// frames, invalid runtime-variable values and unmatched action responses
// are logged only and do not reach l.
func (c *Coordinator) SubscribeError(l ErrorListener) func() {
	c.mu.Lock()
	c.ensureStarted()
	id := c.nextListenerID
	c.nextListenerID++
	c.errorListeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.errorListeners, id)
		c.release()
		c.mu.Unlock()
	}
}
