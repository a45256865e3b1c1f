package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/rxsync/internal/graph"
	"github.com/rakunlabs/rxsync/internal/transport"
)

// run is the coordinator's single event loop: it drains frames and
// lifecycle events from one transport generation and applies them to the
// builder and registered listeners. It exits when ctx is cancelled (on
// Close or on the last unsubscribe) or when either channel is closed.
func (c *Coordinator) run(ctx context.Context, tr *transport.Transport, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case f, ok := <-tr.Frames():
			if !ok {
				return
			}
			c.handleFrame(ctx, f)

		case ev, ok := <-tr.Events():
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) handleFrame(ctx context.Context, f transport.Frame) {
	switch f.Kind {
	case transport.FrameInstances:
		c.applyInstances(ctx, f.Instances)

	case transport.FrameActionResponse:
		c.resolveAction(ctx, f.ActionResponse)

	case transport.FrameRuntimeVar:
		c.setRuntimeVar(ctx, f.RuntimeVarName, f.RuntimeVarValue)

	case transport.FrameInitialAnchors:
		c.mu.Lock()
		c.builder.SetAnchors(f.InitialAnchors)
		c.mu.Unlock()
		c.notifyState()

	case transport.FrameEmptyAnchors:
		c.mu.Lock()
		c.builder.SetAnchors(nil)
		c.mu.Unlock()
		c.notifyState()

	case transport.FrameAnchorPrepend:
		c.mu.Lock()
		c.builder.PrependAnchor(f.AnchorPrependID)
		c.mu.Unlock()
		c.notifyState()

	case transport.FrameSystem:
		logi.Ctx(ctx).Info("coordinator: system frame", "payload", string(f.System))

	case transport.FrameConnectionStatus:
		if f.StatusCode == 200 {
			c.notifyConnectionStatus(nil)
		} else {
			now := time.Now()
			logi.Ctx(ctx).Warn("coordinator: connection status frame", "status_code", f.StatusCode, "error", f.StatusErr)
			c.notifyConnectionStatus(&now)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		c.notifyConnectionStatus(nil)

	case transport.EventClosed:
		at := ev.At
		c.notifyConnectionStatus(&at)
		c.mu.Lock()
		c.rejectAllPendingLocked(newError(ErrTransportClosed, "connection closed before response arrived"))
		c.mu.Unlock()

	case transport.EventError:
		logi.Ctx(ctx).Error("coordinator: transport error", "error", ev.Err)
		c.notifyError(ev.Err)
		c.mu.Lock()
		c.rejectAllPendingLocked(newError(ErrTransportClosed, ev.Err.Error()))
		c.mu.Unlock()
	}
}

// applyInstances decodes and applies one instance batch, then notifies
// per-instance listeners before the whole-state listener, per spec.md §4.3
// ("fan-out ordering").
func (c *Coordinator) applyInstances(ctx context.Context, raw json.RawMessage) {
	var batch []graph.Payload
	if err := json.Unmarshal(raw, &batch); err != nil {
		logi.Ctx(ctx).Error("coordinator: invalid instance batch", "error", err)
		return
	}

	c.mu.Lock()
	if err := c.builder.Update(batch); err != nil {
		tr := c.tr
		c.mu.Unlock()

		var gerr *graph.Error
		if errors.As(err, &gerr) && gerr.Kind == graph.ErrAnchorTypeMismatch {
			// spec.md §7: ANCHOR_TYPE_MISMATCH is terminal, not recoverable
			// by reconnecting with the same model configuration.
			logi.Ctx(ctx).Error("coordinator: anchor type mismatch, closing connection", "error", err)
			if tr != nil {
				tr.Disconnect(transport.ReasonProtocolError)
			}
		} else {
			logi.Ctx(ctx).Error("coordinator: apply instance batch", "error", err)
		}
		c.notifyError(err)
		return
	}

	touched := make(map[string]*graph.Instance, len(batch))
	for _, p := range batch {
		key := (graph.Identity{Type: p.Type, ID: p.ID}).Key()
		// A key the batch deleted is no longer indexed; GetInstance then
		// returns nil, which is what its listeners receive.
		in, _ := c.builder.GetInstance(key)
		touched[key] = in
	}

	listenersByKey := make(map[string][]InstanceListener, len(touched))
	for key := range touched {
		for _, l := range c.instanceListeners[key] {
			listenersByKey[key] = append(listenersByKey[key], l)
		}
	}
	stateListeners := snapshotStateListeners(c.stateListeners)
	state := c.builder.State()
	c.mu.Unlock()

	for key, in := range touched {
		for _, l := range listenersByKey[key] {
			l(in)
		}
	}
	for _, l := range stateListeners {
		l(state)
	}
}

func (c *Coordinator) setRuntimeVar(ctx context.Context, name string, value json.RawMessage) {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		logi.Ctx(ctx).Error("coordinator: invalid runtime var value", "name", name, "error", err)
		return
	}

	c.mu.Lock()
	c.runtimeVars[name] = decoded
	listeners := make([]RuntimeVarListener, 0, len(c.runtimeListeners[name]))
	for _, l := range c.runtimeListeners[name] {
		listeners = append(listeners, l)
	}
	stateListeners := make([]RuntimeStateListener, 0, len(c.runtimeStateListeners))
	for _, l := range c.runtimeStateListeners {
		stateListeners = append(stateListeners, l)
	}
	merged := make(map[string]any, len(c.runtimeVars))
	for k, v := range c.runtimeVars {
		merged[k] = v
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(name, value)
	}
	for _, l := range stateListeners {
		l(merged)
	}
}

func (c *Coordinator) notifyState() {
	c.mu.Lock()
	listeners := snapshotStateListeners(c.stateListeners)
	state := c.builder.State()
	c.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}

func (c *Coordinator) notifyConnectionStatus(disconnectedAt *time.Time) {
	c.mu.Lock()
	listeners := make([]ConnectionStatusListener, 0, len(c.connListeners))
	for _, l := range c.connListeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(disconnectedAt)
	}
}

// notifyError fans out err to every registered error listener, per
// spec.md §6's on_error.
func (c *Coordinator) notifyError(err error) {
	c.mu.Lock()
	listeners := make([]ErrorListener, 0, len(c.errorListeners))
	for _, l := range c.errorListeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(err)
	}
}

func snapshotStateListeners(m map[int]StateListener) []StateListener {
	out := make([]StateListener, 0, len(m))
	for _, l := range m {
		out = append(out, l)
	}
	return out
}
