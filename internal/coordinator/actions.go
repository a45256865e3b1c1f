package coordinator

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rakunlabs/logi"
)

// actionResult is the outcome delivered to a call awaiting its response.
type actionResult struct {
	data json.RawMessage
	err  error
}

// actionResponse is the wire shape of one FrameActionResponse payload.
type actionResponse struct {
	CallID int64           `json:"callId"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// actionRequest is the wire shape of one outbound call.
type actionRequest struct {
	CallID int64  `json:"callId"`
	Action string `json:"action"`
	Params []any  `json:"params"`
}

// CallAction sends a named action with positional params and blocks until
// the matching response arrives, ctx is cancelled, or the connection
// drops. Responses are correlated by callId so concurrent calls never
// cross-resolve (spec.md P7). The call-id is a monotonically increasing
// in-process counter, per spec.md §4.3.
func (c *Coordinator) CallAction(ctx context.Context, name string, params []any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.tr == nil {
		c.mu.Unlock()
		return nil, newError(ErrNotSubscribed, "no active subscription to send actions on")
	}

	id := atomic.AddInt64(&c.nextCallID, 1)
	ch := make(chan actionResult, 1)
	c.pending[id] = ch
	tr := c.tr
	c.mu.Unlock()

	if err := tr.Send(actionRequest{CallID: id, Action: name, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, newError(ErrActionTimeout, ctx.Err().Error())
	}
}

// resolveAction decodes one action-response frame and delivers it to the
// matching pending call. A response for an unknown or already completed
// callId is spec.md's UNMATCHED_RPC_RESPONSE: logged and discarded.
func (c *Coordinator) resolveAction(ctx context.Context, raw json.RawMessage) {
	var resp actionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		logi.Ctx(ctx).Error("coordinator: invalid action response", "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.CallID]
	if ok {
		delete(c.pending, resp.CallID)
	}
	c.mu.Unlock()
	if !ok {
		logi.Ctx(ctx).Warn("coordinator: unmatched rpc response", "call_id", resp.CallID)
		return
	}

	if resp.Error != "" {
		ch <- actionResult{err: newError(ErrRPCError, resp.Error)}
		return
	}
	ch <- actionResult{data: resp.Result}
}

// rejectAllPendingLocked delivers err to every outstanding call. Caller
// must hold mu.
func (c *Coordinator) rejectAllPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- actionResult{err: err}
		delete(c.pending, id)
	}
}
