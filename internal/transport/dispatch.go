package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// authStatus is the shape of the single frame that follows the handshake.
type authStatus struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

// parseAuthStatus decodes the first post-handshake frame.
func parseAuthStatus(raw []byte) (authStatus, error) {
	var s authStatus
	if err := json.Unmarshal(raw, &s); err != nil {
		return authStatus{}, fmt.Errorf("transport: decode auth status: %w", err)
	}
	return s, nil
}

// shapeEnvelope is decoded far enough to classify a post-auth frame by
// shape without committing to a full schema, per the priority table in
// spec.md §4.2.
type shapeEnvelope struct {
	CallID         *int64          `json:"callId"`
	RuntimeVar     *string         `json:"runtimeVar"`
	InitialAnchors *[]int64        `json:"initialAnchors"`
	PrependAnchor  *int64          `json:"prependAnchor"`
	Source         string          `json:"source"`
	StatusCode     *int            `json:"status_code"`
	Error          json.RawMessage `json:"error"`
}

// classification is the outcome of classify: either a ready-to-dispatch
// Frame, a request to force a reconnect (maintenance rollover), or neither
// (an unrecognized object frame, which is logged and dropped).
type classification struct {
	frame        *Frame
	reconnect    bool
	unrecognized bool
}

// classify implements the dispatch-by-shape table from spec.md §4.2. raw
// is one complete JSON text frame received after the handshake completed.
func classify(raw []byte) (classification, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return classification{unrecognized: true}, nil
	}

	if trimmed[0] == '[' {
		return classification{frame: &Frame{Kind: FrameInstances, Instances: json.RawMessage(trimmed)}}, nil
	}

	var env shapeEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return classification{}, &Error{Kind: ErrProtocolError, Msg: err.Error()}
	}

	switch {
	case env.CallID != nil:
		return classification{frame: &Frame{Kind: FrameActionResponse, ActionResponse: json.RawMessage(trimmed)}}, nil

	case env.RuntimeVar != nil:
		var rv struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(trimmed, &rv); err != nil {
			return classification{}, &Error{Kind: ErrProtocolError, Msg: err.Error()}
		}
		return classification{frame: &Frame{Kind: FrameRuntimeVar, RuntimeVarName: *env.RuntimeVar, RuntimeVarValue: rv.Value}}, nil

	case env.InitialAnchors != nil:
		if len(*env.InitialAnchors) == 0 {
			return classification{frame: &Frame{Kind: FrameEmptyAnchors}}, nil
		}
		return classification{frame: &Frame{Kind: FrameInitialAnchors, InitialAnchors: *env.InitialAnchors}}, nil

	case env.PrependAnchor != nil:
		return classification{frame: &Frame{Kind: FrameAnchorPrepend, AnchorPrependID: *env.PrependAnchor}}, nil

	case env.Source == "system":
		return classification{frame: &Frame{Kind: FrameSystem, System: json.RawMessage(trimmed)}}, nil

	case env.Source == "maintenance":
		return classification{reconnect: true}, nil

	case env.StatusCode != nil:
		f := &Frame{Kind: FrameConnectionStatus, StatusCode: *env.StatusCode}
		if len(env.Error) > 0 {
			var msg string
			_ = json.Unmarshal(env.Error, &msg)
			f.StatusErr = msg
		}
		return classification{frame: f}, nil

	default:
		return classification{unrecognized: true}, nil
	}
}
