package transport

import "testing"

func TestClassifyShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		kind FrameKind
	}{
		{"instances batch", `[{"id":1}]`, FrameInstances},
		{"action response", `{"callId":1,"result":"ok"}`, FrameActionResponse},
		{"runtime var", `{"runtimeVar":"theme","value":"dark"}`, FrameRuntimeVar},
		{"initial anchors", `{"initialAnchors":[1,2]}`, FrameInitialAnchors},
		{"prepend anchor", `{"prependAnchor":9}`, FrameAnchorPrepend},
		{"system", `{"source":"system","msg":"hi"}`, FrameSystem},
		{"connection status", `{"status_code":200}`, FrameConnectionStatus},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cl, err := classify([]byte(tc.raw))
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if cl.frame == nil {
				t.Fatalf("expected a frame, got %+v", cl)
			}
			if cl.frame.Kind != tc.kind {
				t.Fatalf("kind = %v, want %v", cl.frame.Kind, tc.kind)
			}
		})
	}
}

func TestClassifyEmptyInitialAnchors(t *testing.T) {
	cl, err := classify([]byte(`{"initialAnchors":[]}`))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if cl.frame == nil || cl.frame.Kind != FrameEmptyAnchors {
		t.Fatalf("expected FrameEmptyAnchors, got %+v", cl)
	}
}

func TestClassifyMaintenanceTriggersReconnect(t *testing.T) {
	cl, err := classify([]byte(`{"source":"maintenance"}`))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !cl.reconnect {
		t.Fatalf("expected reconnect=true, got %+v", cl)
	}
}

func TestClassifyUnrecognizedIgnored(t *testing.T) {
	cl, err := classify([]byte(`{"foo":"bar"}`))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if !cl.unrecognized {
		t.Fatalf("expected unrecognized, got %+v", cl)
	}
}

func TestClassifyActionResponseError(t *testing.T) {
	cl, err := classify([]byte(`{"callId":2,"error":"fail"}`))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if cl.frame == nil || cl.frame.Kind != FrameActionResponse {
		t.Fatalf("expected FrameActionResponse, got %+v", cl)
	}
}

func TestClassifyConnectionStatusWithError(t *testing.T) {
	cl, err := classify([]byte(`{"status_code":401,"error":"bad token"}`))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if cl.frame.StatusCode != 401 || cl.frame.StatusErr != "bad token" {
		t.Fatalf("unexpected frame: %+v", cl.frame)
	}
}
