package mcp

import (
	"encoding/json"
	"testing"
)

func TestInboundMessageKind(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want messageKind
	}{
		{"result response", `{"jsonrpc":"2.0","id":1,"result":{}}`, kindResponse},
		{"error response", `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"nope"}}`, kindResponse},
		{"server request", `{"jsonrpc":"2.0","id":3,"method":"sampling/createMessage"}`, kindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, kindNotification},
		{"empty object", `{}`, kindInvalid},
		{"id only", `{"jsonrpc":"2.0","id":4}`, kindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg inboundMessage
			if err := json.Unmarshal([]byte(tt.raw), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.kind(); got != tt.want {
				t.Errorf("kind() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRequestMarshal(t *testing.T) {
	data, err := json.Marshal(NewRequest(7, "tools/list", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want 2.0", decoded["jsonrpc"])
	}
	if decoded["id"] != float64(7) {
		t.Errorf("id = %v, want 7", decoded["id"])
	}
	if decoded["method"] != "tools/list" {
		t.Errorf("method = %v, want tools/list", decoded["method"])
	}
	if _, ok := decoded["params"]; ok {
		t.Error("nil params should be omitted")
	}
}

func TestNotificationMarshalOmitsID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["id"]; ok {
		t.Error("notification must not carry an id")
	}
}

func TestRPCErrorError(t *testing.T) {
	err := &RPCError{Code: CodeMethodNotFound, Message: "method not found"}
	want := "jsonrpc error -32601: method not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
