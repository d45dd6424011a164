package jsonrpc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRequestIDKey(t *testing.T) {
	str := NewRequestID("1")
	num := NewRequestID(1)
	if str.Key() == num.Key() {
		t.Fatalf("string and numeric ids with equal text must not share a key: %q", str.Key())
	}
	if str.String() != num.String() {
		t.Fatalf("display form should match: %q vs %q", str.String(), num.String())
	}

	var nilID *RequestID
	if !nilID.IsNil() {
		t.Fatalf("nil pointer must report IsNil")
	}
	if nilID.Key() != "" {
		t.Fatalf("nil id must have an empty key")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want any
	}{
		{"string", `"abc"`, "abc"},
		{"integer", `42`, int64(42)},
		{"float", `1.5`, 1.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var id RequestID
			if err := json.Unmarshal([]byte(tc.in), &id); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if diff := cmp.Diff(tc.want, id.Value()); diff != "" {
				t.Fatalf("value mismatch (-want +got):\n%s", diff)
			}
			out, err := json.Marshal(&id)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(out) != tc.in {
				t.Fatalf("round trip: want %s got %s", tc.in, out)
			}
		})
	}

	var id RequestID
	if err := json.Unmarshal([]byte(`{"nest":true}`), &id); err == nil {
		t.Fatalf("object ids must be rejected")
	}
}

func TestAnyMessageValidation(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr string
	}{
		{"request ok", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, ""},
		{"notification ok", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, ""},
		{"result ok", `{"jsonrpc":"2.0","id":1,"result":{}}`, ""},
		{"error ok", `{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"nope"}}`, ""},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, "invalid JSON-RPC version"},
		{"missing version", `{"id":1,"method":"ping"}`, "invalid JSON-RPC version"},
		{"result and error", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, "cannot have both"},
		{"neither result nor error", `{"jsonrpc":"2.0","id":1}`, "must have either"},
		{"method with result", `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`, "cannot have result or error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m AnyMessage
			err := json.Unmarshal([]byte(tc.in), &m)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestAnyMessageType(t *testing.T) {
	req := &AnyMessage{JSONRPCVersion: ProtocolVersion, Method: "ping", ID: NewRequestID(1)}
	if req.Type() != MessageTypeRequest {
		t.Fatalf("want request, got %s", req.Type())
	}
	note := &AnyMessage{JSONRPCVersion: ProtocolVersion, Method: "notifications/initialized"}
	if note.Type() != MessageTypeNotification {
		t.Fatalf("want notification, got %s", note.Type())
	}
	res := &AnyMessage{JSONRPCVersion: ProtocolVersion, Result: json.RawMessage(`{}`), ID: NewRequestID(1)}
	if res.Type() != MessageTypeResponse {
		t.Fatalf("want response, got %s", res.Type())
	}
	if res.AsRequest() != nil {
		t.Fatalf("responses must not convert to requests")
	}
	if req.AsResponse() != nil {
		t.Fatalf("requests must not convert to responses")
	}
}

func TestDecodeBatch(t *testing.T) {
	t.Run("single message", func(t *testing.T) {
		msgs, batch, err := DecodeBatch([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if batch {
			t.Fatalf("single message must not report batch")
		}
		if len(msgs) != 1 || msgs[0].Method != "ping" {
			t.Fatalf("unexpected messages: %+v", msgs)
		}
	})

	t.Run("array", func(t *testing.T) {
		body := `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"}]`
		msgs, batch, err := DecodeBatch([]byte(body))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !batch {
			t.Fatalf("array body must report batch")
		}
		if len(msgs) != 2 {
			t.Fatalf("want 2 messages, got %d", len(msgs))
		}
		if msgs[0].Type() != MessageTypeRequest || msgs[1].Type() != MessageTypeNotification {
			t.Fatalf("unexpected message types: %s, %s", msgs[0].Type(), msgs[1].Type())
		}
	})

	t.Run("empty batch is rejected", func(t *testing.T) {
		if _, _, err := DecodeBatch([]byte(`[]`)); err == nil {
			t.Fatalf("empty batch must fail")
		}
	})

	t.Run("empty body is rejected", func(t *testing.T) {
		if _, _, err := DecodeBatch([]byte("  \n")); err == nil {
			t.Fatalf("empty body must fail")
		}
	})

	t.Run("one bad element poisons the batch", func(t *testing.T) {
		body := `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"1.0","id":2,"method":"ping"}]`
		if _, _, err := DecodeBatch([]byte(body)); err == nil {
			t.Fatalf("invalid element must fail the whole batch")
		}
	})
}
