package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Inbound
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid execute",
			msg: &Inbound{
				Type:             TypeExecute,
				RequestID:        "r1",
				Module:           "yasumu:virtual/m",
				InvocationTarget: "onRequest",
				ContextType:      "rest",
				Context:          json.RawMessage(`{"request":{"url":"http://x"}}`),
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"type":"execute"`) {
					t.Error("missing type field")
				}
				if !strings.Contains(output, `"requestId":"r1"`) {
					t.Error("missing requestId field")
				}
				if !strings.Contains(output, `"invocationTarget":"onRequest"`) {
					t.Error("missing invocationTarget field")
				}
				if !strings.HasSuffix(output, "\n") {
					t.Error("messages must be newline framed")
				}
			},
		},
		{
			name:    "execute without requestId",
			msg:     &Inbound{Type: TypeExecute, Module: "m", InvocationTarget: "f"},
			wantErr: true,
		},
		{
			name:    "register without module",
			msg:     &Inbound{Type: TypeRegister, Source: "exports.x = 1"},
			wantErr: true,
		},
		{
			name: "terminate",
			msg:  &Inbound{Type: TypeTerminate},
			checkFn: func(t *testing.T, output string) {
				if strings.TrimSpace(output) != `{"type":"terminate"}` {
					t.Errorf("unexpected terminate frame: %s", output)
				}
			},
		},
		{
			name:    "outbound type on inbound channel",
			msg:     &Inbound{Type: TypeHeartbeat},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeInbound(JSON.NewEncoder(&buf), tt.msg)

			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeInbound() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeOutbound(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		check   func(t *testing.T, msg *Outbound)
	}{
		{
			name:  "success",
			input: `{"type":"execution-success","requestId":"r1","context":{"a":1},"result":{"status":200}}`,
			check: func(t *testing.T, msg *Outbound) {
				if msg.RequestID != "r1" || !msg.IsTerminal() {
					t.Errorf("unexpected message: %+v", msg)
				}
				if string(msg.Result) != `{"status":200}` {
					t.Errorf("result not preserved: %s", msg.Result)
				}
			},
		},
		{
			name:  "heartbeat",
			input: `{"type":"heartbeat"}`,
			check: func(t *testing.T, msg *Outbound) {
				if msg.IsTerminal() {
					t.Error("heartbeat must not settle a request")
				}
			},
		},
		{
			name:    "unknown type",
			input:   `{"type":"bogus"}`,
			wantErr: ErrUnknownMessageType,
		},
		{
			name:    "error without message",
			input:   `{"type":"execution-error","requestId":"r1"}`,
			wantErr: errors.New("any"),
		},
		{
			name:    "unknown field",
			input:   `{"type":"heartbeat","extra":true}`,
			wantErr: errors.New("any"),
		},
		{
			name:    "end of stream",
			input:   ``,
			wantErr: io.EOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeOutbound(JSON.NewDecoder(strings.NewReader(tt.input)))
			if tt.wantErr != nil {
				if err == nil {
					t.Fatalf("expected error, got %+v", msg)
				}
				if tt.wantErr == ErrUnknownMessageType || tt.wantErr == io.EOF {
					if !errors.Is(err, tt.wantErr) {
						t.Fatalf("expected %v, got %v", tt.wantErr, err)
					}
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeOutbound: %v", err)
			}
			tt.check(t, msg)
		})
	}
}

func TestCodecsRoundTripExecute(t *testing.T) {
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			enc := codec.NewEncoder(&buf)

			in := &Inbound{
				Type:             TypeExecute,
				RequestID:        "r1",
				Module:           "m",
				InvocationTarget: "onRequest",
				ContextType:      "rest",
				Context:          json.RawMessage(`{"request":{"method":"GET"}}`),
			}
			if err := EncodeInbound(enc, in); err != nil {
				t.Fatalf("EncodeInbound: %v", err)
			}
			if err := EncodeInbound(enc, &Inbound{Type: TypeTerminate}); err != nil {
				t.Fatalf("EncodeInbound terminate: %v", err)
			}

			dec := codec.NewDecoder(&buf)
			got, err := DecodeInbound(dec)
			if err != nil {
				t.Fatalf("DecodeInbound: %v", err)
			}
			if got.RequestID != "r1" || got.InvocationTarget != "onRequest" || got.ContextType != "rest" {
				t.Errorf("unexpected message: %+v", got)
			}
			if string(got.Context) != string(in.Context) {
				t.Errorf("context changed across the wire: %s", got.Context)
			}

			term, err := DecodeInbound(dec)
			if err != nil {
				t.Fatalf("DecodeInbound terminate: %v", err)
			}
			if term.Type != TypeTerminate {
				t.Errorf("expected terminate, got %q", term.Type)
			}

			if _, err := DecodeInbound(dec); !errors.Is(err, io.EOF) {
				t.Errorf("expected io.EOF at end of stream, got %v", err)
			}
		})
	}
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]string{"": "json", "json": "json", "cbor": "cbor"} {
		c, err := CodecByName(name)
		if err != nil {
			t.Fatalf("CodecByName(%q): %v", name, err)
		}
		if c.Name() != want {
			t.Errorf("CodecByName(%q) = %s, want %s", name, c.Name(), want)
		}
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Error("expected error for unsupported codec")
	}
}

func TestParseEvent(t *testing.T) {
	ev, err := NewEvent(EventConsole, ConsolePayload{Msg: "hi", Level: LevelWarn})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	var payload ConsolePayload
	if err := json.Unmarshal(parsed.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Msg != "hi" || payload.Level != LevelWarn {
		t.Errorf("unexpected payload: %+v", payload)
	}

	if _, err := ParseEvent([]byte(`{not json`)); err == nil {
		t.Error("expected parse error")
	}
	if _, err := ParseEvent([]byte(`{"type":"other","payload":{}}`)); !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("expected ErrUnknownMessageType, got %v", err)
	}
}
