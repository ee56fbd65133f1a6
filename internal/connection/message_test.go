package connection

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
)

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestDecode_Text(t *testing.T) {
	msg, err := Decode(websocket.TextMessage, []byte(`{"e":"trade","s":"BTCUSDT","t":12345678901234567}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if msg["e"] != "trade" {
		t.Errorf("e = %v, want trade", msg["e"])
	}
	id, ok := msg.Key("t")
	if !ok || id != "12345678901234567" {
		t.Errorf("Key(t) = %q, %v; want exact number text", id, ok)
	}
}

func TestDecode_GzipBinary(t *testing.T) {
	frame := gzipBytes(t, []byte(`{"stream":"btcusdt@depth","data":{"u":1}}`))

	msg, err := Decode(websocket.BinaryMessage, frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg["stream"] != "btcusdt@depth" {
		t.Errorf("stream = %v, want btcusdt@depth", msg["stream"])
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name      string
		frameType int
		data      []byte
	}{
		{"invalid json", websocket.TextMessage, []byte(`{"e":`)},
		{"binary not gzip", websocket.BinaryMessage, []byte(`{"e":"x"}`)},
		{"gzip of garbage", websocket.BinaryMessage, gzipBytes(t, []byte("not json"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.frameType, tt.data); err == nil {
				t.Error("Decode succeeded, want error")
			}
		})
	}
}

func TestDecode_ArrayWrapped(t *testing.T) {
	msg, err := Decode(websocket.TextMessage, []byte(`[{"s":"BTCUSDT"},{"s":"ETHUSDT"}]`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	arr, ok := msg["data"].([]any)
	if !ok || len(arr) != 2 {
		t.Errorf("data = %#v, want 2-element array", msg["data"])
	}
}

func TestErrorMessage(t *testing.T) {
	msg := ErrorMessage(ErrorTypeUnableToConnect, "max reconnections 5 reached")

	if !msg.IsError() {
		t.Error("IsError() = false, want true")
	}
	if msg.ErrorType() != ErrorTypeUnableToConnect {
		t.Errorf("ErrorType() = %q, want %q", msg.ErrorType(), ErrorTypeUnableToConnect)
	}
	if (Message{"e": "kline"}).IsError() {
		t.Error("stream message reported as error")
	}
}

func TestKeyOf(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{"abc", "abc", true},
		{"", "", false},
		{json.Number("42"), "42", true},
		{float64(7), "7", true},
		{int64(9), "9", true},
		{nil, "", false},
		{[]any{}, "", false},
	}

	for _, tt := range tests {
		got, ok := KeyOf(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("KeyOf(%#v) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
