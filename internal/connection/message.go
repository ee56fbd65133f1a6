package connection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
)

// Error sentinel types delivered in place of a stream message.
const (
	ErrorTypeQueueOverflow   = "BinanceWebsocketQueueOverflow"
	ErrorTypeUnableToConnect = "BinanceWebsocketUnableToConnect"
	ErrorTypeClosed          = "BinanceWebsocketClosed"
)

// Message is a decoded frame. Numbers are kept as json.Number.
type Message map[string]any

// ErrorMessage builds an error sentinel message.
func ErrorMessage(kind, text string) Message {
	return Message{"e": "error", "type": kind, "m": text}
}

// IsError reports whether m is an error sentinel.
func (m Message) IsError() bool {
	e, _ := m["e"].(string)
	return e == "error"
}

// ErrorType returns the sentinel type, or "" if m is not an error sentinel.
func (m Message) ErrorType() string {
	if !m.IsError() {
		return ""
	}
	t, _ := m["type"].(string)
	return t
}

// Key returns field as a string key. Strings are returned as-is and numbers in
// their exact textual form.
func (m Message) Key(field string) (string, bool) {
	return KeyOf(m[field])
}

// KeyOf converts a decoded scalar id into its string key.
func KeyOf(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		return id.String(), true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	}
	return "", false
}

// Decode turns a raw frame into a Message. Binary frames are gunzipped first.
// Payloads that are not JSON objects are wrapped as {"data": payload}.
func Decode(frameType int, data []byte) (Message, error) {
	if frameType == websocket.BinaryMessage {
		raw, err := gunzip(data)
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
		data = raw
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	if obj, ok := v.(map[string]any); ok {
		return Message(obj), nil
	}
	return Message{"data": v}, nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
