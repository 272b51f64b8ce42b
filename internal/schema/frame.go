package schema

import (
	json "github.com/goccy/go-json"
)

// Frame is the wire envelope carried on the realtime channel: one JSON frame
// per message, no batching.
type Frame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeFrame marshals a frame with an arbitrary payload value.
func EncodeFrame(topic string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Topic: topic, Payload: raw})
}

// DecodeFrame parses a wire frame. A frame with an empty topic is rejected by
// returning ok=false; the channel treats it as noise, not an error.
func DecodeFrame(data []byte) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, false
	}
	if f.Topic == "" {
		return Frame{}, false
	}
	return f, true
}
