package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/niports/tracking-relay/pkg/protocol"
)

// Event names carried in the envelope.
const (
	EventStatus = "status"
	EventUpdate = "update"
	EventError  = "error"
	EventTrack  = "track"
)

const (
	messageConnected      = "connected"
	messageAddressChanged = "relay network address changed"
	messageInvalidRequest = "invalid request"
)

// Envelope frames every message on the push channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Status announces the relay's network address.
type Status struct {
	Message string `json:"message"`
	Address string `json:"address"`
	Changed bool   `json:"changed"`
}

// Update answers a track request.
type Update struct {
	Changed bool                `json:"changed"`
	Count   int                 `json:"count"`
	Data    []protocol.Position `json:"data"`
}

// ErrorMessage reports a failed request. Context echoes the request data when available.
type ErrorMessage struct {
	Message string          `json:"message"`
	Context json.RawMessage `json:"context,omitempty"`
}

// TrackRequest asks for the cached positions of a set of devices.
type TrackRequest struct {
	DeviceIDs []string `json:"deviceIds"`
}

// UnmarshalJSON accepts either an object with a device id list or a bare list of ids.
func (t *TrackRequest) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err == nil {
		t.DeviceIDs = ids
		return nil
	}
	var obj struct {
		DeviceIDs []string `json:"deviceIds"`
		SnakeCase []string `json:"device_ids"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.DeviceIDs = obj.DeviceIDs
	if t.DeviceIDs == nil {
		t.DeviceIDs = obj.SnakeCase
	}
	return nil
}

// normalize drops blank ids.
func (t *TrackRequest) normalize() {
	ids := t.DeviceIDs[:0]
	for _, id := range t.DeviceIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	t.DeviceIDs = ids
}

func encode(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Envelope{Event: event, Data: data})
}

// decodeTrack parses a client envelope into a TrackRequest. The returned raw data is the request
// payload to echo in error replies.
func decodeTrack(raw []byte) (TrackRequest, json.RawMessage, error) {
	var req TrackRequest
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return req, nil, fmt.Errorf("%s: %w", messageInvalidRequest, err)
	}
	if env.Event != EventTrack {
		return req, env.Data, fmt.Errorf("%s: unsupported event %q", messageInvalidRequest, env.Event)
	}
	if len(env.Data) == 0 {
		return req, nil, protocol.ErrEmptyQuery
	}
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return req, env.Data, fmt.Errorf("%s: %w", messageInvalidRequest, err)
	}
	req.normalize()
	if len(req.DeviceIDs) == 0 {
		return req, env.Data, protocol.ErrEmptyQuery
	}
	return req, env.Data, nil
}
