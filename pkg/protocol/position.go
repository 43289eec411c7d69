package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Position is the latest known fix of one tracked device.
//
// Upstream payloads name fields inconsistently across account types, so decoding accepts a few
// aliases for each normalized field. Fields the relay does not interpret are kept verbatim in
// Extra and re-emitted when the Position is encoded, so clients see the provider's auxiliary data
// (speed, course, status strings, ...) unchanged.
type Position struct {
	DeviceID  string
	Latitude  float64
	Longitude float64
	Timestamp time.Time
	Extra     map[string]json.RawMessage
}

var (
	deviceIDKeys  = []string{"deviceid", "deviceId", "device_id"}
	latitudeKeys  = []string{"lat", "latitude", "callat"}
	longitudeKeys = []string{"lng", "lon", "longitude", "callon"}
	timeKeys      = []string{"updatetime", "timestamp", "gpstime", "validpoistiontime"}
)

const (
	keyDeviceID  = "deviceid"
	keyLatitude  = "lat"
	keyLongitude = "lng"
	keyTimestamp = "timestamp"
)

// take removes the first present alias from fields and returns its value.
func take(fields map[string]json.RawMessage, aliases []string) (json.RawMessage, bool) {
	var found json.RawMessage
	ok := false
	for _, k := range aliases {
		if v, present := fields[k]; present {
			if !ok {
				found, ok = v, true
			}
			delete(fields, k)
		}
	}
	return found, ok
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func decodeFloat(raw json.RawMessage) (float64, error) {
	if bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// decodeTime accepts epoch milliseconds, epoch seconds or an RFC 3339 string.
func decodeTime(raw json.RawMessage) (time.Time, error) {
	if bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return decodeTime(json.RawMessage(strconv.FormatInt(n, 10)))
	}
	return time.Parse(time.RFC3339, s)
}

func (p *Position) UnmarshalJSON(data []byte) error {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	raw, ok := take(fields, deviceIDKeys)
	if !ok {
		return fmt.Errorf("position record has no device id")
	}
	id, err := decodeString(raw)
	if err != nil || id == "" {
		return fmt.Errorf("position record has invalid device id %s", raw)
	}

	var pos Position
	pos.DeviceID = id
	if raw, ok := take(fields, latitudeKeys); ok {
		if pos.Latitude, err = decodeFloat(raw); err != nil {
			return fmt.Errorf("device %s: invalid latitude: %w", id, err)
		}
	}
	if raw, ok := take(fields, longitudeKeys); ok {
		if pos.Longitude, err = decodeFloat(raw); err != nil {
			return fmt.Errorf("device %s: invalid longitude: %w", id, err)
		}
	}
	if raw, ok := take(fields, timeKeys); ok {
		if pos.Timestamp, err = decodeTime(raw); err != nil {
			return fmt.Errorf("device %s: invalid timestamp: %w", id, err)
		}
	}
	if len(fields) > 0 {
		pos.Extra = fields
	}
	*p = pos
	return nil
}

func (p Position) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Extra)+4)
	for k, v := range p.Extra {
		out[k] = v
	}
	out[keyDeviceID] = p.DeviceID
	out[keyLatitude] = p.Latitude
	out[keyLongitude] = p.Longitude
	if !p.Timestamp.IsZero() {
		out[keyTimestamp] = p.Timestamp.UnixMilli()
	}
	return json.Marshal(out)
}

// DecodePositions parses a lastposition response body. The upstream either returns the list
// directly or wraps it in an object under "data" (older accounts use "records"). An empty body,
// null, or a missing list is a valid empty fleet.
func DecodePositions(body []byte) ([]Position, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	switch body[0] {
	case '[':
		var list []Position
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, err
		}
		return list, nil
	case '{':
		var wrapper struct {
			Data    []Position `json:"data"`
			Records []Position `json:"records"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, err
		}
		if wrapper.Data != nil {
			return wrapper.Data, nil
		}
		return wrapper.Records, nil
	}
	return nil, fmt.Errorf("unexpected payload starting with %q", body[0])
}
