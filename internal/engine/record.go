package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// State is the stored record of a state id.
type State struct {
	Val    any    `json:"val"`
	Ack    bool   `json:"ack"`
	TS     int64  `json:"ts"`
	LC     int64  `json:"lc"`
	From   string `json:"from,omitempty"`
	Expire *int64 `json:"expire,omitempty"`
	Binary []byte `json:"binary,omitempty"`
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Val = cloneValue(s.Val)
	if s.Expire != nil {
		left := *s.Expire
		out.Expire = &left
	}
	if s.Binary != nil {
		out.Binary = append([]byte(nil), s.Binary...)
	}
	return &out
}

// StateUpdate is a partial state record. Unset fields fall back to the rules
// of SetState.
type StateUpdate struct {
	Val    any
	HasVal bool
	Ack    *bool
	TS     *int64
	LC     *int64
	From   string
	// Expire is a TTL in seconds; zero means none.
	Expire float64
}

// Value wraps a bare value as an update.
func Value(v any) StateUpdate {
	return StateUpdate{Val: v, HasVal: true}
}

// ParseStateUpdate decodes a write argument. A JSON object is a partial
// record; any other JSON value (null, scalars, arrays) is a bare value.
func ParseStateUpdate(raw json.RawMessage) (StateUpdate, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return StateUpdate{}, invalidArgument("missing state")
	}
	if raw[0] != '{' {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return StateUpdate{}, invalidArgument("decode state: %v", err)
		}
		return Value(v), nil
	}
	var fields struct {
		Val    json.RawMessage `json:"val"`
		Ack    *bool           `json:"ack"`
		TS     *float64        `json:"ts"`
		LC     *float64        `json:"lc"`
		From   *string         `json:"from"`
		Expire *float64        `json:"expire"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return StateUpdate{}, invalidArgument("decode state: %v", err)
	}
	var u StateUpdate
	if fields.Val != nil {
		if err := json.Unmarshal(fields.Val, &u.Val); err != nil {
			return StateUpdate{}, invalidArgument("decode state val: %v", err)
		}
		u.HasVal = true
	}
	u.Ack = fields.Ack
	if fields.TS != nil {
		ts := int64(math.Round(*fields.TS))
		u.TS = &ts
	}
	if fields.LC != nil {
		lc := int64(math.Round(*fields.LC))
		u.LC = &lc
	}
	if fields.From != nil {
		u.From = *fields.From
	}
	if fields.Expire != nil {
		u.Expire = *fields.Expire
	}
	return u, nil
}

// Message is one message box entry.
type Message struct {
	ID      int64 `json:"_id"`
	Payload any   `json:"payload"`
}

// Session is an ephemeral record with a countdown.
type Session struct {
	Payload any `json:"payload"`
	// Expire is the remaining lifetime in milliseconds.
	Expire int64 `json:"expire"`
}

// unixSeconds rounds to the nearest second.
func unixSeconds(t time.Time) int64 {
	return (t.UnixMilli() + 500) / 1000
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// valuesEqual compares scalars with == and structured values by their JSON
// encoding.
func valuesEqual(a, b any) bool {
	if isScalar(a) && isScalar(b) {
		return a == b
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string, json.Number,
		float32, float64,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

// cloneValue copies the containers produced by JSON decoding so callers
// never alias stored values.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

func cloneObject(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return cloneValue(m).(map[string]any)
}

func cloneList(list []any) []any {
	if list == nil {
		return nil
	}
	return cloneValue(list).([]any)
}

func describe(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
