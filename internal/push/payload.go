// Package push turns push payloads into shown notifications and routes
// interactions on them back to the application's windows.
package push

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// Action is a button offered on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Payload is the notification descriptor a push message decodes into. Every
// field is optional.
type Payload struct {
	Title              string
	Body               string
	Icon               string
	Badge              string
	Image              string
	Vibrate            []int
	Data               map[string]any
	Actions            []Action
	Tag                string
	Renotify           *bool
	RequireInteraction *bool
	Silent             *bool
	Timestamp          int64

	// Notification carries FCM-shaped title/body, used when the top-level
	// fields are absent.
	Notification *struct {
		Title string
		Body  string
	}
}

// Options mirrors the display options of a shown notification.
type Options struct {
	Body               string         `json:"body,omitempty"`
	Icon               string         `json:"icon,omitempty"`
	Badge              string         `json:"badge,omitempty"`
	Image              string         `json:"image,omitempty"`
	Vibrate            []int          `json:"vibrate,omitempty"`
	Data               map[string]any `json:"data"`
	Actions            []Action       `json:"actions"`
	Tag                string         `json:"tag,omitempty"`
	Renotify           bool           `json:"renotify"`
	RequireInteraction bool           `json:"requireInteraction"`
	Silent             bool           `json:"silent"`
	Timestamp          int64          `json:"timestamp,omitempty"`
}

// Notification is a shown notification.
type Notification struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Options Options   `json:"options"`
	ShownAt time.Time `json:"shownAt"`
}

// Defaults fill in whatever a payload leaves out.
type Defaults struct {
	Title   string
	Body    string
	Icon    string
	Badge   string
	Tag     string
	Vibrate []int
}

// DefaultVibrate is vibrate 200ms, pause 100ms, vibrate 200ms.
var DefaultVibrate = []int{200, 100, 200}

func (d Defaults) withFallbacks() Defaults {
	if d.Tag == "" {
		d.Tag = "default"
	}
	if len(d.Vibrate) == 0 {
		d.Vibrate = DefaultVibrate
	}
	if d.Badge == "" {
		d.Badge = d.Icon
	}
	return d
}

var errNotObject = errors.New("not a JSON object")

type rawFields map[string]json.RawMessage

// parsePayload decodes a notification descriptor field by field. Only a
// payload that is not a JSON object fails; a field of an unexpected type is
// treated as absent.
func parsePayload(b []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Payload{}, errNotObject
	}
	var f rawFields
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Payload{}, err
	}

	p := Payload{
		Title:              f.str("title"),
		Body:               f.str("body"),
		Icon:               f.str("icon"),
		Badge:              f.str("badge"),
		Image:              f.str("image"),
		Vibrate:            f.vibrate("vibrate"),
		Data:               f.object("data"),
		Actions:            f.actions("actions"),
		Tag:                f.str("tag"),
		Renotify:           f.truthy("renotify"),
		RequireInteraction: f.truthy("requireInteraction"),
		Silent:             f.truthy("silent"),
		Timestamp:          f.millis("timestamp"),
	}
	if nested := f.fields("notification"); nested != nil {
		p.Notification = &struct {
			Title string
			Body  string
		}{Title: nested.str("title"), Body: nested.str("body")}
	}
	return p, nil
}

func (f rawFields) value(key string) any {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

// str accepts strings and numbers.
func (f rawFields) str(key string) string {
	switch v := f.value(key).(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}

// truthy reads a flag the way a loosely typed producer means it: numbers and
// strings count by their zero value. null and other types are absent.
func (f rawFields) truthy(key string) *bool {
	var b bool
	switch v := f.value(key).(type) {
	case bool:
		b = v
	case json.Number:
		n, err := v.Float64()
		b = err == nil && n != 0
	case string:
		b = v != "" && !strings.EqualFold(v, "false") && v != "0"
	default:
		return nil
	}
	return &b
}

func toInt(n json.Number) (int64, bool) {
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	fl, err := n.Float64()
	if err != nil || math.IsNaN(fl) || math.IsInf(fl, 0) {
		return 0, false
	}
	return int64(math.Round(fl)), true
}

// vibrate accepts a pattern array or a single duration. A pattern with a
// non-numeric element is dropped.
func (f rawFields) vibrate(key string) []int {
	switch v := f.value(key).(type) {
	case json.Number:
		if n, ok := toInt(v); ok && n > 0 {
			return []int{int(n)}
		}
	case []any:
		out := make([]int, 0, len(v))
		for _, e := range v {
			num, ok := e.(json.Number)
			if !ok {
				return nil
			}
			n, ok := toInt(num)
			if !ok || n < 0 {
				return nil
			}
			out = append(out, int(n))
		}
		return out
	}
	return nil
}

// millis accepts integer, fractional and numeric string timestamps.
// Non-positive values are absent.
func (f rawFields) millis(key string) int64 {
	var n int64
	switch v := f.value(key).(type) {
	case json.Number:
		n, _ = toInt(v)
	case string:
		if fl, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && !math.IsNaN(fl) && !math.IsInf(fl, 0) {
			n = int64(math.Round(fl))
		}
	}
	if n <= 0 {
		return 0
	}
	return n
}

func (f rawFields) object(key string) map[string]any {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func (f rawFields) fields(key string) rawFields {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	var nested rawFields
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil
	}
	return nested
}

// actions keeps every element that is an object with an action token.
func (f rawFields) actions(key string) []Action {
	raw, ok := f[key]
	if !ok {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}
	out := make([]Action, 0, len(elems))
	for _, e := range elems {
		var a rawFields
		if err := json.Unmarshal(e, &a); err != nil || a == nil {
			continue
		}
		act := Action{Action: a.str("action"), Title: a.str("title"), Icon: a.str("icon")}
		if act.Action == "" {
			continue
		}
		out = append(out, act)
	}
	return out
}
