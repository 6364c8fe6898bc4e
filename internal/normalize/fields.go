package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// fields is a decoded payload object whose keys are folded so that the
// engine's kebab-case ("snapshot-id"), snake_case and camelCase spellings
// all resolve to the same entry.
type fields map[string]json.RawMessage

func foldKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "-", "")
	return strings.ReplaceAll(k, "_", "")
}

func decodeFields(raw json.RawMessage) (fields, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("payload is empty")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	f := make(fields, len(m))
	for k, v := range m {
		f[foldKey(k)] = v
	}
	return f, nil
}

func (f fields) lookup(key string) (json.RawMessage, bool) {
	v, ok := f[foldKey(key)]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil, false
	}
	return v, true
}

func (f fields) has(key string) bool {
	_, ok := f.lookup(key)
	return ok
}

// int64 decodes an optional integer field.
func (f fields) int64(key string) (*int64, error) {
	raw, ok := f.lookup(key)
	if !ok {
		return nil, nil
	}
	n, err := parseInt(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &n, nil
}

// str decodes an optional string field.
func (f fields) str(key string) (string, error) {
	raw, ok := f.lookup(key)
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s: expected string", key)
	}
	return s, nil
}

// text decodes a field that may be a string or any JSON value; non-strings
// are returned in compact JSON form. Used for filter expressions.
func (f fields) text(key string) string {
	raw, ok := f.lookup(key)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// id decodes a snapshot id given either as a JSON number or a string.
func (f fields) id(key string) (string, error) {
	raw, ok := f.lookup(key)
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if _, err := strconv.ParseInt(s, 10, 64); err != nil {
			return "", fmt.Errorf("%s: %q is not an integer id", key, s)
		}
		return s, nil
	}
	n, err := parseInt(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", key, err)
	}
	return strconv.FormatInt(n, 10), nil
}

func (f fields) int64s(key string) ([]int64, error) {
	raw, ok := f.lookup(key)
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%s: expected array", key)
	}
	out := make([]int64, 0, len(items))
	for _, it := range items {
		n, err := parseInt(it)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (f fields) strings(key string) ([]string, error) {
	raw, ok := f.lookup(key)
	if !ok {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: expected array of strings", key)
	}
	return out, nil
}

// metadata decodes a flat object; non-string values keep their JSON text.
func (f fields) metadata(key string) (map[string]string, error) {
	raw, ok := f.lookup(key)
	if !ok {
		return nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%s: expected object", key)
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(bytes.TrimSpace(v))
	}
	return out, nil
}

// object decodes a nested object field into folded fields.
func (f fields) object(key string) (fields, error) {
	raw, ok := f.lookup(key)
	if !ok {
		return fields{}, nil
	}
	nested, err := decodeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return nested, nil
}

// counter decodes a metric counter: a bare number, {"value": n} or
// {"count": n}.
func (f fields) counter(key string) (*int64, error) {
	raw, ok := f.lookup(key)
	if !ok {
		return nil, nil
	}
	if n, err := parseInt(raw); err == nil {
		return &n, nil
	}
	obj, err := decodeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: expected number or counter object", key)
	}
	for _, k := range []string{"value", "count"} {
		if v, err := obj.int64(k); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		} else if v != nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%s: counter object has no value", key)
}

// timerMillis decodes a metric timer into milliseconds. Accepted forms: a
// bare number (already ms), an ISO-8601 duration string ("PT1.5S"), or
// {"total-duration": n, "time-unit": "nanoseconds"}.
func (f fields) timerMillis(key string) (*int64, error) {
	raw, ok := f.lookup(key)
	if !ok {
		return nil, nil
	}
	if n, err := parseInt(raw); err == nil {
		return &n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		d, err := parseISODuration(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		ms := d.Milliseconds()
		return &ms, nil
	}
	obj, err := decodeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: expected number or timer object", key)
	}
	if d, err := obj.str("totalDuration"); err == nil && d != "" {
		parsed, err := parseISODuration(d)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		ms := parsed.Milliseconds()
		return &ms, nil
	}
	total, err := obj.int64("totalDuration")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if total == nil {
		return nil, fmt.Errorf("%s: timer object has no total-duration", key)
	}
	unit, _ := obj.str("timeUnit")
	ms, err := toMillis(*total, unit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &ms, nil
}

func toMillis(v int64, unit string) (int64, error) {
	switch strings.ToLower(unit) {
	case "nanoseconds", "ns":
		return v / int64(time.Millisecond), nil
	case "microseconds", "us":
		return v / 1000, nil
	case "", "milliseconds", "ms":
		return v, nil
	case "seconds", "s":
		return v * 1000, nil
	case "minutes":
		return v * 60_000, nil
	case "hours":
		return v * 3_600_000, nil
	case "days":
		return v * 86_400_000, nil
	default:
		return 0, fmt.Errorf("unknown time unit %q", unit)
	}
}

// parseISODuration handles the PT..H..M..S subset emitted for timers.
func parseISODuration(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "PT") || len(s) < 3 {
		return 0, fmt.Errorf("unsupported duration %q", s)
	}
	goForm := strings.ToLower(s[2:])
	d, err := time.ParseDuration(goForm)
	if err != nil {
		return 0, fmt.Errorf("unsupported duration %q", s)
	}
	return d, nil
}

// parseInt accepts JSON integers, and floats with no fractional part
// (some reporters serialize counters as 1.0).
func parseInt(raw json.RawMessage) (int64, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var num json.Number
	if err := dec.Decode(&num); err != nil {
		return 0, fmt.Errorf("expected integer")
	}
	if n, err := num.Int64(); err == nil {
		return n, nil
	}
	fl, err := num.Float64()
	if err != nil || fl != math.Trunc(fl) || math.Abs(fl) > math.MaxInt64 {
		return 0, fmt.Errorf("expected integer, got %s", num.String())
	}
	return int64(fl), nil
}
