package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Param is one key/value pair of an intent's parameters.
type Param struct {
	Key   string
	Value any
}

// Parameters is an insertion-ordered key/value mapping. It encodes as a JSON
// object whose keys keep their insertion order.
type Parameters []Param

// Get returns the value stored under key.
func (p Parameters) Get(key string) (any, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// Has reports whether key is present with a non-empty value.
func (p Parameters) Has(key string) bool {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}

// String returns the value under key formatted as a string.
func (p Parameters) String(key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprint(t), true
	}
}

// Set replaces the value for key, or appends it when absent.
func (p Parameters) Set(key string, value any) Parameters {
	for i := range p {
		if p[i].Key == key {
			p[i].Value = value
			return p
		}
	}
	return append(p, Param{Key: key, Value: value})
}

// Keys lists the keys in insertion order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for _, kv := range p {
		keys = append(keys, kv.Key)
	}
	return keys
}

// Clone returns a copy that shares no backing array with p.
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	copy(out, p)
	return out
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", kv.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Parameters) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("parameters: expected object, got %v", tok)
	}
	out := Parameters{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("parameters: expected key, got %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("parameter %q: %w", key, err)
		}
		out = append(out, Param{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}
