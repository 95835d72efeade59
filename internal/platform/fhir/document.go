package fhir

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Document is one untyped FHIR resource as decoded from JSON. Values are the
// shapes produced by encoding/json: nil, bool, float64 (or json.Number),
// string, []interface{} and map[string]interface{}.
type Document map[string]interface{}

// ValueKind classifies a decoded JSON value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
	KindInvalid
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "invalid"
}

// KindOf reports the JSON shape of v.
func KindOf(v interface{}) ValueKind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64, float32, int, int64, int32, json.Number:
		return KindNumber
	case string:
		return KindString
	case []interface{}:
		return KindArray
	case map[string]interface{}, Document:
		return KindObject
	}
	return KindInvalid
}

// ParseDocument decodes a single JSON resource.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode resource: not a JSON object")
	}
	return doc, nil
}

// ID returns the resource id, or "" when absent.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// ResourceType returns the resourceType element, or "" when absent.
func (d Document) ResourceType() string {
	rt, _ := d["resourceType"].(string)
	return rt
}

// Str returns the string element at key, or "" when absent or not a string.
func (d Document) Str(key string) string {
	s, _ := d[key].(string)
	return s
}

// Object returns the object element at key. ok is false when the key is
// absent; err is set when the key holds something other than an object.
func (d Document) Object(key string) (obj Document, ok bool, err error) {
	v, present := d[key]
	if !present || v == nil {
		return nil, false, nil
	}
	m, isObj := AsObject(v)
	if !isObj {
		return nil, true, fmt.Errorf("%s: expected object, got %s", key, KindOf(v))
	}
	return m, true, nil
}

// Array returns the array element at key. ok is false when the key is absent;
// err is set when the key holds something other than an array.
func (d Document) Array(key string) (arr []interface{}, ok bool, err error) {
	v, present := d[key]
	if !present || v == nil {
		return nil, false, nil
	}
	a, isArr := v.([]interface{})
	if !isArr {
		return nil, true, fmt.Errorf("%s: expected array, got %s", key, KindOf(v))
	}
	return a, true, nil
}

// AsObject converts an object-shaped value into a Document.
func AsObject(v interface{}) (Document, bool) {
	switch m := v.(type) {
	case Document:
		return m, true
	case map[string]interface{}:
		return Document(m), true
	}
	return nil, false
}

// AsNumber converts a number-shaped value to float64.
func AsNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// IsEmpty reports whether a value carries no data: null, "", [] or {}.
func IsEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	case Document:
		return len(t) == 0
	}
	return false
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
