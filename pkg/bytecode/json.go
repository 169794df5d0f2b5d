package bytecode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

// VM values are strings; arrays and objects are carried as JSON text.

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxArrayLength bounds the arrays a program can build. Stores and pushes
// past it raise IndexError.
const MaxArrayLength = 1 << 16

// toRaw converts a VM value to a JSON element. Nil becomes null, integers and
// booleans stay bare, embedded arrays and objects are kept as JSON, anything
// else is a JSON string.
func toRaw(s string) jsoniter.RawMessage {
	switch {
	case s == "":
		return jsoniter.RawMessage("null")
	case s == "true" || s == "false":
		return jsoniter.RawMessage(s)
	}
	if _, err := strconv.Atoi(s); err == nil {
		return jsoniter.RawMessage(s)
	}
	if t := strings.TrimSpace(s); (strings.HasPrefix(t, "[") || strings.HasPrefix(t, "{")) && json.Valid([]byte(t)) {
		return jsoniter.RawMessage(t)
	}
	b, _ := json.Marshal(s)
	return b
}

// fromRaw converts a JSON element back to a VM value.
func fromRaw(raw jsoniter.RawMessage) string {
	t := strings.TrimSpace(string(raw))
	switch {
	case t == "null" || t == "":
		return ""
	case strings.HasPrefix(t, `"`):
		var s string
		if err := json.Unmarshal([]byte(t), &s); err == nil {
			return s
		}
	}
	return t
}

func decodeArray(arr string) ([]jsoniter.RawMessage, error) {
	if strings.TrimSpace(arr) == "" {
		return nil, nil
	}
	var elems []jsoniter.RawMessage
	if err := json.Unmarshal([]byte(arr), &elems); err != nil {
		return nil, fmt.Errorf("not a JSON array: %q", truncate(arr, 32))
	}
	return elems, nil
}

func encodeArray(elems []jsoniter.RawMessage) (string, error) {
	if elems == nil {
		elems = []jsoniter.RawMessage{}
	}
	b, err := json.Marshal(elems)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeObject(obj string) (map[string]jsoniter.RawMessage, error) {
	m := make(map[string]jsoniter.RawMessage)
	if strings.TrimSpace(obj) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(obj), &m); err != nil {
		return nil, fmt.Errorf("not a JSON object: %q", truncate(obj, 32))
	}
	return m, nil
}

func encodeObject(m map[string]jsoniter.RawMessage) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sortedKeys(m map[string]jsoniter.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeIndex maps negative indexes from the end, Ruby style.
func normalizeIndex(idx, length int) int {
	if idx < 0 {
		return length + idx
	}
	return idx
}

func jsonArrayPush(arr, value string) (string, error) {
	elems, err := decodeArray(arr)
	if err != nil {
		return "", err
	}
	if len(elems) >= MaxArrayLength {
		return "", NewError(ClassIndex, "array length %d exceeds maximum %d", len(elems)+1, MaxArrayLength)
	}
	return encodeArray(append(elems, toRaw(value)))
}

func jsonArrayAt(arr string, idx int) (string, error) {
	elems, err := decodeArray(arr)
	if err != nil {
		return "", err
	}
	idx = normalizeIndex(idx, len(elems))
	if idx < 0 || idx >= len(elems) {
		return "", nil
	}
	return fromRaw(elems[idx]), nil
}

// jsonArrayAtPut stores value at idx, padding with nulls past the end.
func jsonArrayAtPut(arr string, idx int, value string) (string, error) {
	elems, err := decodeArray(arr)
	if err != nil {
		return "", err
	}
	idx = normalizeIndex(idx, len(elems))
	if idx < 0 {
		return "", NewError(ClassIndex, "index %d too small for array; minimum: -%d", idx-len(elems), len(elems))
	}
	if idx >= MaxArrayLength {
		return "", NewError(ClassIndex, "index %d too big; maximum: %d", idx, MaxArrayLength-1)
	}
	for len(elems) <= idx {
		elems = append(elems, jsoniter.RawMessage("null"))
	}
	elems[idx] = toRaw(value)
	return encodeArray(elems)
}

func jsonArrayLen(arr string) (int, error) {
	elems, err := decodeArray(arr)
	return len(elems), err
}

func jsonArrayRemove(arr string, idx int) (string, error) {
	elems, err := decodeArray(arr)
	if err != nil {
		return "", err
	}
	idx = normalizeIndex(idx, len(elems))
	if idx < 0 || idx >= len(elems) {
		return encodeArray(elems)
	}
	return encodeArray(append(elems[:idx], elems[idx+1:]...))
}

func jsonObjectAt(obj, key string) (string, error) {
	m, err := decodeObject(obj)
	if err != nil {
		return "", err
	}
	return fromRaw(m[key]), nil
}

func jsonObjectAtPut(obj, key, value string) (string, error) {
	m, err := decodeObject(obj)
	if err != nil {
		return "", err
	}
	m[key] = toRaw(value)
	return encodeObject(m)
}

func jsonObjectHasKey(obj, key string) (bool, error) {
	m, err := decodeObject(obj)
	if err != nil {
		return false, err
	}
	_, ok := m[key]
	return ok, nil
}

func jsonObjectKeys(obj string) (string, error) {
	m, err := decodeObject(obj)
	if err != nil {
		return "", err
	}
	keys := sortedKeys(m)
	elems := make([]jsoniter.RawMessage, len(keys))
	for i, k := range keys {
		b, _ := json.Marshal(k)
		elems[i] = b
	}
	return encodeArray(elems)
}

func jsonObjectValues(obj string) (string, error) {
	m, err := decodeObject(obj)
	if err != nil {
		return "", err
	}
	keys := sortedKeys(m)
	elems := make([]jsoniter.RawMessage, len(keys))
	for i, k := range keys {
		elems[i] = m[k]
	}
	return encodeArray(elems)
}

func jsonObjectRemove(obj, key string) (string, error) {
	m, err := decodeObject(obj)
	if err != nil {
		return "", err
	}
	delete(m, key)
	return encodeObject(m)
}

func jsonObjectLen(obj string) (int, error) {
	m, err := decodeObject(obj)
	return len(m), err
}

// truncate returns the first n runes of s, with "..." if truncated.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := 0
	for i := range s {
		if runes == n {
			return s[:i] + "..."
		}
		runes++
	}
	return s
}
