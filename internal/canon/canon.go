// Package canon implements the canonical JSON encoding that spec §6
// designates the single normative interop surface: sorted object keys,
// UTF-8, no insignificant whitespace, no NaN/±Infinity, no unpaired
// surrogates, numbers in their shortest round-trip decimal form. The
// chain hash in every session log is computed over this form, so two
// implementations that agree on canon.Marshal agree on every hash.
//
// No JSON-canonicalization library turned up anywhere in the retrieval
// pack (nor a CBOR-deterministic-encoding one wired to JSON transport),
// so this is built directly on encoding/json: one decode pass with
// json.Number preserved for exactness, one hand-written recursive
// writer that sorts map keys. That is the standard-library fallback the
// top-level instructions ask to be justified, not avoided by force.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"
)

// Marshal renders v (anything encoding/json can marshal, typically a
// struct with `json:"..."` tags or a map[string]any) into canonical
// form.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize re-renders an arbitrary JSON document into canonical
// form, validating the no-NaN/no-surrogate constraints along the way.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeNumber(buf, x)
	case string:
		return writeString(buf, x)
	case []any:
		return writeArray(buf, x)
	case map[string]any:
		return writeObject(buf, x)
	default:
		return fmt.Errorf("canon: unsupported value type %T", v)
	}
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canon: invalid number %q: %w", n, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canon: NaN/Infinity is not representable")
	}
	s := string(n)
	// An integer-valued number without exponent/fraction is already in
	// shortest round-trip form (e.g. "42", "-7"). Anything else we
	// re-render through strconv to collapse redundant digits (e.g.
	// "1.50" -> "1.5", "1e2" -> "100").
	if isPlainInteger(s) {
		buf.WriteString(s)
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

func isPlainInteger(s string) bool {
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	if i == len(s) {
		return false
	}
	for ; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func writeString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("canon: invalid UTF-8 in string")
	}
	for _, r := range s {
		if utf16.IsSurrogate(r) {
			return fmt.Errorf("canon: unpaired surrogate in string")
		}
	}
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canon: string escape: %w", err)
	}
	buf.Write(encoded)
	return nil
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
