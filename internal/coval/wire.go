package coval

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"cojson/internal/causal"
	"cojson/internal/crdt"
	"cojson/internal/id"
)

// wireChange is the on-the-wire shape of one entry in a transaction's
// Changes array, shared across the four kinds since only the fields a
// given op needs are populated. Kind-specific decoders pick the fields
// they recognize and ignore the rest.
type wireChange struct {
	Op      string          `json:"op"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	After   string          `json:"after,omitempty"`
	Before  string          `json:"before,omitempty"`
	Pos     string          `json:"pos,omitempty"`
	Targets []string        `json:"targets,omitempty"`
	Text    string          `json:"text,omitempty"`
	Anchor  string          `json:"anchor,omitempty"`
	Side    string          `json:"side,omitempty"`
	Chunk   string          `json:"chunk,omitempty"` // base64, "push" only
}

func unmarshalChanges(raw json.RawMessage) ([]wireChange, error) {
	var out []wireChange
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("coval: decode changes: %w", err)
	}
	return out, nil
}

// posID mints the position identifier for the seq'th op of a
// transaction — the transaction ID itself for a single-op transaction,
// suffixed for a multi-op one (e.g. an expanded "ins" run), per §4.6's
// "position identifier = the transaction ID that introduced it".
func posID(txID id.TransactionID, seq int) string {
	if seq == 0 {
		return txID.String()
	}
	return fmt.Sprintf("%s#%d", txID, seq)
}

// changedMapKeys returns the keys a comap-shaped change list touches,
// used by permission validation to decide whether a transaction needs
// admin (it touches a membership key) or only writer.
func changedMapKeys(raw json.RawMessage) ([]string, error) {
	changes, err := unmarshalChanges(raw)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(changes))
	for _, c := range changes {
		if c.Key != "" {
			keys = append(keys, c.Key)
		}
	}
	return keys, nil
}

func decodeMapOps(txID id.TransactionID, at causal.CausalKey, raw json.RawMessage) ([]crdt.MapOp, error) {
	changes, err := unmarshalChanges(raw)
	if err != nil {
		return nil, err
	}
	out := make([]crdt.MapOp, 0, len(changes))
	for _, c := range changes {
		switch c.Op {
		case "set":
			out = append(out, crdt.MapOp{Op: "set", Key: c.Key, Value: c.Value, At: at})
		case "del":
			out = append(out, crdt.MapOp{Op: "del", Key: c.Key, At: at})
		default:
			return nil, fmt.Errorf("coval: comap: unknown op %q", c.Op)
		}
	}
	return out, nil
}

func decodeListOps(txID id.TransactionID, at causal.CausalKey, raw json.RawMessage) ([]crdt.ListOp, error) {
	changes, err := unmarshalChanges(raw)
	if err != nil {
		return nil, err
	}
	var out []crdt.ListOp
	seq := 0
	for _, c := range changes {
		switch c.Op {
		case "app":
			out = append(out, crdt.ListOp{Op: "app", ID: posID(txID, seq), Anchor: anchorOrDefault(c.After), Value: c.Value, At: at})
			seq++
		case "pre":
			out = append(out, crdt.ListOp{Op: "pre", ID: posID(txID, seq), Anchor: anchorOrDefault(c.Before), Value: c.Value, At: at})
			seq++
		case "del":
			for _, target := range deleteTargets(c) {
				out = append(out, crdt.ListOp{Op: "del", Target: target, At: at})
			}
		default:
			return nil, fmt.Errorf("coval: colist: unknown op %q", c.Op)
		}
	}
	return out, nil
}

func anchorOrDefault(a string) string {
	if a == "" {
		return crdt.AnchorEnd
	}
	return a
}

func deleteTargets(c wireChange) []string {
	if len(c.Targets) > 0 {
		return c.Targets
	}
	if c.Pos != "" {
		return []string{c.Pos}
	}
	return nil
}

func decodeStreamOps(at causal.CausalKey, raw json.RawMessage) ([]crdt.StreamOp, error) {
	changes, err := unmarshalChanges(raw)
	if err != nil {
		return nil, err
	}
	out := make([]crdt.StreamOp, 0, len(changes))
	for _, c := range changes {
		switch c.Op {
		case "set", "start", "end":
			out = append(out, crdt.StreamOp{Op: c.Op, Value: c.Value, At: at})
		case "push":
			chunk, err := base64.StdEncoding.DecodeString(c.Chunk)
			if err != nil {
				return nil, fmt.Errorf("coval: decode push chunk: %w", err)
			}
			out = append(out, crdt.StreamOp{Op: "push", Chunk: chunk, At: at})
		default:
			return nil, fmt.Errorf("coval: costream: unknown op %q", c.Op)
		}
	}
	return out, nil
}

// decodePlainTextOps expands "ins" runs into per-character ListOps (the
// CoList underneath CoPlainText), and forwards "del" runs as-is — §4.6
// describes "ins" as purely a compression of the CoList representation.
func decodePlainTextOps(txID id.TransactionID, at causal.CausalKey, raw json.RawMessage) ([]crdt.ListOp, error) {
	changes, err := unmarshalChanges(raw)
	if err != nil {
		return nil, err
	}
	var out []crdt.ListOp
	seq := 0
	for _, c := range changes {
		switch c.Op {
		case "ins":
			anchor := c.Anchor
			op := "app"
			if c.Side == "before" {
				op = "pre"
			}
			for _, ch := range c.Text {
				value, _ := json.Marshal(string(ch))
				id := posID(txID, seq)
				out = append(out, crdt.ListOp{Op: op, ID: id, Anchor: anchor, Value: value, At: at})
				seq++
				// subsequent characters chain off the one just
				// inserted so the run stays in typed order
				// regardless of side.
				anchor = id
				op = "app"
			}
		case "del":
			for _, target := range deleteTargets(c) {
				out = append(out, crdt.ListOp{Op: "del", Target: target, At: at})
			}
		default:
			return nil, fmt.Errorf("coval: coplaintext: unknown op %q", c.Op)
		}
	}
	return out, nil
}

// EncodeMapSet/EncodeMapDel/EncodeListApp/... build the Changes payload
// a local writer hands to Core.Write; they are the mirror image of the
// decode* functions above.

func EncodeMapSet(key string, value any) (json.RawMessage, error) {
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]wireChange{{Op: "set", Key: key, Value: v}})
}

func EncodeMapDel(key string) (json.RawMessage, error) {
	return json.Marshal([]wireChange{{Op: "del", Key: key}})
}

func EncodeListApp(after string, value any) (json.RawMessage, error) {
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]wireChange{{Op: "app", After: after, Value: v}})
}

func EncodeListPre(before string, value any) (json.RawMessage, error) {
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]wireChange{{Op: "pre", Before: before, Value: v}})
}

func EncodeListDel(targets ...string) (json.RawMessage, error) {
	return json.Marshal([]wireChange{{Op: "del", Targets: targets}})
}

func EncodeStreamSet(value any) (json.RawMessage, error) {
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]wireChange{{Op: "set", Value: v}})
}

func EncodeStreamStart() (json.RawMessage, error) { return json.Marshal([]wireChange{{Op: "start"}}) }
func EncodeStreamEnd() (json.RawMessage, error)   { return json.Marshal([]wireChange{{Op: "end"}}) }

func EncodeStreamPush(chunk []byte) (json.RawMessage, error) {
	return json.Marshal([]wireChange{{Op: "push", Chunk: base64.StdEncoding.EncodeToString(chunk)}})
}

func EncodeInsert(plan crdt.InsertPlan) (json.RawMessage, error) {
	return json.Marshal([]wireChange{{Op: "ins", Anchor: plan.Anchor, Side: plan.Side, Text: plan.Text}})
}

func EncodeDelete(plan crdt.DeletePlan) (json.RawMessage, error) {
	return json.Marshal([]wireChange{{Op: "del", Targets: plan.Targets}})
}
