package crdt

import (
	"encoding/json"
	"fmt"

	"cojson/internal/causal"
)

// PlainText is a List of single-character elements (§4.6). The "ins"
// change is a storage-level compression: a contiguous run of
// characters sharing one anchor parent, expanded by the caller (the
// node/core layer, which owns transaction IDs) into individual List
// positions before being handed to Apply.
type PlainText struct {
	list *List
}

func NewPlainText() *PlainText { return &PlainText{list: NewList()} }

func (t *PlainText) Apply(op ListOp) { t.list.Apply(op) }

func (t *PlainText) List() *List { return t.list }

func (t *PlainText) RenderAt(at causal.CausalKey) string {
	var out []rune
	for _, el := range t.list.RenderAt(at) {
		var ch string
		if err := json.Unmarshal(el.Value, &ch); err == nil {
			out = append(out, []rune(ch)...)
		}
	}
	return string(out)
}

func (t *PlainText) Render() string { return t.RenderAt(causal.MaxCausalKey) }

// InsertPlan describes a run of characters to insert relative to an
// existing position (or AnchorStart/AnchorEnd). Side is "after" or
// "before", mirroring the CoList "app"/"pre" ops.
type InsertPlan struct {
	Anchor string
	Side   string
	Text   string
}

// DeletePlan names the live positions to tombstone.
type DeletePlan struct {
	Targets []string
}

func (t *PlainText) InsertAfter(pos string, text string) InsertPlan {
	return InsertPlan{Anchor: pos, Side: "after", Text: text}
}

func (t *PlainText) InsertBefore(pos string, text string) InsertPlan {
	return InsertPlan{Anchor: pos, Side: "before", Text: text}
}

// DeleteRange names the positions currently occupying the live
// character range [from, to).
func (t *PlainText) DeleteRange(from, to int) (DeletePlan, error) {
	elems := t.list.Render()
	if from < 0 || to > len(elems) || from > to {
		return DeletePlan{}, fmt.Errorf("crdt: range [%d,%d) out of bounds (len=%d)", from, to, len(elems))
	}
	targets := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		targets = append(targets, elems[i].ID)
	}
	return DeletePlan{Targets: targets}, nil
}

// Edit is one step of an ApplyDiff edit script.
type Edit struct {
	Insert *InsertPlan
	Delete *DeletePlan
}

// ApplyDiff computes the edit script that turns the live text into
// newString, as a common-prefix/common-suffix reduction: the only
// span that actually differs becomes at most one delete and one
// insert. It is not a full Myers diff, so a change with two unrelated
// edited regions produces one delete spanning both instead of two —
// exact for single-hunk edits, a documented simplification otherwise.
func (t *PlainText) ApplyDiff(newString string) []Edit {
	elems := t.list.Render()
	oldRunes := make([]rune, len(elems))
	for i, el := range elems {
		var ch string
		json.Unmarshal(el.Value, &ch)
		if len(ch) > 0 {
			oldRunes[i] = []rune(ch)[0]
		}
	}
	newRunes := []rune(newString)

	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(oldRunes)-prefix && suffix < len(newRunes)-prefix &&
		oldRunes[len(oldRunes)-1-suffix] == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}

	var edits []Edit
	if delCount := len(oldRunes) - prefix - suffix; delCount > 0 {
		targets := make([]string, delCount)
		for i := 0; i < delCount; i++ {
			targets[i] = elems[prefix+i].ID
		}
		edits = append(edits, Edit{Delete: &DeletePlan{Targets: targets}})
	}
	if insMid := newRunes[prefix : len(newRunes)-suffix]; len(insMid) > 0 {
		var plan InsertPlan
		if prefix > 0 {
			plan = t.InsertAfter(elems[prefix-1].ID, string(insMid))
		} else {
			plan = t.InsertBefore(AnchorStart, string(insMid))
		}
		edits = append(edits, Edit{Insert: &plan})
	}
	return edits
}
