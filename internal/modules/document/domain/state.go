package domain

import (
	"bytes"
	"encoding/json"
	"sort"
)

type Register struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Meta    HLC             `json:"meta"`
}

type SequenceNode struct {
	ID      string          `json:"id"`
	AfterID string          `json:"after_id,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Meta    HLC             `json:"meta"`
}

// State is the whole replicated content of a document. Merging two states is
// commutative, associative and idempotent.
type State struct {
	Maps      map[string]map[string]Register     `json:"maps,omitempty"`
	Sequences map[string]map[string]SequenceNode `json:"sequences,omitempty"`
}

func NewState() State {
	return State{Maps: map[string]map[string]Register{}, Sequences: map[string]map[string]SequenceNode{}}
}

func (s *State) normalize() {
	if s.Maps == nil {
		s.Maps = map[string]map[string]Register{}
	}
	if s.Sequences == nil {
		s.Sequences = map[string]map[string]SequenceNode{}
	}
}

func (s State) IsEmpty() bool {
	for _, entries := range s.Maps {
		if len(entries) > 0 {
			return false
		}
	}
	for _, nodes := range s.Sequences {
		if len(nodes) > 0 {
			return false
		}
	}
	return true
}

// MaxHLC returns the newest timestamp present anywhere in the state.
func (s State) MaxHLC() HLC {
	out := HLC{}
	for _, entries := range s.Maps {
		for _, reg := range entries {
			if CompareHLC(reg.Meta, out) > 0 {
				out = reg.Meta
			}
		}
	}
	for _, nodes := range s.Sequences {
		for _, node := range nodes {
			if CompareHLC(node.Meta, out) > 0 {
				out = node.Meta
			}
		}
	}
	return out
}

// Merge folds other into s and reports whether s changed.
func (s *State) Merge(other State) bool {
	s.normalize()
	changed := false
	for name, entries := range other.Maps {
		for key, incoming := range entries {
			if s.putRegister(name, key, incoming) {
				changed = true
			}
		}
	}
	for name, nodes := range other.Sequences {
		for _, incoming := range nodes {
			if s.putNode(name, incoming) {
				changed = true
			}
		}
	}
	return changed
}

func (s *State) putRegister(name, key string, incoming Register) bool {
	entries, ok := s.Maps[name]
	if !ok {
		entries = map[string]Register{}
		s.Maps[name] = entries
	}
	current, ok := entries[key]
	if ok && !registerWins(incoming, current) {
		return false
	}
	entries[key] = incoming
	return true
}

func (s *State) putNode(name string, incoming SequenceNode) bool {
	nodes, ok := s.Sequences[name]
	if !ok {
		nodes = map[string]SequenceNode{}
		s.Sequences[name] = nodes
	}
	current, ok := nodes[incoming.ID]
	if !ok {
		nodes[incoming.ID] = incoming
		return true
	}
	merged := current
	if nodeContentWins(incoming, current) {
		merged = incoming
	}
	merged.Deleted = current.Deleted || incoming.Deleted
	if nodesEqual(merged, current) {
		return false
	}
	nodes[incoming.ID] = merged
	return true
}

func registerWins(incoming, current Register) bool {
	if cmp := CompareHLC(incoming.Meta, current.Meta); cmp != 0 {
		return cmp > 0
	}
	if incoming.Deleted != current.Deleted {
		return incoming.Deleted
	}
	return bytes.Compare(incoming.Value, current.Value) > 0
}

func nodeContentWins(incoming, current SequenceNode) bool {
	if cmp := CompareHLC(incoming.Meta, current.Meta); cmp != 0 {
		return cmp > 0
	}
	if incoming.AfterID != current.AfterID {
		return incoming.AfterID > current.AfterID
	}
	return bytes.Compare(incoming.Value, current.Value) > 0
}

func nodesEqual(a, b SequenceNode) bool {
	return a.ID == b.ID && a.AfterID == b.AfterID && a.Deleted == b.Deleted &&
		CompareHLC(a.Meta, b.Meta) == 0 && bytes.Equal(a.Value, b.Value)
}

// Clone deep-copies the state through its wire encoding.
func (s State) Clone() State {
	payload, _ := json.Marshal(s)
	cloned := State{}
	_ = json.Unmarshal(payload, &cloned)
	cloned.normalize()
	return cloned
}

// RenderMap returns the live (non-deleted) entries of a map.
func (s State) RenderMap(name string) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	for key, reg := range s.Maps[name] {
		if reg.Deleted {
			continue
		}
		out[key] = reg.Value
	}
	return out
}

// OrderedNodes walks the sequence tree: children of a node follow it, newest
// sibling first. Deleted nodes are included so callers can anchor inserts.
func (s State) OrderedNodes(name string) []SequenceNode {
	nodes := s.Sequences[name]
	if len(nodes) == 0 {
		return nil
	}
	children := map[string][]SequenceNode{}
	for _, node := range nodes {
		parent := node.AfterID
		if parent != "" {
			if _, ok := nodes[parent]; !ok {
				parent = ""
			}
		}
		children[parent] = append(children[parent], node)
	}
	for key := range children {
		sort.Slice(children[key], func(i, j int) bool {
			cmp := CompareHLC(children[key][i].Meta, children[key][j].Meta)
			if cmp == 0 {
				return children[key][i].ID > children[key][j].ID
			}
			return cmp > 0
		})
	}
	out := make([]SequenceNode, 0, len(nodes))
	var walk func(parent string)
	walk = func(parent string) {
		for _, node := range children[parent] {
			out = append(out, node)
			walk(node.ID)
		}
	}
	walk("")
	return out
}
