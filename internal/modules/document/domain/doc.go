package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Origin tags where a document change came from.
type Origin string

const (
	OriginLocal       Origin = "local"
	OriginRemote      Origin = "remote"
	OriginPersistence Origin = "persistence"
)

var (
	ErrDecodeUpdate = errors.New("decode update")
	ErrNodeNotFound = errors.New("sequence node not found")
	ErrEmptyKey     = errors.New("key is required")
)

// Doc is a mergeable replicated document made of named maps and sequences.
// It is safe for concurrent use; observers run on the mutating goroutine
// after the document lock is released.
type Doc struct {
	mu     sync.Mutex
	nodeID string
	now    func() time.Time
	last   HLC
	state  State

	observers    map[int]func(Origin)
	nextObserver int

	txDepth   int
	txOrigin  Origin
	txChanged bool
}

func NewDoc(nodeID string) *Doc {
	return &Doc{
		nodeID:    nodeID,
		now:       time.Now,
		state:     NewState(),
		observers: map[int]func(Origin){},
	}
}

// WithNow swaps the wall clock used for HLC timestamps.
func (d *Doc) WithNow(now func() time.Time) *Doc {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
	return d
}

func (d *Doc) NodeID() string { return d.nodeID }

func (d *Doc) Map(name string) *Map { return &Map{doc: d, name: name} }

func (d *Doc) Sequence(name string) *Sequence { return &Sequence{doc: d, name: name} }

func (d *Doc) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.IsEmpty()
}

// State returns a deep copy of the current content.
func (d *Doc) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clone()
}

// EncodeState serializes the whole document. An empty document encodes to
// zero bytes.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeState(d.state)
}

func encodeState(state State) ([]byte, error) {
	if state.IsEmpty() {
		return nil, nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return payload, nil
}

// DecodeState parses a snapshot produced by EncodeState.
func DecodeState(update []byte) (State, error) {
	state := NewState()
	if len(update) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(update, &state); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrDecodeUpdate, err)
	}
	state.normalize()
	for name, nodes := range state.Sequences {
		for id, node := range nodes {
			if node.ID == "" {
				node.ID = id
				state.Sequences[name][id] = node
			} else if node.ID != id {
				return State{}, fmt.Errorf("%w: node key %q does not match id %q", ErrDecodeUpdate, id, node.ID)
			}
		}
	}
	return state, nil
}

// ApplyUpdate merges an encoded snapshot into the document. Observers fire
// only when the merge changed something.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) error {
	incoming, err := DecodeState(update)
	if err != nil {
		return err
	}
	d.mu.Lock()
	changed := d.state.Merge(incoming)
	d.last = Observe(d.last, incoming.MaxHLC())
	fire := d.recordChangeLocked(changed)
	d.mu.Unlock()
	d.emit(fire, origin)
	return nil
}

// Observe registers fn for every change; the returned func unregisters it.
func (d *Doc) Observe(fn func(Origin)) func() {
	d.mu.Lock()
	d.nextObserver++
	key := d.nextObserver
	d.observers[key] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, key)
		d.mu.Unlock()
	}
}

// Transact batches the mutations made by fn into a single notification.
func (d *Doc) Transact(origin Origin, fn func() error) error {
	d.mu.Lock()
	if d.txDepth == 0 {
		d.txOrigin = origin
		d.txChanged = false
	}
	d.txDepth++
	d.mu.Unlock()

	err := fn()

	d.mu.Lock()
	d.txDepth--
	fire := d.txDepth == 0 && d.txChanged
	txOrigin := d.txOrigin
	if d.txDepth == 0 {
		d.txChanged = false
	}
	d.mu.Unlock()
	d.emit(fire, txOrigin)
	return err
}

func (d *Doc) recordChangeLocked(changed bool) bool {
	if !changed {
		return false
	}
	if d.txDepth > 0 {
		d.txChanged = true
		return false
	}
	return true
}

func (d *Doc) emit(fire bool, origin Origin) {
	if !fire {
		return
	}
	d.mu.Lock()
	keys := make([]int, 0, len(d.observers))
	for key := range d.observers {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	fns := make([]func(Origin), 0, len(keys))
	for _, key := range keys {
		fns = append(fns, d.observers[key])
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(origin)
	}
}

func (d *Doc) tickLocked() HLC {
	d.last = NextHLC(d.now(), d.last, d.nodeID)
	return d.last
}

func (d *Doc) mutate(fn func(meta HLC) (bool, error)) error {
	d.mu.Lock()
	changed, err := fn(d.tickLocked())
	fire := d.recordChangeLocked(changed)
	origin := OriginLocal
	if d.txDepth > 0 {
		origin = d.txOrigin
	}
	d.mu.Unlock()
	d.emit(fire, origin)
	return err
}

// Map is a last-writer-wins key/value collection inside a Doc.
type Map struct {
	doc  *Doc
	name string
}

func (m *Map) Set(key string, value any) error {
	if key == "" {
		return ErrEmptyKey
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}
	return m.doc.mutate(func(meta HLC) (bool, error) {
		return m.doc.state.putRegister(m.name, key, Register{Value: raw, Meta: meta}), nil
	})
}

// SetDefault writes value under key only if the key has never been written,
// stamped with DefaultHLC so any real write on any replica wins the merge.
func (m *Map) SetDefault(key string, value any) error {
	if key == "" {
		return ErrEmptyKey
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %s: %w", key, err)
	}
	d := m.doc
	d.mu.Lock()
	changed := false
	if _, ok := d.state.Maps[m.name][key]; !ok {
		changed = d.state.putRegister(m.name, key, Register{Value: raw, Meta: DefaultHLC})
	}
	fire := d.recordChangeLocked(changed)
	origin := OriginLocal
	if d.txDepth > 0 {
		origin = d.txOrigin
	}
	d.mu.Unlock()
	d.emit(fire, origin)
	return nil
}

func (m *Map) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return m.doc.mutate(func(meta HLC) (bool, error) {
		current, ok := m.doc.state.Maps[m.name][key]
		if !ok || current.Deleted {
			return false, nil
		}
		return m.doc.state.putRegister(m.name, key, Register{Deleted: true, Meta: meta}), nil
	})
}

// Get decodes the value under key into out and reports whether it exists.
func (m *Map) Get(key string, out any) (bool, error) {
	raw, ok := m.Raw(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("decode value for %s: %w", key, err)
	}
	return true, nil
}

func (m *Map) Raw(key string) (json.RawMessage, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	reg, ok := m.doc.state.Maps[m.name][key]
	if !ok || reg.Deleted {
		return nil, false
	}
	return append(json.RawMessage(nil), reg.Value...), true
}

func (m *Map) Keys() []string {
	entries := m.ToJSON()
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *Map) Len() int {
	return len(m.ToJSON())
}

func (m *Map) ToJSON() map[string]json.RawMessage {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.doc.state.RenderMap(m.name)
}

// Sequence is an ordered list inside a Doc.
type Sequence struct {
	doc  *Doc
	name string
}

type SequenceItem struct {
	ID    string
	Value json.RawMessage
}

// Append inserts value after the last element and returns its id.
func (s *Sequence) Append(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode sequence value: %w", err)
	}
	var id string
	err = s.doc.mutate(func(meta HLC) (bool, error) {
		after := ""
		if ordered := s.doc.state.OrderedNodes(s.name); len(ordered) > 0 {
			after = ordered[len(ordered)-1].ID
		}
		id = meta.String()
		return s.doc.state.putNode(s.name, SequenceNode{ID: id, AfterID: after, Value: raw, Meta: meta}), nil
	})
	return id, err
}

// InsertAfter places value right after afterID; an empty afterID inserts at
// the head.
func (s *Sequence) InsertAfter(afterID string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode sequence value: %w", err)
	}
	var id string
	err = s.doc.mutate(func(meta HLC) (bool, error) {
		if afterID != "" {
			if _, ok := s.doc.state.Sequences[s.name][afterID]; !ok {
				return false, fmt.Errorf("%w: %s", ErrNodeNotFound, afterID)
			}
		}
		id = meta.String()
		return s.doc.state.putNode(s.name, SequenceNode{ID: id, AfterID: afterID, Value: raw, Meta: meta}), nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Sequence) Delete(id string) error {
	return s.doc.mutate(func(_ HLC) (bool, error) {
		node, ok := s.doc.state.Sequences[s.name][id]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		if node.Deleted {
			return false, nil
		}
		node.Deleted = true
		s.doc.state.Sequences[s.name][id] = node
		return true, nil
	})
}

func (s *Sequence) Items() []SequenceItem {
	s.doc.mu.Lock()
	defer s.doc.mu.Unlock()
	ordered := s.doc.state.OrderedNodes(s.name)
	out := make([]SequenceItem, 0, len(ordered))
	for _, node := range ordered {
		if node.Deleted {
			continue
		}
		out = append(out, SequenceItem{ID: node.ID, Value: append(json.RawMessage(nil), node.Value...)})
	}
	return out
}

func (s *Sequence) Len() int {
	return len(s.Items())
}
