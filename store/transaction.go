package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Operation kinds.
const (
	OpSet       = "set"
	OpDelete    = "delete"
	OpIncrement = "increment"
	OpDecrement = "decrement"
	OpPush      = "push"
	OpErase     = "erase"
)

// Operation is one mutation of one path.
type Operation struct {
	Op   string `json:"op"`
	New  Value  `json:"new,omitempty"`
	Val  Value  `json:"val,omitempty"`
	Step int64  `json:"step,omitempty"`
}

// Precondition asserts a fact about the current value at one path.
// Exactly the set fields are checked; all must hold.
type Precondition struct {
	Old      Value   `json:"old,omitempty"`
	OldEmpty *bool   `json:"oldEmpty,omitempty"`
	In       []Value `json:"in,omitempty"`
	IsArray  *bool   `json:"isArray,omitempty"`

	hasOld bool
}

// NewPrecondOld returns a precondition asserting the exact current value.
func NewPrecondOld(v Value) Precondition {
	return Precondition{Old: v, hasOld: true}
}

// NewPrecondEmpty returns a precondition asserting absence (true) or
// presence (false) of the path.
func NewPrecondEmpty(empty bool) Precondition {
	return Precondition{OldEmpty: &empty}
}

// Step is one atomic unit of a transaction: either all of its operations
// apply, or (when any precondition fails) none do.
type Step struct {
	Operations    map[string]Operation
	Preconditions map[string]Precondition
	ClientID      string
}

// Transaction is an ordered list of independently atomic steps.
type Transaction []Step

// MarshalJSON renders the wire form [operations, preconditions?, clientId?].
func (st Step) MarshalJSON() ([]byte, error) {
	arr := []interface{}{st.Operations}
	if len(st.Preconditions) > 0 || st.ClientID != "" {
		arr = append(arr, st.Preconditions)
	}
	if st.ClientID != "" {
		arr = append(arr, st.ClientID)
	}
	return json.Marshal(arr)
}

// UnmarshalJSON accepts [operations], [operations, preconditions] or
// [operations, preconditions, clientId].
func (st *Step) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) == 0 || len(arr) > 3 {
		return fmt.Errorf("store: step must have 1 to 3 elements, got %d", len(arr))
	}
	st.Operations = nil
	st.Preconditions = nil
	st.ClientID = ""
	if err := json.Unmarshal(arr[0], &st.Operations); err != nil {
		return err
	}
	if len(arr) > 1 {
		if err := json.Unmarshal(arr[1], &st.Preconditions); err != nil {
			return err
		}
	}
	if len(arr) > 2 {
		if err := json.Unmarshal(arr[2], &st.ClientID); err != nil {
			return err
		}
	}
	return nil
}

// UnmarshalJSON restores the hasOld marker for wire preconditions.
func (p *Precondition) UnmarshalJSON(data []byte) error {
	type plain Precondition
	var pp plain
	if err := json.Unmarshal(data, &pp); err != nil {
		return err
	}
	*p = Precondition(pp)
	// "old" set to JSON null is indistinguishable from absent; treat a
	// precondition with no other field as an old=nil check.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	_, p.hasOld = raw["old"]
	return nil
}

// MarshalJSON keeps explicit old=null preconditions on the wire.
func (p Precondition) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{})
	if p.hasOld || p.Old != nil {
		out["old"] = p.Old
	}
	if p.OldEmpty != nil {
		out["oldEmpty"] = *p.OldEmpty
	}
	if p.In != nil {
		out["in"] = p.In
	}
	if p.IsArray != nil {
		out["isArray"] = *p.IsArray
	}
	return json.Marshal(out)
}

// Apply applies the transaction step by step and reports per-step success.
// Steps are independently atomic: a failed step never blocks later steps,
// and already-applied steps are never rolled back.
func (s *Store) Apply(txn Transaction) []bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]bool, len(txn))
	for i := range txn {
		out[i] = s.applyStepLocked(txn[i])
	}
	return out
}

// ApplyStep applies one step atomically.
func (s *Store) ApplyStep(step Step) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyStepLocked(step)
}

func (s *Store) applyStepLocked(step Step) bool {
	for path, pre := range step.Preconditions {
		if !s.checkPreconditionLocked(path, pre) {
			return false
		}
	}

	// Operations must all be applicable before any mutation happens.
	paths := make([]string, 0, len(step.Operations))
	for path := range step.Operations {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if !s.validateOpLocked(path, step.Operations[path]) {
			return false
		}
	}
	for _, path := range paths {
		s.applyOpLocked(path, step.Operations[path])
	}
	return true
}

func (s *Store) checkPreconditionLocked(path string, pre Precondition) bool {
	n := s.lookup(SplitPath(path))

	if pre.OldEmpty != nil {
		if *pre.OldEmpty != (n == nil) {
			return false
		}
	}
	if pre.hasOld || pre.Old != nil {
		if n == nil || !equalValue(n.export(), pre.Old) {
			return false
		}
	}
	if pre.In != nil {
		if n == nil {
			return false
		}
		cur := n.export()
		found := false
		for _, cand := range pre.In {
			if equalValue(cur, cand) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if pre.IsArray != nil {
		isArr := false
		if n != nil {
			_, isArr = n.export().([]Value)
		}
		if *pre.IsArray != isArr {
			return false
		}
	}
	return true
}

func (s *Store) validateOpLocked(path string, op Operation) bool {
	n := s.lookup(SplitPath(path))
	switch op.Op {
	case OpSet, OpDelete:
		return true
	case OpIncrement, OpDecrement:
		if n == nil || n.isLeaf() && n.value == nil {
			return true // absent counts as 0
		}
		if !n.isLeaf() {
			return false
		}
		_, ok := asNumber(n.value)
		return ok
	case OpPush, OpErase:
		if n == nil {
			return true // creates or no-ops an empty array
		}
		if !n.isLeaf() {
			return false
		}
		if n.value == nil {
			return true
		}
		_, ok := n.value.([]Value)
		return ok
	default:
		return false
	}
}

// setNodeValue stores v at n. Object values are normalized into child
// nodes, so every nested path stays addressable by later operations and
// preconditions; only scalars and arrays live in leaves.
func setNodeValue(n *node, v Value) {
	if m, ok := v.(map[string]Value); ok {
		n.value = nil
		n.children = make(map[string]*node, len(m))
		for name, child := range m {
			c := &node{version: n.version}
			setNodeValue(c, child)
			n.children[name] = c
		}
		return
	}
	n.children = nil
	n.value = copyValue(v)
}

// ensure returns the node at segs, creating intermediate objects.
// A leaf on the way is converted into an object.
func (s *Store) ensure(segs []string) *node {
	n := s.root
	n.version++
	for _, seg := range segs {
		if n.children == nil {
			n.children = make(map[string]*node)
			n.value = nil
		}
		child, ok := n.children[seg]
		if !ok {
			child = &node{}
			n.children[seg] = child
		}
		child.version++
		n = child
	}
	return n
}

func (s *Store) applyOpLocked(path string, op Operation) {
	segs := SplitPath(path)

	switch op.Op {
	case OpSet:
		n := s.ensure(segs)
		setNodeValue(n, op.New)

	case OpDelete:
		s.deleteLocked(segs)

	case OpIncrement, OpDecrement:
		n := s.ensure(segs)
		step := op.Step
		if step == 0 {
			step = 1
		}
		if op.Op == OpDecrement {
			step = -step
		}
		cur, _ := asNumber(n.value)
		n.children = nil
		n.value = cur + float64(step)

	case OpPush:
		n := s.ensure(segs)
		arr, _ := n.value.([]Value)
		n.children = nil
		n.value = append(arr, copyValue(op.New))

	case OpErase:
		n := s.lookup(segs)
		if n == nil || n.value == nil {
			return
		}
		arr, _ := n.value.([]Value)
		out := arr[:0]
		for _, e := range arr {
			if !equalValue(e, op.Val) {
				out = append(out, e)
			}
		}
		if len(out) != len(arr) {
			s.bumpVersions(segs)
			n.value = out
		}
	}
}

func (s *Store) deleteLocked(segs []string) {
	if len(segs) == 0 {
		s.root = &node{children: make(map[string]*node), version: s.root.version + 1}
		return
	}
	parent := s.lookup(segs[:len(segs)-1])
	if parent == nil || parent.children == nil {
		return
	}
	name := segs[len(segs)-1]
	if _, ok := parent.children[name]; !ok {
		return
	}
	delete(parent.children, name)
	s.bumpVersions(segs[:len(segs)-1])
}

func (s *Store) bumpVersions(segs []string) {
	n := s.root
	n.version++
	for _, seg := range segs {
		child, ok := n.children[seg]
		if !ok {
			return
		}
		child.version++
		n = child
	}
}
