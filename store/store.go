// Package store implements a versioned, path-addressed key/value tree
// with precondition-gated transactions.
//
// Paths are '/'-delimited. A node either holds a value (leaf) or named
// children (object); object values written by a transaction are
// decomposed into child nodes, so every nested key stays addressable as
// a path. Setting a value on an object replaces the whole subtree.
// Every effective mutation bumps the version of the target node and all
// of its ancestors, so subtree readers can cheaply detect change.
package store

import (
	"strings"
	"sync"
)

// Value is any JSON-shaped value: nil, bool, float64, string,
// []interface{}, or map[string]interface{}.
type Value = interface{}

type node struct {
	value    Value
	version  uint64
	children map[string]*node
}

func (n *node) isLeaf() bool { return n.children == nil }

// export renders the subtree rooted at n as a Value.
func (n *node) export() Value {
	if n.isLeaf() {
		return copyValue(n.value)
	}
	out := make(map[string]Value, len(n.children))
	for name, child := range n.children {
		out[name] = child.export()
	}
	return out
}

func (n *node) clone() *node {
	c := &node{value: copyValue(n.value), version: n.version}
	if n.children != nil {
		c.children = make(map[string]*node, len(n.children))
		for name, child := range n.children {
			c.children[name] = child.clone()
		}
	}
	return c
}

// Store is a mutex-guarded versioned tree.
type Store struct {
	mu   sync.RWMutex
	root *node
}

// New returns an empty Store.
func New() *Store {
	return &Store{root: &node{children: make(map[string]*node)}}
}

// SplitPath normalizes a '/'-delimited path into its segments.
func SplitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// JoinPath joins segments into a normalized path.
func JoinPath(segs ...string) string {
	return strings.Join(segs, "/")
}

func (s *Store) lookup(segs []string) *node {
	n := s.root
	for _, seg := range segs {
		if n.children == nil {
			return nil
		}
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// Get returns the exported subtree at path.
func (s *Store) Get(path string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.lookup(SplitPath(path))
	if n == nil {
		return nil, false
	}
	return n.export(), true
}

// Version returns the version of the node at path, 0 when absent.
func (s *Store) Version(path string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.lookup(SplitPath(path))
	if n == nil {
		return 0
	}
	return n.version
}

// Read resolves each path query to its subtree, nil when absent.
func (s *Store) Read(queries [][]string) []Value {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Value, len(queries))
	for i, q := range queries {
		if n := s.lookup(q); n != nil {
			out[i] = n.export()
		}
	}
	return out
}

// List returns the immediate children under prefix, keyed by name.
// The result is empty (not nil) when prefix names a leaf or is absent.
func (s *Store) List(prefix string) map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Value)
	n := s.lookup(SplitPath(prefix))
	if n == nil || n.children == nil {
		return out
	}
	for name, child := range n.children {
		out[name] = child.export()
	}
	return out
}

// Snapshot returns a deep copy of the store.
func (s *Store) Snapshot() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Store{root: s.root.clone()}
}

// copyValue deep-copies a JSON-shaped value.
func copyValue(v Value) Value {
	switch t := v.(type) {
	case map[string]Value:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []Value:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// asNumber converts JSON and Go integer shapes to float64.
func asNumber(v Value) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	default:
		return 0, false
	}
}

// equalValue compares two JSON-shaped values, treating all numeric
// types as one domain.
func equalValue(a, b Value) bool {
	if an, ok := asNumber(a); ok {
		bn, ok := asNumber(b)
		return ok && an == bn
	}
	switch at := a.(type) {
	case nil:
		return b == nil
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case []Value:
		bt, ok := b.([]Value)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !equalValue(at[i], bt[i]) {
				return false
			}
		}
		return true
	case map[string]Value:
		bt, ok := b.(map[string]Value)
		if !ok || len(at) != len(bt) {
			return false
		}
		for k, av := range at {
			bv, ok := bt[k]
			if !ok || !equalValue(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
