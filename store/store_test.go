package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func setOp(v Value) Operation { return Operation{Op: OpSet, New: v} }

func TestStoreSetGet(t *testing.T) {
	s := New()

	ok := s.ApplyStep(Step{Operations: map[string]Operation{
		"Plan/Collections/db/c1": setOp(map[string]Value{"name": "c1"}),
	}})
	require.True(t, ok)

	v, found := s.Get("Plan/Collections/db/c1/name")
	require.True(t, found)
	require.Equal(t, "c1", v)

	// subtree read
	v, found = s.Get("Plan/Collections")
	require.True(t, found)
	sub := v.(map[string]Value)
	require.Contains(t, sub, "db")

	_, found = s.Get("Plan/Databases")
	require.False(t, found)
}

func TestStoreSubpathWritePreservesSiblings(t *testing.T) {
	s := New()
	s.ApplyStep(Step{Operations: map[string]Operation{
		"Plan/Collections/db/c1": setOp(map[string]Value{
			"name":   "c1",
			"shards": map[string]Value{"s1": []Value{"A"}},
		}),
	}})

	// Rewriting one shard list must not disturb the collection's other
	// attributes.
	ok := s.ApplyStep(Step{
		Operations: map[string]Operation{
			"Plan/Collections/db/c1/shards/s1": setOp([]Value{"B", "A"}),
		},
		Preconditions: map[string]Precondition{
			"Plan/Collections/db/c1/shards/s1": NewPrecondOld([]Value{"A"}),
		},
	})
	require.True(t, ok)

	v, _ := s.Get("Plan/Collections/db/c1/name")
	require.Equal(t, "c1", v)
	v, _ = s.Get("Plan/Collections/db/c1/shards/s1")
	require.Equal(t, []Value{"B", "A"}, v)
}

func TestStorePreconditionAtomicity(t *testing.T) {
	s := New()
	s.ApplyStep(Step{Operations: map[string]Operation{"a": setOp(1.0)}})

	// One step, two operations, one failing precondition:
	// neither operation may apply.
	applied := s.Apply(Transaction{
		{
			Operations: map[string]Operation{
				"a": setOp(2.0),
				"b": setOp(3.0),
			},
			Preconditions: map[string]Precondition{
				"a": NewPrecondOld(99.0),
			},
		},
		// A later step in the same call still runs.
		{
			Operations: map[string]Operation{"c": setOp(4.0)},
		},
	})
	require.Equal(t, []bool{false, true}, applied)

	v, _ := s.Get("a")
	require.Equal(t, 1.0, v)
	_, found := s.Get("b")
	require.False(t, found)
	v, _ = s.Get("c")
	require.Equal(t, 4.0, v)
}

func TestStoreOldEmptyReevaluatedAgainstLiveState(t *testing.T) {
	s := New()

	txn := Transaction{{
		Operations:    map[string]Operation{"x": setOp(1.0)},
		Preconditions: map[string]Precondition{"x": NewPrecondEmpty(true)},
	}}

	require.Equal(t, []bool{true}, s.Apply(txn))

	// The identical call fails the second time: oldEmpty is evaluated
	// against the store at apply time, not submission time.
	require.Equal(t, []bool{false}, s.Apply(txn))

	v, _ := s.Get("x")
	require.Equal(t, 1.0, v)
}

func TestStoreIncrementDecrement(t *testing.T) {
	s := New()

	// increment of an absent node counts from 0
	require.True(t, s.ApplyStep(Step{Operations: map[string]Operation{
		"Sync/LatestID": {Op: OpIncrement},
	}}))
	v, _ := s.Get("Sync/LatestID")
	require.Equal(t, 1.0, v)

	require.True(t, s.ApplyStep(Step{Operations: map[string]Operation{
		"Sync/LatestID": {Op: OpIncrement, Step: 100},
	}}))
	v, _ = s.Get("Sync/LatestID")
	require.Equal(t, 101.0, v)

	require.True(t, s.ApplyStep(Step{Operations: map[string]Operation{
		"Sync/LatestID": {Op: OpDecrement},
	}}))
	v, _ = s.Get("Sync/LatestID")
	require.Equal(t, 100.0, v)

	// increment on a non-number fails the whole step
	s.ApplyStep(Step{Operations: map[string]Operation{"s": setOp("text")}})
	ok := s.ApplyStep(Step{Operations: map[string]Operation{
		"s":     {Op: OpIncrement},
		"other": setOp(1.0),
	}})
	require.False(t, ok)
	_, found := s.Get("other")
	require.False(t, found)
}

func TestStorePushErase(t *testing.T) {
	s := New()

	// push onto an absent node creates the array
	require.True(t, s.ApplyStep(Step{Operations: map[string]Operation{
		"servers": {Op: OpPush, New: "A"},
	}}))
	require.True(t, s.ApplyStep(Step{Operations: map[string]Operation{
		"servers": {Op: OpPush, New: "B"},
	}}))
	require.True(t, s.ApplyStep(Step{Operations: map[string]Operation{
		"servers": {Op: OpPush, New: "A"},
	}}))

	v, _ := s.Get("servers")
	require.Equal(t, []Value{"A", "B", "A"}, v)

	// erase removes all equal elements
	require.True(t, s.ApplyStep(Step{Operations: map[string]Operation{
		"servers": {Op: OpErase, Val: "A"},
	}}))
	v, _ = s.Get("servers")
	require.Equal(t, []Value{"B"}, v)

	// erase on an absent node still applies
	require.True(t, s.ApplyStep(Step{Operations: map[string]Operation{
		"nothing": {Op: OpErase, Val: "A"},
	}}))
}

func TestStoreDeleteMissingApplies(t *testing.T) {
	s := New()
	require.True(t, s.ApplyStep(Step{Operations: map[string]Operation{
		"not/there": {Op: OpDelete},
	}}))
}

func TestStorePreconditionIn(t *testing.T) {
	s := New()
	s.ApplyStep(Step{Operations: map[string]Operation{"mode": setOp("Normal")}})

	ok := s.ApplyStep(Step{
		Operations:    map[string]Operation{"mode": setOp("Maintenance")},
		Preconditions: map[string]Precondition{"mode": {In: []Value{"Normal", "Maintenance"}}},
	})
	require.True(t, ok)

	ok = s.ApplyStep(Step{
		Operations:    map[string]Operation{"mode": setOp("Broken")},
		Preconditions: map[string]Precondition{"mode": {In: []Value{"Normal"}}},
	})
	require.False(t, ok)
}

func TestStoreVersionsAdvance(t *testing.T) {
	s := New()
	s.ApplyStep(Step{Operations: map[string]Operation{"Plan/x": setOp(1.0)}})
	v1 := s.Version("Plan")
	require.NotZero(t, v1)

	s.ApplyStep(Step{Operations: map[string]Operation{"Plan/y": setOp(2.0)}})
	v2 := s.Version("Plan")
	require.Greater(t, v2, v1)

	// unrelated subtree untouched
	s.ApplyStep(Step{Operations: map[string]Operation{"Current/z": setOp(3.0)}})
	require.Equal(t, v2, s.Version("Plan"))
}

func TestStoreSnapshotIsolated(t *testing.T) {
	s := New()
	s.ApplyStep(Step{Operations: map[string]Operation{"a/b": setOp(1.0)}})

	snap := s.Snapshot()
	s.ApplyStep(Step{Operations: map[string]Operation{"a/b": setOp(2.0)}})

	v, _ := snap.Get("a/b")
	require.Equal(t, 1.0, v)
	v, _ = s.Get("a/b")
	require.Equal(t, 2.0, v)
}

func TestStoreList(t *testing.T) {
	s := New()
	s.Apply(Transaction{{Operations: map[string]Operation{
		"Target/ToDo/1": setOp(map[string]Value{"jobId": "1"}),
		"Target/ToDo/2": setOp(map[string]Value{"jobId": "2"}),
	}}})

	l := s.List("Target/ToDo")
	require.Len(t, l, 2)
	require.Contains(t, l, "1")
	require.Contains(t, l, "2")

	require.Empty(t, s.List("Target/Pending"))
}

func TestTransactionWireFormat(t *testing.T) {
	raw := `[
		[{"/x": {"op":"set","new":1}}, {"/x": {"oldEmpty": true}}],
		[{"/y": {"op":"delete"}}]
	]`
	var txn Transaction
	require.NoError(t, json.Unmarshal([]byte(raw), &txn))
	require.Len(t, txn, 2)
	require.Len(t, txn[0].Preconditions, 1)
	require.Nil(t, txn[1].Preconditions)

	s := New()
	require.Equal(t, []bool{true, true}, s.Apply(txn))
	v, _ := s.Get("x")
	require.Equal(t, 1.0, v)

	// round trip
	data, err := json.Marshal(txn)
	require.NoError(t, err)
	var txn2 Transaction
	require.NoError(t, json.Unmarshal(data, &txn2))
	require.Len(t, txn2, 2)
}
