package graph

import (
	"errors"
	"testing"
)

func payload(typ string, id int64, op Operation, tstamp int64, fields map[string]any) Payload {
	if fields == nil {
		fields = map[string]any{}
	}
	return Payload{ID: id, Type: typ, Operation: op, Tstamp: tstamp, Fields: fields}
}

// Scenario 1: single anchor, scalar-only.
func TestSingleAnchorScalarOnly(t *testing.T) {
	b := New(ModelMap{}, "P", false)

	err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"name": "A"}),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	state := b.State().(*Instance)
	if state == nil {
		t.Fatal("expected non-nil state")
	}
	if state.ID != 1 || state.Type != "P" || !state.Loaded {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.Fields["name"] != "A" {
		t.Fatalf("expected name=A, got %v", state.Fields["name"])
	}
}

// Scenario 2: placeholder then materialization.
func TestPlaceholderThenMaterialization(t *testing.T) {
	mm := ModelMap{"P": {"tasks": "T"}, "T": {}}
	b := New(mm, "P", false)

	if err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"tasks": []any{float64(10), float64(11)}}),
	}); err != nil {
		t.Fatalf("update 1: %v", err)
	}

	state1 := b.State().(*Instance)
	tasks1, _ := state1.Fields["tasks"].([]*Instance)
	if len(tasks1) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks1))
	}
	if tasks1[0].Loaded || tasks1[0].ID != 10 {
		t.Fatalf("expected placeholder id=10, got %+v", tasks1[0])
	}
	if tasks1[1].Loaded || tasks1[1].ID != 11 {
		t.Fatalf("expected placeholder id=11, got %+v", tasks1[1])
	}

	if err := b.Update([]Payload{
		payload("T", 10, OpCreate, 2, map[string]any{"title": "X"}),
	}); err != nil {
		t.Fatalf("update 2: %v", err)
	}

	state2 := b.State().(*Instance)
	if state2 == state1 {
		t.Fatal("expected new top-level identity")
	}
	tasks2, _ := state2.Fields["tasks"].([]*Instance)
	if tasks2[0].Title() != "X" {
		t.Fatalf("expected title=X, got %v", tasks2[0].Fields["title"])
	}
	if !tasks2[0].Loaded {
		t.Fatal("expected tasks[0] loaded")
	}
	if tasks2[1].Loaded {
		t.Fatal("expected tasks[1] still a placeholder")
	}
}

// Title is a tiny test helper; production code never needs typed accessors
// since Fields is schema-free.
func (in *Instance) Title() string {
	v, _ := in.Fields["title"].(string)
	return v
}

// Scenario 3: upward invalidation through two levels.
func TestUpwardInvalidationTwoLevels(t *testing.T) {
	mm := ModelMap{"P": {"c": "C"}, "C": {"t": "T"}, "T": {}}
	b := New(mm, "P", false)

	if err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"c": float64(2)}),
		payload("C", 2, OpCreate, 1, map[string]any{"t": float64(3)}),
		payload("T", 3, OpCreate, 1, map[string]any{"title": "t3"}),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	p1 := b.State().(*Instance)
	c1 := p1.Fields["c"].(*Instance)

	if err := b.Update([]Payload{
		payload("T", 3, OpUpdate, 2, map[string]any{"title": "t3-new"}),
	}); err != nil {
		t.Fatalf("update t3: %v", err)
	}

	state := b.State().(*Instance)
	if state == p1 {
		t.Fatal("expected state !== p1")
	}
	c2 := state.Fields["c"].(*Instance)
	if c2 == c1 {
		t.Fatal("expected state.c !== c1")
	}
	t3 := c2.Fields["t"].(*Instance)
	if t3.Title() != "t3-new" {
		t.Fatalf("expected fresh t title, got %v", t3.Fields["title"])
	}
}

// Scenario 4: shared reference after cross-link.
func TestSharedReferenceAfterCrossLink(t *testing.T) {
	mm := ModelMap{"P": {"c": "C", "tasks": "T"}, "C": {"tasks": "T"}, "T": {}}
	b := New(mm, "P", false)

	if err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"c": float64(1), "tasks": []any{float64(1), float64(2), float64(3)}}),
		payload("C", 1, OpCreate, 1, map[string]any{"tasks": []any{float64(3), float64(4), float64(5)}}),
		payload("T", 3, OpCreate, 1, map[string]any{"title": "t3"}),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	state := b.State().(*Instance)
	pTasks := state.Fields["tasks"].([]*Instance)
	c := state.Fields["c"].(*Instance)
	cTasks := c.Fields["tasks"].([]*Instance)

	if pTasks[2] != cTasks[0] {
		t.Fatalf("expected state.tasks[2] === state.c.tasks[0], got %p vs %p", pTasks[2], cTasks[0])
	}
}

// Scenario 5: multi-anchor add/remove.
func TestMultiAnchorAddRemove(t *testing.T) {
	b := New(ModelMap{}, "P", true)

	if err := b.SetAnchors([]int64{1, 2}); err != nil {
		t.Fatalf("set anchors: %v", err)
	}

	if err := b.Update([]Payload{
		payload("P", 3, OpInitialState, 1, nil),
	}); err != nil {
		t.Fatalf("update initial_state: %v", err)
	}

	if err := b.Update([]Payload{
		payload("P", 2, OpDelete, 2, nil),
	}); err != nil {
		t.Fatalf("update delete: %v", err)
	}

	if got := b.anchorIDs; len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected anchor sequence [1 3], got %v", got)
	}

	state := b.State().([]*Instance)
	if len(state) != 2 {
		t.Fatalf("expected length-2 state, got %d", len(state))
	}
	if state[0].ID != 1 || state[1].ID != 3 {
		t.Fatalf("unexpected anchor order: %d, %d", state[0].ID, state[1].ID)
	}
}

// P1: identity preservation across disjoint updates.
func TestIdentityPreservationDisjointUpdates(t *testing.T) {
	mm := ModelMap{"P": {"a": "A", "b": "B"}, "A": {}, "B": {}}
	b := New(mm, "P", false)

	if err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"a": float64(10), "b": float64(20)}),
		payload("A", 10, OpCreate, 1, map[string]any{"v": "a"}),
		payload("B", 20, OpCreate, 1, map[string]any{"v": "b"}),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	before := b.State().(*Instance)
	bBefore := before.Fields["b"].(*Instance)

	if err := b.Update([]Payload{
		payload("A", 10, OpUpdate, 2, map[string]any{"v": "a2"}),
	}); err != nil {
		t.Fatalf("update a: %v", err)
	}

	after := b.State().(*Instance)
	bAfter := after.Fields["b"].(*Instance)

	if bAfter != bBefore {
		t.Fatal("expected disjoint subgraph b to retain identity")
	}
}

// P4: placeholder completeness — every relational field resolves to an
// index entry, loaded or not.
func TestPlaceholderCompleteness(t *testing.T) {
	mm := ModelMap{"P": {"tasks": "T"}, "T": {}}
	b := New(mm, "P", false)

	if err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"tasks": []any{float64(99)}}),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := b.GetInstance("T:99"); err != nil {
		t.Fatalf("expected placeholder reachable via index: %v", err)
	}
}

func TestAnchorTypeMismatch(t *testing.T) {
	b := New(ModelMap{}, "P", false)

	err := b.Update([]Payload{payload("Q", 1, OpCreate, 1, nil)})
	if err == nil {
		t.Fatal("expected error")
	}
	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Kind != ErrAnchorTypeMismatch {
		t.Fatalf("expected ANCHOR_TYPE_MISMATCH, got %v", err)
	}
}

func TestDeletePropagatesUpward(t *testing.T) {
	mm := ModelMap{"P": {"tasks": "T"}, "T": {}}
	b := New(mm, "P", false)

	if err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"tasks": []any{float64(1), float64(2)}}),
		payload("T", 1, OpCreate, 1, map[string]any{"title": "one"}),
		payload("T", 2, OpCreate, 1, map[string]any{"title": "two"}),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	before := b.State().(*Instance)

	if err := b.Update([]Payload{
		payload("T", 1, OpDelete, 2, nil),
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	after := b.State().(*Instance)
	if after == before {
		t.Fatal("expected fresh top-level identity after delete")
	}
	tasks := after.Fields["tasks"].([]*Instance)
	if len(tasks) != 1 || tasks[0].ID != 2 {
		t.Fatalf("expected remaining task id=2, got %+v", tasks)
	}

	if _, err := b.GetInstance("T:1"); err == nil {
		t.Fatal("expected T:1 removed from index")
	}
}
