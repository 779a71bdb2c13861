package gamestate

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	doc := New()
	if err := doc.Set(map[string]any{"owner": 0, "hp": 10}, "entities", "unit-1"); err != nil {
		t.Fatalf("set entity: %v", err)
	}

	hp, ok := doc.GetNumber("entities", "unit-1", "hp")
	if !ok {
		t.Fatal("expected hp to resolve")
	}
	if hp != 10 {
		t.Fatalf("expected hp 10, got %v", hp)
	}

	if _, ok := doc.Get("entities", "unit-1", "missing"); ok {
		t.Fatal("expected missing leaf to report absence")
	}
	if _, ok := doc.Get("entities", "unit-1", "hp", "deeper"); ok {
		t.Fatal("expected traversal through a number to fail")
	}
}

func TestSetCreatesIntermediateContainers(t *testing.T) {
	doc := Doc{}
	if err := doc.Set("ready", "a", "b", "c"); err != nil {
		t.Fatalf("deep set: %v", err)
	}
	value, ok := doc.GetString("a", "b", "c")
	if !ok || value != "ready" {
		t.Fatalf("expected ready at a/b/c, got %v", value)
	}
}

func TestSetRejectsBadPaths(t *testing.T) {
	doc := New()
	if err := doc.Set(1); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for empty path, got %v", err)
	}
	if err := doc.Set(1, "a", ""); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath for empty segment, got %v", err)
	}

	if err := doc.Set(5, "leaf"); err != nil {
		t.Fatalf("set leaf: %v", err)
	}
	if err := doc.Set(1, "leaf", "child"); !errors.Is(err, ErrPathConflict) {
		t.Fatalf("expected ErrPathConflict through a leaf, got %v", err)
	}
}

func TestDeleteMissingPathIsNoop(t *testing.T) {
	doc := New()
	if err := doc.Delete("entities", "ghost"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if err := doc.Delete("no", "such", "tree"); err != nil {
		t.Fatalf("delete through missing container: %v", err)
	}
}

func TestApplyOrderedDiffs(t *testing.T) {
	doc := New()
	diffs := []Diff{
		Set(map[string]any{"owner": 1, "hp": 4}, "entities", "unit-9"),
		Set(2, "entities", "unit-9", "hp"),
		Delete("entities", "unit-9", "hp"),
	}
	if err := doc.Apply(diffs); err != nil {
		t.Fatalf("apply diffs: %v", err)
	}
	if _, ok := doc.Get("entities", "unit-9", "hp"); ok {
		t.Fatal("expected hp removed by final delete")
	}
	owner, ok := doc.EntityOwner("unit-9")
	if !ok || owner != 1 {
		t.Fatalf("expected owner 1, got %d ok=%v", owner, ok)
	}
}

func TestApplyRejectsUnknownOp(t *testing.T) {
	doc := New()
	err := doc.Apply([]Diff{{Op: Op("merge"), Path: []string{"x"}}})
	if !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
}

func TestCloneIsolation(t *testing.T) {
	doc := New()
	if err := doc.Set(map[string]any{"owner": 0, "hp": 7}, "entities", "unit-1"); err != nil {
		t.Fatalf("set entity: %v", err)
	}

	clone := doc.Clone()
	if err := clone.Set(1, "entities", "unit-1", "hp"); err != nil {
		t.Fatalf("mutate clone: %v", err)
	}

	original, ok := doc.GetNumber("entities", "unit-1", "hp")
	if !ok || original != 7 {
		t.Fatalf("expected original hp 7 after clone mutation, got %v", original)
	}
}

func TestChecksumMatchesAfterWireRoundTrip(t *testing.T) {
	host := New()
	diffs := []Diff{
		Set(map[string]any{"owner": 0, "hp": 10, "pos": map[string]any{"x": 3, "y": 4}}, "entities", "unit-1"),
		Set(2, "turn", "number"),
		Set(1, "turn", "active"),
	}
	if err := host.Apply(diffs); err != nil {
		t.Fatalf("apply on host: %v", err)
	}

	// The client receives the same diffs through JSON, which rewrites
	// every number as float64.
	encoded, err := json.Marshal(diffs)
	if err != nil {
		t.Fatalf("encode diffs: %v", err)
	}
	var decoded []Diff
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("decode diffs: %v", err)
	}
	client := New()
	if err := client.Apply(decoded); err != nil {
		t.Fatalf("apply on client: %v", err)
	}

	hostSum, err := host.Checksum()
	if err != nil {
		t.Fatalf("host checksum: %v", err)
	}
	clientSum, err := client.Checksum()
	if err != nil {
		t.Fatalf("client checksum: %v", err)
	}
	if hostSum != clientSum {
		t.Fatalf("checksum diverged across the wire: host=%s client=%s", hostSum, clientSum)
	}
}

func TestChecksumIgnoresMetaSubtree(t *testing.T) {
	doc := New()
	base, err := doc.Checksum()
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}

	if err := doc.Set("local-only", "meta", "debug"); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	withMeta, err := doc.Checksum()
	if err != nil {
		t.Fatalf("checksum with meta: %v", err)
	}
	if base != withMeta {
		t.Fatalf("meta subtree leaked into checksum: %s vs %s", base, withMeta)
	}

	if err := doc.Set(2, "turn", "number"); err != nil {
		t.Fatalf("set turn: %v", err)
	}
	changed, err := doc.Checksum()
	if err != nil {
		t.Fatalf("checksum after change: %v", err)
	}
	if changed == base {
		t.Fatal("expected authoritative change to alter checksum")
	}
}

func TestSnapshotRoundTripPreservesChecksum(t *testing.T) {
	doc := New()
	if err := doc.Set(map[string]any{"owner": 1, "hp": 3}, "entities", "unit-2"); err != nil {
		t.Fatalf("set entity: %v", err)
	}

	data, err := doc.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	restored, err := FromSnapshot(data)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	want, err := doc.Checksum()
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	got, err := restored.Checksum()
	if err != nil {
		t.Fatalf("restored checksum: %v", err)
	}
	if want != got {
		t.Fatalf("snapshot round trip changed checksum: %s vs %s", want, got)
	}
}

func TestSerializationIgnoresInsertionOrder(t *testing.T) {
	forward := New()
	for _, diff := range []Diff{
		Set(map[string]any{"owner": 0, "hp": 10}, "entities", "unit-a"),
		Set(map[string]any{"owner": 1, "hp": 8}, "entities", "unit-b"),
		Set(3, "turn", "number"),
	} {
		if err := forward.Apply([]Diff{diff}); err != nil {
			t.Fatalf("apply forward: %v", err)
		}
	}

	backward := New()
	for _, diff := range []Diff{
		Set(3, "turn", "number"),
		Set(map[string]any{"hp": 8, "owner": 1}, "entities", "unit-b"),
		Set(map[string]any{"hp": 10, "owner": 0}, "entities", "unit-a"),
	} {
		if err := backward.Apply([]Diff{diff}); err != nil {
			t.Fatalf("apply backward: %v", err)
		}
	}

	forwardBytes, err := forward.Snapshot()
	if err != nil {
		t.Fatalf("forward snapshot: %v", err)
	}
	backwardBytes, err := backward.Snapshot()
	if err != nil {
		t.Fatalf("backward snapshot: %v", err)
	}
	if string(forwardBytes) != string(backwardBytes) {
		t.Fatalf("serialization depends on insertion order:\n%s\n%s", forwardBytes, backwardBytes)
	}

	forwardSum, err := forward.Checksum()
	if err != nil {
		t.Fatalf("forward checksum: %v", err)
	}
	backwardSum, err := backward.Checksum()
	if err != nil {
		t.Fatalf("backward checksum: %v", err)
	}
	if forwardSum != backwardSum {
		t.Fatalf("checksum depends on insertion order: %s vs %s", forwardSum, backwardSum)
	}
}

func TestConventionAccessors(t *testing.T) {
	doc := New()
	if doc.TurnNumber() != 1 {
		t.Fatalf("expected initial turn 1, got %d", doc.TurnNumber())
	}
	if doc.TurnPhase() != "main" {
		t.Fatalf("expected initial phase main, got %s", doc.TurnPhase())
	}
	if doc.ActivePlayer() != 0 {
		t.Fatalf("expected player 0 active, got %d", doc.ActivePlayer())
	}

	if err := doc.Apply([]Diff{
		Set(map[string]any{"owner": 1, "hp": 5}, "entities", "unit-3"),
		Set(4, "turn", "number"),
		Set("combat", "turn", "phase"),
		Set(1, "turn", "active"),
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if !doc.EntityExists("unit-3") {
		t.Fatal("expected unit-3 to exist")
	}
	if doc.EntityExists("unit-404") {
		t.Fatal("expected unit-404 to be absent")
	}
	ids := doc.EntityIDs()
	if len(ids) != 1 || ids[0] != "unit-3" {
		t.Fatalf("unexpected entity ids %v", ids)
	}
	if doc.TurnNumber() != 4 || doc.TurnPhase() != "combat" || doc.ActivePlayer() != 1 {
		t.Fatalf("unexpected turn state %d/%s/%d", doc.TurnNumber(), doc.TurnPhase(), doc.ActivePlayer())
	}

	if _, _, ok := doc.Outcome(); ok {
		t.Fatal("expected no outcome before result is set")
	}
	if err := doc.Apply([]Diff{
		Set(1, "result", "winner"),
		Set("victory", "result", "reason"),
	}); err != nil {
		t.Fatalf("apply result: %v", err)
	}
	winner, reason, ok := doc.Outcome()
	if !ok || winner != 1 || reason != "victory" {
		t.Fatalf("unexpected outcome %d/%s/%v", winner, reason, ok)
	}
}

func TestNormalizeStructs(t *testing.T) {
	type position struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	doc := Doc{}
	if err := doc.Set(position{X: 2, Y: 9}, "entities", "unit-1", "pos"); err != nil {
		t.Fatalf("set struct: %v", err)
	}
	x, ok := doc.GetNumber("entities", "unit-1", "pos", "x")
	if !ok || x != 2 {
		t.Fatalf("expected normalized struct field, got %v ok=%v", x, ok)
	}
}
