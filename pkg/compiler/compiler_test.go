package compiler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
)

func newTestCompiler(t *testing.T) (*Compiler, store.KV, context.Context) {
	t.Helper()
	ctx := context.Background()
	kv := store.NewFake()
	c, err := New(ctx, kv)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c, kv, ctx
}

func TestInitWritesNodesWorkersL3(t *testing.T) {
	c, kv, ctx := newTestCompiler(t)

	nodes := []topo.Node{{Name: "sat1", Antennas: 2}, {Name: "sat2", Antennas: 1}}
	workers := []topo.Worker{{Name: "w1", IP: "10.0.0.1"}}
	l3 := topo.L3Config{EnableISIS: true, ISISAreaID: "0001"}

	if err := c.Init(ctx, nodes, workers, l3, false); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	if _, found, _ := kv.Get(ctx, topo.NodeKey("sat1")); !found {
		t.Error("expected /config/nodes/sat1 to be written")
	}
	if _, found, _ := kv.Get(ctx, topo.WorkerKey("w1")); !found {
		t.Error("expected /config/workers/w1 to be written")
	}
	if _, found, _ := kv.Get(ctx, topo.KeyL3Config); !found {
		t.Error("expected /config/L3-config to be written")
	}
}

func TestInitRejectsExistingNodeWithoutForce(t *testing.T) {
	c, _, ctx := newTestCompiler(t)
	nodes := []topo.Node{{Name: "sat1", Antennas: 1}}

	if err := c.Init(ctx, nodes, nil, topo.L3Config{}, false); err != nil {
		t.Fatalf("first Init() failed: %v", err)
	}
	err := c.Init(ctx, nodes, nil, topo.L3Config{}, false)
	if err == nil {
		t.Fatal("expected second Init() without --force to fail")
	}
}

func TestInitForceOverwrites(t *testing.T) {
	c, _, ctx := newTestCompiler(t)
	nodes := []topo.Node{{Name: "sat1", Antennas: 1}}

	if err := c.Init(ctx, nodes, nil, topo.L3Config{}, false); err != nil {
		t.Fatalf("first Init() failed: %v", err)
	}
	if err := c.Init(ctx, nodes, nil, topo.L3Config{}, true); err != nil {
		t.Errorf("Init() with force=true should succeed on existing node: %v", err)
	}
}

func TestApplyEpochLinksAddAllocatesVNI(t *testing.T) {
	c, kv, ctx := newTestCompiler(t)

	epoch := topo.Epoch{LinksAdd: []topo.Link{
		{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 1,
			Shaping: topo.ShapingParams{Delay: "5ms", Rate: "100mbit"}},
	}}

	if err := c.ApplyEpoch(ctx, epoch); err != nil {
		t.Fatalf("ApplyEpoch() failed: %v", err)
	}

	raw, found, err := kv.Get(ctx, topo.PrefixLinks+"sat1_sat2_1_1")
	if err != nil || !found {
		t.Fatalf("expected link record to be written: found=%v err=%v", found, err)
	}
	var l topo.Link
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		t.Fatalf("unmarshal link record: %v", err)
	}
	if l.VNI != 1 {
		t.Errorf("VNI = %d, want 1 (lowest free)", l.VNI)
	}
}

func TestApplyEpochDuplicateLinkRejected(t *testing.T) {
	c, _, ctx := newTestCompiler(t)

	l := topo.Link{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 1}
	if err := c.ApplyEpoch(ctx, topo.Epoch{LinksAdd: []topo.Link{l}}); err != nil {
		t.Fatalf("first add failed: %v", err)
	}

	err := c.ApplyEpoch(ctx, topo.Epoch{LinksAdd: []topo.Link{l}})
	if err == nil {
		t.Fatal("expected DuplicateLinkError on re-adding the same link")
	}
}

func TestApplyEpochVNIReuse(t *testing.T) {
	c, kv, ctx := newTestCompiler(t)

	l1 := topo.Link{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 1}
	l2 := topo.Link{Endpoint1: "sat1", Endpoint2: "sat3", Endpoint1Antenna: 2, Endpoint2Antenna: 1}
	if err := c.ApplyEpoch(ctx, topo.Epoch{LinksAdd: []topo.Link{l1, l2}}); err != nil {
		t.Fatalf("initial add failed: %v", err)
	}

	// Delete L1 (VNI 1), then add L3, which should reclaim VNI 1.
	del := topo.LinkRef{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 1}
	l3 := topo.Link{Endpoint1: "sat2", Endpoint2: "sat3", Endpoint1Antenna: 1, Endpoint2Antenna: 2}
	if err := c.ApplyEpoch(ctx, topo.Epoch{LinksDel: []topo.LinkRef{del}, LinksAdd: []topo.Link{l3}}); err != nil {
		t.Fatalf("del+add epoch failed: %v", err)
	}

	raw, found, _ := kv.Get(ctx, topo.PrefixLinks+l3.Key())
	if !found {
		t.Fatal("expected L3 link record")
	}
	var got topo.Link
	json.Unmarshal([]byte(raw), &got)
	if got.VNI != 1 {
		t.Errorf("L3.VNI = %d, want 1 (reclaimed from L1)", got.VNI)
	}

	if _, found, _ := kv.Get(ctx, topo.PrefixLinks+del.Key()); found {
		t.Error("expected L1 record to be deleted")
	}
}

func TestApplyEpochLinksDelIdempotent(t *testing.T) {
	c, _, ctx := newTestCompiler(t)
	ref := topo.LinkRef{Endpoint1: "a", Endpoint2: "b", Endpoint1Antenna: 1, Endpoint2Antenna: 1}

	if err := c.ApplyEpoch(ctx, topo.Epoch{LinksDel: []topo.LinkRef{ref}}); err != nil {
		t.Errorf("deleting a nonexistent link should be a warning, not an error: %v", err)
	}
}

func TestApplyEpochLinksUpdatePreservesVNI(t *testing.T) {
	c, kv, ctx := newTestCompiler(t)
	l := topo.Link{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 1,
		Shaping: topo.ShapingParams{Delay: "10ms"}}
	if err := c.ApplyEpoch(ctx, topo.Epoch{LinksAdd: []topo.Link{l}}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	updated := l
	updated.Shaping = topo.ShapingParams{Delay: "50ms"}
	if err := c.ApplyEpoch(ctx, topo.Epoch{LinksUpdate: []topo.Link{updated}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	raw, _, _ := kv.Get(ctx, topo.PrefixLinks+l.Key())
	var got topo.Link
	json.Unmarshal([]byte(raw), &got)
	if got.VNI != 1 {
		t.Errorf("VNI changed across update: got %d, want 1", got.VNI)
	}
	if got.Shaping.Delay != "50ms" {
		t.Errorf("Delay = %q, want 50ms", got.Shaping.Delay)
	}
}

func TestApplyEpochLinksUpdateAntennaChangeRebuildsKey(t *testing.T) {
	c, kv, ctx := newTestCompiler(t)
	l := topo.Link{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 1}
	if err := c.ApplyEpoch(ctx, topo.Epoch{LinksAdd: []topo.Link{l}}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	updated := topo.Link{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 1, Endpoint2Antenna: 2}
	if err := c.ApplyEpoch(ctx, topo.Epoch{LinksUpdate: []topo.Link{updated}}); err != nil {
		t.Fatalf("antenna-changing update failed: %v", err)
	}

	if _, found, _ := kv.Get(ctx, topo.PrefixLinks+l.Key()); found {
		t.Error("expected old-antenna link record to be removed after rebuild")
	}
	raw, found, _ := kv.Get(ctx, topo.PrefixLinks+updated.Key())
	if !found {
		t.Fatal("expected new-antenna link record to be written")
	}
	var got topo.Link
	json.Unmarshal([]byte(raw), &got)
	if got.VNI != 1 {
		t.Errorf("VNI changed across antenna rebuild: got %d, want 1 (preserved)", got.VNI)
	}
}

func TestApplyEpochUnknownLinkUpdateRejected(t *testing.T) {
	c, _, ctx := newTestCompiler(t)
	l := topo.Link{Endpoint1: "a", Endpoint2: "b", Endpoint1Antenna: 1, Endpoint2Antenna: 1}
	err := c.ApplyEpoch(ctx, topo.Epoch{LinksUpdate: []topo.Link{l}})
	if err == nil {
		t.Fatal("expected UnknownLinkError updating a link that was never added")
	}
}

func TestApplyEpochRunWritesBatchWithCounter(t *testing.T) {
	c, kv, ctx := newTestCompiler(t)

	epoch := topo.Epoch{Run: map[string][]string{"sat1": {"echo hi", "sleep 1"}}}
	if err := c.ApplyEpoch(ctx, epoch); err != nil {
		t.Fatalf("ApplyEpoch() failed: %v", err)
	}

	raw, found, _ := kv.Get(ctx, topo.RunKey("sat1"))
	if !found {
		t.Fatal("expected /config/run/sat1 to be written")
	}
	var batch topo.RunBatch
	json.Unmarshal([]byte(raw), &batch)
	if batch.EpochCounter != 1 {
		t.Errorf("EpochCounter = %d, want 1", batch.EpochCounter)
	}
	if len(batch.Commands) != 2 {
		t.Errorf("Commands = %v, want 2 entries", batch.Commands)
	}
}

func TestApplyEpochOrderingDelBeforeAdd(t *testing.T) {
	// Deleting L(a,b) and re-adding an identical L(a,b) in the same epoch
	// must not spuriously fail with DuplicateLink.
	c, _, ctx := newTestCompiler(t)
	l := topo.Link{Endpoint1: "a", Endpoint2: "b", Endpoint1Antenna: 1, Endpoint2Antenna: 1}
	if err := c.ApplyEpoch(ctx, topo.Epoch{LinksAdd: []topo.Link{l}}); err != nil {
		t.Fatalf("initial add failed: %v", err)
	}

	del := topo.LinkRef{Endpoint1: "a", Endpoint2: "b", Endpoint1Antenna: 1, Endpoint2Antenna: 1}
	err := c.ApplyEpoch(ctx, topo.Epoch{LinksDel: []topo.LinkRef{del}, LinksAdd: []topo.Link{l}})
	if err != nil {
		t.Errorf("del+re-add of the same link in one epoch should not conflict: %v", err)
	}
}

func TestTeardownDeletesLinksAndRun(t *testing.T) {
	c, kv, ctx := newTestCompiler(t)
	l := topo.Link{Endpoint1: "a", Endpoint2: "b", Endpoint1Antenna: 1, Endpoint2Antenna: 1}
	c.ApplyEpoch(ctx, topo.Epoch{LinksAdd: []topo.Link{l}, Run: map[string][]string{"a": {"x"}}})
	c.Init(ctx, []topo.Node{{Name: "a", Antennas: 1}}, nil, topo.L3Config{}, false)

	if err := c.Teardown(ctx, false); err != nil {
		t.Fatalf("Teardown() failed: %v", err)
	}

	if len(kv.(*store.Fake).Keys()) == 0 {
		t.Fatal("expected node key to remain when removeNodes=false")
	}
	links, _ := kv.GetPrefix(ctx, topo.PrefixLinks)
	if len(links) != 0 {
		t.Errorf("expected no remaining links after teardown, got %v", links)
	}
}

func TestTeardownRemoveNodes(t *testing.T) {
	c, kv, ctx := newTestCompiler(t)
	c.Init(ctx, []topo.Node{{Name: "a", Antennas: 1}}, nil, topo.L3Config{}, false)

	if err := c.Teardown(ctx, true); err != nil {
		t.Fatalf("Teardown() failed: %v", err)
	}
	if len(kv.(*store.Fake).Keys()) != 0 {
		t.Errorf("expected store empty after full teardown, got %v", kv.(*store.Fake).Keys())
	}
}

func TestValidateEpochEndpoints(t *testing.T) {
	nodes := map[string]topo.Node{"sat1": {Name: "sat1", Antennas: 1}}
	epoch := topo.Epoch{LinksAdd: []topo.Link{
		{Endpoint1: "sat1", Endpoint2: "unknown", Endpoint1Antenna: 1, Endpoint2Antenna: 1},
	}}
	if err := ValidateEpochEndpoints(epoch, nodes); err == nil {
		t.Fatal("expected validation error for unknown endpoint")
	}
}

func TestValidateEpochEndpointsAntennaRange(t *testing.T) {
	nodes := map[string]topo.Node{
		"sat1": {Name: "sat1", Antennas: 1},
		"sat2": {Name: "sat2", Antennas: 1},
	}
	epoch := topo.Epoch{LinksAdd: []topo.Link{
		{Endpoint1: "sat1", Endpoint2: "sat2", Endpoint1Antenna: 5, Endpoint2Antenna: 1},
	}}
	if err := ValidateEpochEndpoints(epoch, nodes); err == nil {
		t.Fatal("expected validation error for out-of-range antenna index")
	}
}

func TestParseEpochFileJSONAndYAML(t *testing.T) {
	jsonData := []byte(`{"links-add":[{"endpoint1":"a","endpoint2":"b","endpoint1_antenna":1,"endpoint2_antenna":1}]}`)
	e1, err := ParseEpochFile(jsonData)
	if err != nil {
		t.Fatalf("ParseEpochFile(JSON) failed: %v", err)
	}
	if len(e1.LinksAdd) != 1 {
		t.Fatalf("expected 1 links-add entry from JSON")
	}

	yamlData := []byte("links-add:\n  - endpoint1: a\n    endpoint2: b\n    endpoint1_antenna: 1\n    endpoint2_antenna: 1\n")
	e2, err := ParseEpochFile(yamlData)
	if err != nil {
		t.Fatalf("ParseEpochFile(YAML) failed: %v", err)
	}
	if len(e2.LinksAdd) != 1 || e2.LinksAdd[0].Endpoint1 != "a" {
		t.Fatalf("unexpected YAML parse result: %+v", e2)
	}
}
