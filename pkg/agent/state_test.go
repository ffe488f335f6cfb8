package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/netsatbench/netsatbench/pkg/command"
	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
)

func TestPublishStateWritesSnapshot(t *testing.T) {
	kv := store.NewFake()
	a := New("sat1", kv, command.NewFakeRunner())
	a.node.EthZeroIP = "10.0.0.1"
	a.ifaces["vl_sat2_1"] = ifaceState{VNI: 5, PeerIP: "10.0.0.2", Bridge: "br1"}

	if err := a.PublishState(context.Background()); err != nil {
		t.Fatalf("PublishState: %v", err)
	}

	raw, found, err := kv.Get(context.Background(), topo.StateKey("sat1"))
	if err != nil || !found {
		t.Fatalf("expected state key to be written, found=%v err=%v", found, err)
	}

	var got State
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if got.Node != "sat1" || got.EthZeroIP != "10.0.0.1" {
		t.Fatalf("unexpected state: %+v", got)
	}
	if len(got.Interfaces) != 1 || got.Interfaces[0].VNI != 5 {
		t.Fatalf("unexpected interfaces: %+v", got.Interfaces)
	}
}

func TestSnapshotEmptyAgent(t *testing.T) {
	kv := store.NewFake()
	a := New("usr1", kv, command.NewFakeRunner())
	s := a.Snapshot()
	if s.Node != "usr1" || len(s.Interfaces) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", s)
	}
}
