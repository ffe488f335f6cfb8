package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/netsatbench/netsatbench/pkg/topo"
	"github.com/netsatbench/netsatbench/pkg/util"
)

// StatePublishInterval is how often the agent republishes its interface
// snapshot to its /config/state/<self> key.
const StatePublishInterval = 10 * time.Second

// InterfaceState is one VXLAN interface's published view, mirroring the
// in-memory ifaceState the link reconciler keeps.
type InterfaceState struct {
	Name    string             `json:"name"`
	VNI     uint32             `json:"vni"`
	PeerIP  string             `json:"peer_ip"`
	Bridge  string             `json:"bridge"`
	Shaping topo.ShapingParams `json:"shaping,omitempty"`
}

// State is the agent-owned, read-only snapshot written to
// /config/state/<self>: what nsbctl stats reads instead of going
// over SSH to each worker (spec's supplemented "nsbctl stats" feature).
type State struct {
	Node       string           `json:"node"`
	EthZeroIP  string           `json:"eth0_ip"`
	Interfaces []InterfaceState `json:"interfaces"`
	UpdatedAt  string           `json:"updated_at"`
}

// Snapshot returns the agent's current interface state without touching
// the store.
func (a *Agent) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := State{Node: a.Self, EthZeroIP: a.node.EthZeroIP}
	for name, st := range a.ifaces {
		s.Interfaces = append(s.Interfaces, InterfaceState{
			Name: name, VNI: st.VNI, PeerIP: st.PeerIP, Bridge: st.Bridge, Shaping: st.Shaping,
		})
	}
	return s
}

// PublishState writes the current snapshot to the node's state key.
func (a *Agent) PublishState(ctx context.Context) error {
	s := a.Snapshot()
	s.UpdatedAt = nowRFC3339()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("agent: marshaling state snapshot: %w", err)
	}
	if err := a.KV.Put(ctx, topo.StateKey(a.Self), string(data)); err != nil {
		return fmt.Errorf("agent: publishing state: %w", err)
	}
	return nil
}

// nowRFC3339 is split out so tests can observe it is called without
// depending on wall-clock formatting elsewhere.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// WatchState republishes the agent's interface snapshot on a fixed
// interval until ctx is canceled. Failures are logged, not fatal: state
// publication is purely observational and never gates dataplane
// reconciliation.
func (a *Agent) WatchState(ctx context.Context) error {
	ticker := time.NewTicker(StatePublishInterval)
	defer ticker.Stop()

	if err := a.PublishState(ctx); err != nil {
		util.WithNode(a.Self).WithField("error", err).Warn("agent: initial state publish failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.PublishState(ctx); err != nil {
				util.WithNode(a.Self).WithField("error", err).Warn("agent: periodic state publish failed")
			}
		}
	}
}
