package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
	"github.com/netsatbench/netsatbench/pkg/util"
)

// vxlanMTU and vxlanDstPort are fixed by spec §6's "bit-exact" command
// contract.
const (
	vxlanMTU     = 1350
	vxlanDstPort = 4789

	peerIPRetryAttempts = 10
	peerIPRetryInterval = 2 * time.Second
)

// ifaceNameFor is C5's interface naming convention: a stable, globally
// unique local name per peer antenna.
func ifaceNameFor(peerName string, peerAntenna int) string {
	return fmt.Sprintf("vl_%s_%d", peerName, peerAntenna)
}

// WatchLinks implements C5: an initial scan of links touching self,
// followed by a live watch over the same prefix. Blocks until ctx is
// canceled.
func (a *Agent) WatchLinks(ctx context.Context) error {
	if err := a.initialLinkScan(ctx); err != nil {
		return err
	}
	if a.Watch == nil {
		return fmt.Errorf("agent: WatchLinks called with no Watcher configured")
	}

	ch := a.Watch.WatchPrefix(ctx, topo.PrefixLinks)
	for ev := range ch {
		switch ev.Kind {
		case store.EventResync:
			if err := a.initialLinkScan(ctx); err != nil {
				util.WithNode(a.Self).WithField("error", err).Warn("agent: link resync scan failed")
			}
		case store.EventPut:
			a.handleLinkPut(ctx, ev.Key, ev.Value)
		case store.EventDelete:
			a.handleLinkDelete(ctx, ev.Key)
		}
	}
	return ctx.Err()
}

// initialLinkScan is C5's epoch-0 bring-up: every link touching self is
// resolved and instantiated, tolerating peers whose eth0_ip has not yet
// landed in the store.
func (a *Agent) initialLinkScan(ctx context.Context) error {
	links, err := a.KV.GetPrefix(ctx, topo.PrefixLinks)
	if err != nil {
		return fmt.Errorf("agent: initial link scan: %w", err)
	}
	for key, raw := range links {
		var l topo.Link
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			util.WithNode(a.Self).WithField("key", key).Warn("agent: malformed link record, skipping")
			continue
		}
		if !l.HasEndpoint(a.Self) {
			continue
		}
		a.upsertLink(ctx, l)
	}
	return nil
}

func (a *Agent) handleLinkPut(ctx context.Context, key, raw string) {
	if !strings.HasPrefix(key, topo.PrefixLinks) {
		return
	}
	var l topo.Link
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		util.WithNode(a.Self).WithField("key", key).Warn("agent: malformed link PUT, skipping")
		return
	}
	if !l.HasEndpoint(a.Self) {
		return
	}
	a.upsertLink(ctx, l)
}

func (a *Agent) handleLinkDelete(ctx context.Context, key string) {
	suffix := topo.NameFromKey(key, topo.PrefixLinks)
	if suffix == "" {
		return
	}
	// The key suffix is A_B_antA_antB; which of A and B this node is
	// decides the peer and the antenna index that names the interface.
	parts := strings.Split(suffix, "_")
	if len(parts) != 4 {
		return
	}
	epA, epB := parts[0], parts[1]
	var peer string
	switch a.Self {
	case epA:
		peer = epB
	case epB:
		peer = epA
	default:
		return
	}
	// Only the interface named after the peer's antenna (taken from the
	// peer's side of the key) is removed.
	var antA, antB int
	fmt.Sscanf(parts[2], "%d", &antA)
	fmt.Sscanf(parts[3], "%d", &antB)
	peerAntenna := antB
	if a.Self == epB {
		peerAntenna = antA
	}
	a.removeLink(ctx, ifaceNameFor(peer, peerAntenna))
}

// upsertLink resolves the peer's address with a bounded retry and then
// creates (or updates the shaping of) the local VXLAN interface.
func (a *Agent) upsertLink(ctx context.Context, l topo.Link) {
	peer, selfAntenna, peerAntenna, ok := l.Peer(a.Self)
	if !ok {
		return
	}

	ifname := ifaceNameFor(peer, peerAntenna)
	lock := a.lockFor(ifname)
	lock.Lock()
	defer lock.Unlock()

	selfIP, peerIP, err := a.resolveEndpointIPs(ctx, a.Self, peer)
	if err != nil {
		util.WithNode(a.Self).WithField("peer", peer).Warnf("agent: %v, link will be retried on next event", err)
		return
	}

	bridge := fmt.Sprintf("br%d", selfAntenna)
	if err := a.createVXLANLink(ctx, ifname, l.VNI, peerIP, selfIP, bridge); err != nil {
		util.WithNode(a.Self).WithField("iface", ifname).WithField("error", err).Warn("agent: creating vxlan link")
		return
	}
	if err := a.applyTCSettings(ctx, ifname, l.Shaping); err != nil {
		util.WithNode(a.Self).WithField("iface", ifname).WithField("error", err).Warn("agent: applying tc settings")
	}

	a.mu.Lock()
	a.ifaces[ifname] = ifaceState{VNI: l.VNI, PeerIP: peerIP, Bridge: bridge, Shaping: l.Shaping}
	a.mu.Unlock()

	if a.Router != nil {
		if err := a.Router.OnLinkUp(ctx, ifname); err != nil {
			util.WithNode(a.Self).WithField("iface", ifname).WithField("error", err).Warn("agent: routing adapter link-up notification failed")
		}
	}
}

// resolveEndpointIPs looks up both endpoints' eth0_ip, retrying up to
// peerIPRetryAttempts times, peerIPRetryInterval apart.
func (a *Agent) resolveEndpointIPs(ctx context.Context, self, peer string) (selfIP, peerIP string, err error) {
	for attempt := 0; attempt < peerIPRetryAttempts; attempt++ {
		selfIP = a.nodeEthZeroIP(ctx, self)
		peerIP = a.nodeEthZeroIP(ctx, peer)
		if selfIP != "" && peerIP != "" {
			return selfIP, peerIP, nil
		}
		if attempt < peerIPRetryAttempts-1 {
			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(peerIPRetryInterval):
			}
		}
	}
	return "", "", fmt.Errorf("missing eth0_ip for %s or %s after %d attempts", self, peer, peerIPRetryAttempts)
}

func (a *Agent) nodeEthZeroIP(ctx context.Context, name string) string {
	raw, found, err := a.KV.Get(ctx, topo.NodeKey(name))
	if err != nil || !found {
		return ""
	}
	var n topo.Node
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return ""
	}
	return n.EthZeroIP
}

// createVXLANLink is create_vxlan_link: idempotent upsert of one VXLAN
// interface, attached to its destination bridge and bridge-isolated.
func (a *Agent) createVXLANLink(ctx context.Context, ifname string, vni uint32, remoteIP, localIP, bridge string) error {
	a.mu.Lock()
	_, exists := a.ifaces[ifname]
	a.mu.Unlock()
	if exists {
		return nil
	}
	if res, err := a.Runner.Run(ctx, fmt.Sprintf("ip link show %s", ifname)); err == nil && res.Succeeded() {
		return nil
	}

	uplink := a.Uplink()
	if uplink == "" {
		uplink = "eth0"
	}

	cmd := fmt.Sprintf(
		"ip link add %s type vxlan id %d remote %s local %s dev %s dstport %d",
		ifname, vni, remoteIP, localIP, uplink, vxlanDstPort,
	)
	if _, err := a.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("link add %s: %w", ifname, err)
	}
	if _, err := a.Runner.Run(ctx, fmt.Sprintf("ip link set %s mtu %d", ifname, vxlanMTU)); err != nil {
		return fmt.Errorf("set mtu %s: %w", ifname, err)
	}
	if _, err := a.Runner.Run(ctx, fmt.Sprintf("ip link set %s master %s", ifname, bridge)); err != nil {
		return fmt.Errorf("attach %s to %s: %w", ifname, bridge, err)
	}
	if _, err := a.Runner.Run(ctx, fmt.Sprintf("ip link set dev %s up", ifname)); err != nil {
		return fmt.Errorf("bring up %s: %w", ifname, err)
	}
	if _, err := a.Runner.Run(ctx, fmt.Sprintf("bridge link set dev %s isolated on", ifname)); err != nil {
		return fmt.Errorf("isolate %s: %w", ifname, err)
	}
	util.WithNode(a.Self).WithField("iface", ifname).WithField("vni", vni).Info("agent: created vxlan link")
	return nil
}

// removeLink is delete_vxlan_link: tear down the interface (tc state
// drops with it) and tolerate its absence.
func (a *Agent) removeLink(ctx context.Context, ifname string) {
	lock := a.lockFor(ifname)
	lock.Lock()
	defer lock.Unlock()

	a.mu.Lock()
	_, existed := a.ifaces[ifname]
	delete(a.ifaces, ifname)
	a.mu.Unlock()
	if !existed {
		// Still issue the delete: the interface may exist from a prior
		// agent run the in-memory map does not know about.
	}

	if _, err := a.Runner.Run(ctx, fmt.Sprintf("ip link del %s", ifname)); err != nil {
		util.WithNode(a.Self).WithField("iface", ifname).WithField("error", err).Warn("agent: deleting vxlan link")
	}
	util.WithNode(a.Self).WithField("iface", ifname).Info("agent: removed vxlan link")

	if a.Router != nil {
		if err := a.Router.OnLinkDown(ctx, ifname); err != nil {
			util.WithNode(a.Self).WithField("iface", ifname).WithField("error", err).Warn("agent: routing adapter link-down notification failed")
		}
	}
}

// applyTCSettings is apply_tc_settings: replace the root qdisc with
// netem carrying only the populated options, or no-op if none are set.
func (a *Agent) applyTCSettings(ctx context.Context, ifname string, s topo.ShapingParams) error {
	if s.Empty() {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "tc qdisc replace dev %s root netem", ifname)
	if s.Delay != "" {
		fmt.Fprintf(&b, " delay %s", s.Delay)
		if s.Jitter != "" {
			fmt.Fprintf(&b, " %s", s.Jitter)
			if s.Distribution != "" {
				fmt.Fprintf(&b, " distribution %s", s.Distribution)
			}
		}
	}
	if s.Loss != "" {
		fmt.Fprintf(&b, " loss %s", s.Loss)
	}
	if s.Duplicate != "" {
		fmt.Fprintf(&b, " duplicate %s", s.Duplicate)
	}
	if s.Corrupt != "" {
		fmt.Fprintf(&b, " corrupt %s", s.Corrupt)
	}
	if s.Reorder != "" {
		fmt.Fprintf(&b, " reorder %s", s.Reorder)
		if s.Gap != "" {
			fmt.Fprintf(&b, " gap %s", s.Gap)
		}
	}
	if s.Rate != "" {
		fmt.Fprintf(&b, " rate %s", s.Rate)
	}

	if _, err := a.Runner.Run(ctx, b.String()); err != nil {
		return fmt.Errorf("netem on %s: %w", ifname, err)
	}
	return nil
}
