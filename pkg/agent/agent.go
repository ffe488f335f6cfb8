// Package agent implements the per-node agent: it watches the shared
// store and reconciles the local dataplane (bridges, VXLAN tunnels, tc
// qdiscs, routing, /etc/hosts) with the desired state the topology
// compiler publishes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/netsatbench/netsatbench/pkg/command"
	"github.com/netsatbench/netsatbench/pkg/netlinkutil"
	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
	"github.com/netsatbench/netsatbench/pkg/util"
)

// Agent is one node's reconciliation engine. A single Agent owns every
// kernel resource belonging to its node: no cross-node locking is
// needed, and the store is the only coordination point with everyone
// else.
type Agent struct {
	Self   string
	KV     store.KV
	Runner command.Runner

	mu       sync.Mutex
	node     topo.Node
	l3       topo.L3Config
	uplink   string // host-facing device vxlan tunnels ride over, e.g. "eth0"
	ifaces   map[string]ifaceState // vxlan ifname -> state, for idempotent upsert
	ifaceMu  map[string]*sync.Mutex // per-interface-name lock (C5 concurrency rule)
	ifaceMuL sync.Mutex

	// Router, if set, is notified of link add/delete so routing adjacency
	// (C6) can track the dataplane C5 just changed. Optional: nil means
	// no routing adapter is configured for this node.
	Router RoutingAdapter

	// Watch is the prefix-subscription source for the C5/C7/C8 watchers.
	// store.KV intentionally omits Watch/WatchPrefix (the Fake test
	// store has no watch support — tests drive reconcilers with
	// synthesized events instead), so it is injected separately and
	// left nil in unit tests.
	Watch Watcher

	runtime *runtimeExecutor // C7 state, lazily created by WatchRuntime
}

// RoutingAdapter is C6's hook into C5's link lifecycle. Implementations
// live in pkg/agent/routing.go.
type RoutingAdapter interface {
	OnLinkUp(ctx context.Context, ifname string) error
	OnLinkDown(ctx context.Context, ifname string) error
}

// Watcher is the subset of store.Client's API the agent's watchers need.
// Satisfied structurally by *store.Client.
type Watcher interface {
	WatchPrefix(ctx context.Context, prefix string) <-chan store.Event
}

// ifaceState tracks one VXLAN interface this agent created.
type ifaceState struct {
	VNI      uint32
	PeerIP   string
	Bridge   string
	Shaping  topo.ShapingParams
}

// New constructs an Agent for node self.
func New(self string, kv store.KV, runner command.Runner) *Agent {
	return &Agent{
		Self:    self,
		KV:      kv,
		Runner:  runner,
		ifaces:  make(map[string]ifaceState),
		ifaceMu: make(map[string]*sync.Mutex),
	}
}

func (a *Agent) lockFor(ifname string) *sync.Mutex {
	a.ifaceMuL.Lock()
	defer a.ifaceMuL.Unlock()
	l, ok := a.ifaceMu[ifname]
	if !ok {
		l = &sync.Mutex{}
		a.ifaceMu[ifname] = l
	}
	return l
}

// Bootstrap performs C4: connect (assumed already done by caller),
// read own node/L3 records, discover and publish the reachable IP,
// create per-antenna bridges, and publish br1's address under
// /config/etchosts/<self>. /etc/hosts itself is written by WatchEtcHosts.
func (a *Agent) Bootstrap(ctx context.Context) error {
	nodeRaw, found, err := a.KV.Get(ctx, topo.NodeKey(a.Self))
	if err != nil {
		return fmt.Errorf("agent: reading own node record: %w", err)
	}
	if !found {
		return fmt.Errorf("agent: no node record for %s at %s", a.Self, topo.NodeKey(a.Self))
	}
	var node topo.Node
	if err := json.Unmarshal([]byte(nodeRaw), &node); err != nil {
		return fmt.Errorf("agent: parsing own node record: %w", err)
	}

	var l3 topo.L3Config
	if raw, found, err := a.KV.Get(ctx, topo.KeyL3Config); err == nil && found {
		json.Unmarshal([]byte(raw), &l3)
	}

	a.mu.Lock()
	a.node = node
	a.l3 = l3
	a.mu.Unlock()

	ip, iface, err := discoverPrimaryIP()
	if err != nil {
		return fmt.Errorf("agent: discovering host-reachable IP: %w", err)
	}
	node.EthZeroIP = ip
	a.mu.Lock()
	a.node.EthZeroIP = ip
	a.uplink = iface
	a.mu.Unlock()
	data, _ := json.Marshal(node)
	if err := a.KV.Put(ctx, topo.NodeKey(a.Self), string(data)); err != nil {
		return fmt.Errorf("agent: publishing eth0_ip: %w", err)
	}
	util.WithNode(a.Self).WithField("ip", ip).Info("agent: bootstrap discovered host IP")

	if err := a.createBridges(ctx, node, l3); err != nil {
		return err
	}

	v4, v6 := enabledFamilies(l3)
	var hostsIP string
	if v4 && node.SubnetV4 != "" {
		hostsIP, _ = util.HostFromTop(node.SubnetV4, 0)
	} else if v6 && node.SubnetV6 != "" {
		hostsIP, _ = util.HostFromTopV6(node.SubnetV6, 0)
	}
	if hostsIP != "" {
		if err := a.KV.Put(ctx, topo.EtcHostsKey(a.Self), hostsIP); err != nil {
			return fmt.Errorf("agent: publishing /etc/hosts entry: %w", err)
		}
	}

	return nil
}

// discoverPrimaryIP returns the first non-loopback, non-zero IPv4
// address on the host, retrying until one is observed. Matches the
// spec's "retries until a non-zero, non-.0 IP" bootstrap requirement.
func discoverPrimaryIP() (ip string, iface string, err error) {
	for {
		ifaces, ifErr := net.Interfaces()
		if ifErr == nil {
			for _, ifi := range ifaces {
				if ifi.Flags&net.FlagLoopback != 0 {
					continue
				}
				addrs, aErr := ifi.Addrs()
				if aErr != nil {
					continue
				}
				for _, addr := range addrs {
					ipNet, ok := addr.(*net.IPNet)
					if !ok {
						continue
					}
					ip4 := ipNet.IP.To4()
					if ip4 == nil || ip4[3] == 0 {
						continue
					}
					return ip4.String(), ifi.Name, nil
				}
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// enabledFamilies reports which IP families bridges and IS-IS loopbacks
// should be addressed/enabled for, per L3Config.IPVersion ("4", "6", or
// "" for both — spec §6's "(ip|ipv6) router isis CORE").
func enabledFamilies(l3 topo.L3Config) (v4, v6 bool) {
	switch l3.IPVersion {
	case "4":
		return true, false
	case "6":
		return false, true
	default:
		return true, true
	}
}

// createBridges creates br1..brN, brings them up, and assigns addresses
// from the top of the node's subnet host range (C4 step 4), for each
// family enabled by L3Config.IPVersion.
func (a *Agent) createBridges(ctx context.Context, node topo.Node, l3 topo.L3Config) error {
	v4, v6 := enabledFamilies(l3)
	if v4 && node.SubnetV4 == "" {
		util.WithNode(a.Self).Warn("agent: no IPv4 subnet configured, bridges will have no IPv4 address")
	}
	if v6 && node.SubnetV6 == "" {
		util.WithNode(a.Self).Warn("agent: no IPv6 subnet configured, bridges will have no IPv6 address")
	}

	for i := 1; i <= node.Antennas; i++ {
		brName := fmt.Sprintf("br%d", i)
		if _, err := a.Runner.Run(ctx, fmt.Sprintf("ip link add %s type bridge", brName)); err != nil {
			return fmt.Errorf("agent: creating %s: %w", brName, err)
		}
		if _, err := a.Runner.Run(ctx, fmt.Sprintf("ip link set %s up", brName)); err != nil {
			return fmt.Errorf("agent: bringing up %s: %w", brName, err)
		}

		offset := i - 1
		if l3.CommonBridgeAddress {
			offset = 0
		}

		if v4 && node.SubnetV4 != "" {
			if err := a.addBridgeAddress(ctx, brName, node.SubnetV4, offset, util.HostFromTop); err != nil {
				return err
			}
		}
		if v6 && node.SubnetV6 != "" {
			if err := a.addBridgeAddress(ctx, brName, node.SubnetV6, offset, util.HostFromTopV6); err != nil {
				return err
			}
		}
	}
	return nil
}

// addBridgeAddress assigns brName an address from subnet's host range
// using deriveHost (util.HostFromTop or util.HostFromTopV6), tolerating
// a too-small subnet by leaving the bridge unaddressed for that family
// and skipping work already done by a prior bootstrap.
func (a *Agent) addBridgeAddress(ctx context.Context, brName, subnet string, offset int, deriveHost func(string, int) (string, error)) error {
	addr, err := deriveHost(subnet, offset)
	if err != nil {
		util.WithNode(a.Self).Warnf("agent: subnet %s too small for bridge %s, leaving unaddressed: %v",
			subnet, brName, err)
		return nil
	}
	_, maskLen := util.SplitIPMask(subnet)
	if has, err := netlinkutil.HasAddress(brName, addr, maskLen); err == nil && has {
		return nil // already addressed from a prior bootstrap, idempotent restart
	}
	cmd := fmt.Sprintf("ip addr add %s/%d dev %s", addr, maskLen, brName)
	if _, err := a.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("agent: addressing %s: %w", brName, err)
	}
	return nil
}

// Node returns the agent's cached node record.
func (a *Agent) Node() topo.Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.node
}

// L3Config returns the agent's cached global L3 configuration.
func (a *Agent) L3Config() topo.L3Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.l3
}

// Uplink returns the host-facing device VXLAN tunnels are created on,
// discovered during Bootstrap.
func (a *Agent) Uplink() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uplink
}
