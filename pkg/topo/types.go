// Package topo defines the NetSatBench data model: nodes, links, workers,
// and the epoch deltas the topology compiler applies to them.
package topo

import "fmt"

// Node is an emulated participant: satellite, ground station, user, or
// any other role the topology assigns a name and a type tag.
type Node struct {
	Name       string            `json:"name"`
	Type       string            `json:"type"` // free-form: satellite|gateway|user|...
	Worker     string            `json:"worker"`
	Antennas   int               `json:"antennas"`
	SubnetV4   string            `json:"subnet_v4,omitempty"`
	SubnetV6   string            `json:"subnet_v6,omitempty"`
	L3         *NodeL3Config     `json:"l3,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EthZeroIP  string            `json:"eth0_ip,omitempty"`
}

// NodeL3Config carries per-node routing overrides layered on top of the
// global L3Config.
type NodeL3Config struct {
	AreaID               string `json:"area_id,omitempty"`
	Protocol             string `json:"protocol,omitempty"` // "static" or "isis"
	AdvertiseDefaultRoute bool  `json:"advertize_default_route,omitempty"`
}

// Validate checks structural invariants that do not depend on other nodes.
func (n *Node) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("topo: node has empty name")
	}
	if n.Antennas < 1 {
		return fmt.Errorf("topo: node %s: antennas must be >= 1, got %d", n.Name, n.Antennas)
	}
	return nil
}

// Worker is a host machine that runs the container runtime for a subset
// of nodes.
type Worker struct {
	Name        string `json:"name"`
	IP          string `json:"ip"`
	SSHUser     string `json:"ssh_user"`
	SSHKey      string `json:"ssh_key,omitempty"`
	OverlayCIDR string `json:"overlay_cidr,omitempty"`
}

// L3Config is the global routing configuration written to
// /config/L3-config.
type L3Config struct {
	EnableTC            bool   `json:"ENABLE_TC"`
	EnableISIS          bool   `json:"ENABLE_ISIS"`
	ISISAreaID          string `json:"ISIS_AREA_ID,omitempty"`
	CommonBridgeAddress bool   `json:"COMMON-BRIDGE-ADDRESS"`
	IPVersion           string `json:"ip-version,omitempty"` // "4", "6", or "" (both)
}

// ShapingParams are the tc netem / HTB-class parameters carried on a link.
// Zero-value (empty string) fields are omitted from the emitted qdisc.
type ShapingParams struct {
	Rate         string `json:"rate,omitempty"`
	Delay        string `json:"delay,omitempty"`
	Jitter       string `json:"jitter,omitempty"`
	Distribution string `json:"distribution,omitempty"`
	Loss         string `json:"loss,omitempty"`
	Duplicate    string `json:"duplicate,omitempty"`
	Corrupt      string `json:"corrupt,omitempty"`
	Reorder      string `json:"reorder,omitempty"`
	Gap          string `json:"gap,omitempty"`
}

// Empty reports whether every shaping field is unset, meaning
// apply_tc_settings should be a no-op.
func (s ShapingParams) Empty() bool {
	return s.Rate == "" && s.Delay == "" && s.Jitter == "" && s.Distribution == "" &&
		s.Loss == "" && s.Duplicate == "" && s.Corrupt == "" && s.Reorder == "" && s.Gap == ""
}

// Link is an undirected point-to-point overlay between two nodes' specific
// antennas. Endpoint1/Endpoint2 are stored in canonical (lexicographically
// sorted) order — see Canonicalize and Key.
type Link struct {
	Endpoint1       string `json:"endpoint1"`
	Endpoint2       string `json:"endpoint2"`
	Endpoint1Antenna int   `json:"endpoint1_antenna"`
	Endpoint2Antenna int   `json:"endpoint2_antenna"`
	VNI             uint32        `json:"vni"`
	Shaping         ShapingParams `json:"shaping,omitempty"`
}

// Canonicalize reorders endpoints so Endpoint1 < Endpoint2 lexicographically,
// swapping the antenna fields to match. Idempotent.
func (l *Link) Canonicalize() {
	if l.Endpoint1 > l.Endpoint2 {
		l.Endpoint1, l.Endpoint2 = l.Endpoint2, l.Endpoint1
		l.Endpoint1Antenna, l.Endpoint2Antenna = l.Endpoint2Antenna, l.Endpoint1Antenna
	}
}

// Key returns the canonical store key suffix for this link:
// "<A>_<B>_<antA>_<antB>" with A<B.
func (l *Link) Key() string {
	c := *l
	c.Canonicalize()
	return fmt.Sprintf("%s_%s_%d_%d", c.Endpoint1, c.Endpoint2, c.Endpoint1Antenna, c.Endpoint2Antenna)
}

// HasEndpoint reports whether name is one of the link's two endpoints.
func (l *Link) HasEndpoint(name string) bool {
	return l.Endpoint1 == name || l.Endpoint2 == name
}

// Peer returns the other endpoint's name, this node's antenna index and
// the peer's antenna index, given one endpoint's name.
func (l *Link) Peer(self string) (peer string, selfAntenna, peerAntenna int, ok bool) {
	switch self {
	case l.Endpoint1:
		return l.Endpoint2, l.Endpoint1Antenna, l.Endpoint2Antenna, true
	case l.Endpoint2:
		return l.Endpoint1, l.Endpoint2Antenna, l.Endpoint1Antenna, true
	default:
		return "", 0, 0, false
	}
}

// LinkRef identifies a link by its two endpoints and antennas, without a
// VNI or shaping — used for links-del entries.
type LinkRef struct {
	Endpoint1        string `json:"endpoint1"`
	Endpoint2        string `json:"endpoint2"`
	Endpoint1Antenna int    `json:"endpoint1_antenna"`
	Endpoint2Antenna int    `json:"endpoint2_antenna"`
}

// Key returns the canonical key suffix, matching Link.Key's format.
func (r LinkRef) Key() string {
	l := Link{Endpoint1: r.Endpoint1, Endpoint2: r.Endpoint2,
		Endpoint1Antenna: r.Endpoint1Antenna, Endpoint2Antenna: r.Endpoint2Antenna}
	return l.Key()
}

// RunBatch is the value stored at /config/run/<name>: a monotonic counter
// plus the ordered list of shell commands an agent should execute once,
// in order, serially.
type RunBatch struct {
	EpochCounter int      `json:"epoch_counter"`
	Commands     []string `json:"commands"`
}

// Epoch is a timestamped delta applied relative to accumulated state.
type Epoch struct {
	Time         string              `json:"time,omitempty"`
	LinksAdd     []Link              `json:"links-add,omitempty"`
	LinksDel     []LinkRef           `json:"links-del,omitempty"`
	LinksUpdate  []Link              `json:"links-update,omitempty"`
	Run          map[string][]string `json:"run,omitempty"`
}
