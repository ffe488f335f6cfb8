package topo

import "strings"

// Store key prefixes, per the external key layout.
const (
	PrefixNodes     = "/config/nodes/"
	PrefixWorkers   = "/config/workers/"
	PrefixLinks     = "/config/links/"
	PrefixRun       = "/config/run/"
	PrefixRunAck    = "/config/run-ack/"
	PrefixEtcHosts  = "/config/etchosts/"
	PrefixState     = "/config/state/"
	KeyL3Config     = "/config/L3-config"
	KeyEpochConfig  = "/config/epoch-config"
)

// NodeKey returns the store key for a node descriptor.
func NodeKey(name string) string { return PrefixNodes + name }

// WorkerKey returns the store key for a worker-host descriptor.
func WorkerKey(name string) string { return PrefixWorkers + name }

// LinkKey returns the store key for a link, given its (possibly
// un-canonicalized) Link record.
func LinkKey(l Link) string { return PrefixLinks + l.Key() }

// LinkKeyForRef returns the store key for a links-del reference.
func LinkKeyForRef(r LinkRef) string { return PrefixLinks + r.Key() }

// LinksPrefixFor returns the scan prefix for all links touching node name,
// i.e. links where name is the lexicographically-first endpoint. Because
// link keys are canonicalized A_B_.., a node may also appear as the second
// endpoint; callers must additionally filter by HasEndpoint when scanning
// the full /config/links/ prefix, since a node does not get its own stable
// prefix under the canonical scheme.
func LinksPrefixFor(name string) string { return PrefixLinks + name + "_" }

// RunKey returns the store key for a node's runtime command batch.
func RunKey(name string) string { return PrefixRun + name }

// RunAckKey returns the store key an agent publishes its last-executed
// epoch counter to, for observability only.
func RunAckKey(name string) string { return PrefixRunAck + name }

// EtcHostsKey returns the store key for a node's published IP used to
// build every agent's /etc/hosts.
func EtcHostsKey(name string) string { return PrefixEtcHosts + name }

// StateKey returns the store key for a node's agent-owned, read-only
// runtime state (interfaces, VNIs, tc parameters).
func StateKey(name string) string { return PrefixState + name }

// NameFromKey strips prefix from key, returning the trailing name
// component. Returns "" if key does not have prefix.
func NameFromKey(key, prefix string) string {
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}
