// Package compiler implements the topology compiler (C2): it ingests
// epoch JSONs, assigns/recycles VNIs, and writes per-node link records
// and runtime commands into the shared store.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
	"github.com/netsatbench/netsatbench/pkg/util"
	"github.com/netsatbench/netsatbench/pkg/vni"
)

// Compiler owns /config/links/, /config/run/, and (at init/teardown time)
// /config/nodes/ and /config/workers/. It reconstructs VNI allocator
// state from the store on construction so it survives a restart.
type Compiler struct {
	kv        store.KV
	allocator *vni.Allocator
	counter   int
}

// New constructs a Compiler bound to kv, scanning /config/links/ to
// rebuild VNI allocator state.
func New(ctx context.Context, kv store.KV) (*Compiler, error) {
	c := &Compiler{kv: kv, allocator: vni.NewAllocator()}

	links, err := kv.GetPrefix(ctx, topo.PrefixLinks)
	if err != nil {
		return nil, fmt.Errorf("compiler: scanning existing links: %w", err)
	}
	for key, raw := range links {
		var l topo.Link
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			util.WithField("key", key).Warn("compiler: skipping unparseable link record during allocator rebuild")
			continue
		}
		if l.VNI != 0 {
			if err := c.allocator.Mark(l.VNI); err != nil {
				util.WithField("key", key).Warnf("compiler: could not mark VNI from existing link: %v", err)
			}
		}
	}

	if raw, found, err := kv.Get(ctx, topo.KeyEpochConfig); err == nil && found {
		var cfg epochConfig
		if json.Unmarshal([]byte(raw), &cfg) == nil {
			c.counter = cfg.Counter
		}
	}

	return c, nil
}

type epochConfig struct {
	Counter int `json:"counter"`
}

// Init writes /config/nodes/<name>, /config/workers/<name>, and
// /config/L3-config. Fails with a ConflictError if any node already
// exists and force is false.
func (c *Compiler) Init(ctx context.Context, nodes []topo.Node, workers []topo.Worker, l3 topo.L3Config, force bool) error {
	if !force {
		for _, n := range nodes {
			if _, found, err := c.kv.Get(ctx, topo.NodeKey(n.Name)); err != nil {
				return fmt.Errorf("compiler: checking existing node %s: %w", n.Name, err)
			} else if found {
				return util.NewConflictError("init", topo.NodeKey(n.Name), "node already exists, pass --force to overwrite")
			}
		}
	}

	vb := &util.ValidationBuilder{}
	for _, n := range nodes {
		vb.Add(n.Name != "", "node has empty name")
		vb.Add(n.Antennas >= 1, fmt.Sprintf("node %s: antennas must be >= 1", n.Name))
	}
	if vb.HasErrors() {
		return vb.Build()
	}

	for _, n := range nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("compiler: marshaling node %s: %w", n.Name, err)
		}
		if err := c.kv.Put(ctx, topo.NodeKey(n.Name), string(data)); err != nil {
			return fmt.Errorf("compiler: writing node %s: %w", n.Name, err)
		}
	}
	for _, w := range workers {
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("compiler: marshaling worker %s: %w", w.Name, err)
		}
		if err := c.kv.Put(ctx, topo.WorkerKey(w.Name), string(data)); err != nil {
			return fmt.Errorf("compiler: writing worker %s: %w", w.Name, err)
		}
	}

	data, err := json.Marshal(l3)
	if err != nil {
		return fmt.Errorf("compiler: marshaling L3 config: %w", err)
	}
	return c.kv.Put(ctx, topo.KeyL3Config, string(data))
}

// endpointPairKey is the canonical key for a node pair, ignoring antenna —
// used to locate a links-update entry's prior record regardless of which
// antennas it names.
func endpointPairKey(ep1, ep2 string) string {
	if ep1 > ep2 {
		ep1, ep2 = ep2, ep1
	}
	return ep1 + "_" + ep2
}

func removeKey(keys []string, target string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != target {
			out = append(out, k)
		}
	}
	return out
}

// pendingWrite buffers a store mutation so ApplyEpoch can flush
// everything at the end — a malformed epoch aborts without partial
// writes.
type pendingWrite struct {
	key    string
	value  string // empty + delete=true means a deletion
	delete bool
}

// ApplyEpoch validates and applies one epoch: links-del, then links-add,
// then links-update, then run — in that order, matching the compiler's
// ordering guarantee (frees VNIs before allocating new ones). Nothing is
// written to the store until every element validates; a single invalid
// element aborts the whole epoch with no partial writes, except that
// links-del against a missing key is a warning, not an error (deletion
// is idempotent).
func (c *Compiler) ApplyEpoch(ctx context.Context, epoch topo.Epoch) error {
	var writes []pendingWrite
	var freedVNIs []uint32
	var allocatedVNIs []uint32

	existing, err := c.kv.GetPrefix(ctx, topo.PrefixLinks)
	if err != nil {
		return fmt.Errorf("compiler: reading existing links: %w", err)
	}
	linkByKey := make(map[string]topo.Link, len(existing))
	for key, raw := range existing {
		var l topo.Link
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return fmt.Errorf("compiler: existing link record %s is corrupt: %w", key, err)
		}
		linkByKey[topo.NameFromKey(key, topo.PrefixLinks)] = l
	}
	// Track which keys are live after applying del+add+update, to detect
	// DuplicateLink against same-epoch adds too.
	live := make(map[string]bool, len(linkByKey))
	for k := range linkByKey {
		live[k] = true
	}

	rollback := func() {
		for _, v := range allocatedVNIs {
			c.allocator.Free(v)
		}
		for _, v := range freedVNIs {
			c.allocator.Mark(v)
		}
	}

	// 1. links-del
	for _, ref := range epoch.LinksDel {
		key := ref.Key()
		l, found := linkByKey[key]
		if !found {
			util.WithField("key", key).Warn("compiler: links-del referenced a link that does not exist, ignoring")
			continue
		}
		writes = append(writes, pendingWrite{key: topo.PrefixLinks + key, delete: true})
		freedVNIs = append(freedVNIs, l.VNI)
		c.allocator.Free(l.VNI)
		delete(live, key)
	}

	// 2. links-add
	for _, l := range epoch.LinksAdd {
		l.Canonicalize()
		key := l.Key()
		if live[key] {
			rollback()
			return util.NewDuplicateLinkError(key)
		}
		vnum, err := c.allocator.Alloc()
		if err != nil {
			rollback()
			return fmt.Errorf("compiler: links-add %s: %w", key, err)
		}
		allocatedVNIs = append(allocatedVNIs, vnum)
		l.VNI = vnum

		data, err := json.Marshal(l)
		if err != nil {
			rollback()
			return fmt.Errorf("compiler: marshaling link %s: %w", key, err)
		}
		writes = append(writes, pendingWrite{key: topo.PrefixLinks + key, value: string(data)})
		live[key] = true
		linkByKey[key] = l
	}

	// 3. links-update. A stored record is located by endpoint pair, not
	// by full key, because the update entry's antenna indices may differ
	// from what is stored (see DESIGN.md's links-update decision) — only
	// matching on endpoints lets an antenna-changing update find its own
	// prior record instead of always missing and raising UnknownLink.
	pairIndex := make(map[string][]string, len(live))
	for k, isLive := range live {
		if !isLive {
			continue
		}
		l := linkByKey[k]
		pk := endpointPairKey(l.Endpoint1, l.Endpoint2)
		pairIndex[pk] = append(pairIndex[pk], k)
	}

	for _, l := range epoch.LinksUpdate {
		l.Canonicalize()
		newKey := l.Key()
		pk := endpointPairKey(l.Endpoint1, l.Endpoint2)

		var oldKey string
		if live[newKey] {
			oldKey = newKey
		} else {
			candidates := pairIndex[pk]
			if len(candidates) != 1 {
				rollback()
				return util.NewUnknownLinkError(pk)
			}
			oldKey = candidates[0]
		}

		prior := linkByKey[oldKey]
		l.VNI = prior.VNI // preserve prior VNI regardless of rebuild

		rebuilt := oldKey != newKey
		if rebuilt {
			// Antenna indices changed: the old record is a different key
			// than the new one, so it must be explicitly removed rather
			// than overwritten. This is what drives linkrecon's teardown
			// of the stale interface and creation of the new one.
			writes = append(writes, pendingWrite{key: topo.PrefixLinks + oldKey, delete: true})
			delete(live, oldKey)
			pairIndex[pk] = removeKey(pairIndex[pk], oldKey)
		}

		data, err := json.Marshal(l)
		if err != nil {
			rollback()
			return fmt.Errorf("compiler: marshaling updated link %s: %w", newKey, err)
		}
		writes = append(writes, pendingWrite{key: topo.PrefixLinks + newKey, value: string(data)})
		live[newKey] = true
		linkByKey[newKey] = l
		if rebuilt {
			pairIndex[pk] = append(pairIndex[pk], newKey)
		}
	}

	// 4. run
	newCounter := c.counter + 1
	for node, cmds := range epoch.Run {
		batch := topo.RunBatch{EpochCounter: newCounter, Commands: cmds}
		data, err := json.Marshal(batch)
		if err != nil {
			rollback()
			return fmt.Errorf("compiler: marshaling run batch for %s: %w", node, err)
		}
		writes = append(writes, pendingWrite{key: topo.RunKey(node), value: string(data)})
	}

	// Flush. Allocator state (allocatedVNIs and freedVNIs) is already
	// applied in memory; only the store writes are buffered to this point.
	for _, w := range writes {
		if w.delete {
			if err := c.kv.Delete(ctx, w.key); err != nil {
				return fmt.Errorf("compiler: deleting %s: %w", w.key, err)
			}
			continue
		}
		if err := c.kv.Put(ctx, w.key, w.value); err != nil {
			return fmt.Errorf("compiler: writing %s: %w", w.key, err)
		}
	}

	if len(epoch.Run) > 0 {
		c.counter = newCounter
		data, _ := json.Marshal(epochConfig{Counter: c.counter})
		if err := c.kv.Put(ctx, topo.KeyEpochConfig, string(data)); err != nil {
			return fmt.Errorf("compiler: persisting epoch counter: %w", err)
		}
	}

	return nil
}

// Teardown deletes /config/links/ and /config/run/, and also
// /config/nodes/, /config/workers/ and /config/L3-config when removeNodes
// is true.
func (c *Compiler) Teardown(ctx context.Context, removeNodes bool) error {
	if err := c.kv.DeletePrefix(ctx, topo.PrefixLinks); err != nil {
		return fmt.Errorf("compiler: teardown links: %w", err)
	}
	if err := c.kv.DeletePrefix(ctx, topo.PrefixRun); err != nil {
		return fmt.Errorf("compiler: teardown run: %w", err)
	}
	if removeNodes {
		if err := c.kv.DeletePrefix(ctx, topo.PrefixNodes); err != nil {
			return fmt.Errorf("compiler: teardown nodes: %w", err)
		}
		if err := c.kv.DeletePrefix(ctx, topo.PrefixWorkers); err != nil {
			return fmt.Errorf("compiler: teardown workers: %w", err)
		}
		if err := c.kv.Delete(ctx, topo.KeyL3Config); err != nil {
			return fmt.Errorf("compiler: teardown L3 config: %w", err)
		}
	}
	c.allocator = vni.NewAllocator()
	return nil
}

// ValidateEpochEndpoints checks that every link-add/update entry names
// nodes present in knownNodes, returning a ValidationError describing
// every offender at once.
func ValidateEpochEndpoints(epoch topo.Epoch, knownNodes map[string]topo.Node) error {
	vb := &util.ValidationBuilder{}
	check := func(l topo.Link) {
		n1, ok1 := knownNodes[l.Endpoint1]
		n2, ok2 := knownNodes[l.Endpoint2]
		vb.Add(ok1, fmt.Sprintf("unknown endpoint %s", l.Endpoint1))
		vb.Add(ok2, fmt.Sprintf("unknown endpoint %s", l.Endpoint2))
		if ok1 {
			vb.Add(l.Endpoint1Antenna >= 1 && l.Endpoint1Antenna <= n1.Antennas,
				fmt.Sprintf("%s: antenna %d out of range [1,%d]", l.Endpoint1, l.Endpoint1Antenna, n1.Antennas))
		}
		if ok2 {
			vb.Add(l.Endpoint2Antenna >= 1 && l.Endpoint2Antenna <= n2.Antennas,
				fmt.Sprintf("%s: antenna %d out of range [1,%d]", l.Endpoint2, l.Endpoint2Antenna, n2.Antennas))
		}
	}
	for _, l := range epoch.LinksAdd {
		check(l)
	}
	for _, l := range epoch.LinksUpdate {
		check(l)
	}
	if vb.HasErrors() {
		return vb.Build()
	}
	return nil
}

// ParseEpochFile parses epoch JSON (or YAML, detected by leading `{`
// absence) into an Epoch. JSON is the canonical wire format; YAML is
// accepted as an author-facing convenience and converted in memory.
func ParseEpochFile(data []byte) (topo.Epoch, error) {
	var e topo.Epoch
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &e); err != nil {
			return e, fmt.Errorf("compiler: parsing epoch JSON: %w", err)
		}
		return e, nil
	}
	if err := yamlToEpoch(data, &e); err != nil {
		return e, fmt.Errorf("compiler: parsing epoch YAML: %w", err)
	}
	return e, nil
}
