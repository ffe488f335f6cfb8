package main

import (
	"context"
	"fmt"

	"github.com/netsatbench/netsatbench/pkg/command"
	"github.com/netsatbench/netsatbench/pkg/orchestrator"
	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
)

// nodeTarget resolves one node to the worker-host runner that can reach
// its container, and the container's docker name.
type nodeTarget struct {
	Node      topo.Node
	Runner    command.Runner
	Container string
}

// resolveTarget looks up node's worker record and dials it.
func resolveTarget(ctx context.Context, kv store.KV, nodeName string) (*nodeTarget, error) {
	nodes, err := loadKnownNodes(ctx, kv)
	if err != nil {
		return nil, err
	}
	node, ok := nodes[nodeName]
	if !ok {
		return nil, usageErrorf("unknown node %q", nodeName)
	}
	workers, err := loadKnownWorkers(ctx, kv)
	if err != nil {
		return nil, err
	}
	var worker topo.Worker
	found := false
	for _, w := range workers {
		if w.Name == node.Worker {
			worker, found = w, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("node %s: worker %s not found", nodeName, node.Worker)
	}

	dialer := &sshDialer{}
	runner, err := dialer.Dial(ctx, worker)
	if err != nil {
		return nil, fmt.Errorf("dialing worker %s for node %s: %w", worker.Name, nodeName, err)
	}
	return &nodeTarget{Node: node, Runner: runner, Container: orchestrator.ContainerName(nodeName)}, nil
}

// nodesOfType returns every known node whose Type matches typeName.
func nodesOfType(ctx context.Context, kv store.KV, typeName string) ([]topo.Node, error) {
	nodes, err := loadKnownNodes(ctx, kv)
	if err != nil {
		return nil, err
	}
	var out []topo.Node
	for _, n := range nodes {
		if n.Type == typeName {
			out = append(out, n)
		}
	}
	return out, nil
}
