package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netsatbench/netsatbench/pkg/agent"
	"github.com/netsatbench/netsatbench/pkg/cli"
	"github.com/netsatbench/netsatbench/pkg/topo"
)

var statsCmd = &cobra.Command{
	Use:   "stats <node>",
	Short: "Show a node's agent-published runtime state",
	Long: `stats reads /config/state/<node>, the interface snapshot each
agent republishes on a fixed interval (see agent.WatchState), so this
command never needs to reach the worker or node container over SSH.
If no state is published for the node (its agent has not published
yet, or the node name is unknown), stats fails with a usage error.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		node := args[0]

		ctx := cmd.Context()
		cliStore, err := connectStore(ctx)
		if err != nil {
			return err
		}
		defer cliStore.Close()

		raw, found, err := cliStore.Get(ctx, topo.StateKey(node))
		if err != nil {
			return fmt.Errorf("reading state for %s: %w", node, err)
		}
		if !found {
			return usageErrorf("no published state for node %q yet", node)
		}

		var s agent.State
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return fmt.Errorf("parsing state for %s: %w", node, err)
		}

		fmt.Printf("node:       %s\n", s.Node)
		fmt.Printf("eth0_ip:    %s\n", s.EthZeroIP)
		fmt.Printf("updated_at: %s\n", s.UpdatedAt)

		t := cli.NewTable("INTERFACE", "VNI", "PEER_IP", "BRIDGE", "SHAPING")
		for _, iface := range s.Interfaces {
			shaping := "-"
			if !iface.Shaping.Empty() {
				shaping = fmt.Sprintf("rate=%s delay=%s loss=%s", iface.Shaping.Rate, iface.Shaping.Delay, iface.Shaping.Loss)
			}
			t.Row(iface.Name, fmt.Sprintf("%d", iface.VNI), iface.PeerIP, iface.Bridge, shaping)
		}
		t.Flush()
		return nil
	},
}
