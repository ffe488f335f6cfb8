package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/netsatbench/netsatbench/pkg/cli"
	"github.com/netsatbench/netsatbench/pkg/util"
)

var statusTypesFlag string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List every known node, its worker, type, and antenna count",
	Long: `status reads /config/nodes/ and prints a summary table. It does
not contact any worker or agent — for per-node runtime state (VXLAN
interfaces, VNIs, shaping), use "nsbctl stats". --types narrows the
listing to a comma-separated set of node types.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cli2, err := connectStore(ctx)
		if err != nil {
			return err
		}
		defer cli2.Close()

		nodes, err := loadKnownNodes(ctx, cli2)
		if err != nil {
			return fmt.Errorf("loading nodes: %w", err)
		}

		var typeFilter map[string]bool
		if types := util.SplitCommaSeparated(statusTypesFlag); len(types) > 0 {
			typeFilter = make(map[string]bool, len(types))
			for _, t := range types {
				typeFilter[t] = true
			}
		}

		names := make([]string, 0, len(nodes))
		for name, n := range nodes {
			if typeFilter != nil && !typeFilter[n.Type] {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)

		t := cli.NewTable("NODE", "TYPE", "WORKER", "ANTENNAS", "ETH0_IP")
		for _, name := range names {
			n := nodes[name]
			t.Row(n.Name, n.Type, n.Worker, strconv.Itoa(n.Antennas), n.EthZeroIP)
		}
		t.Flush()
		fmt.Printf("%d node(s)\n", len(names))
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusTypesFlag, "types", "", "comma-separated list of node types to include")
}
