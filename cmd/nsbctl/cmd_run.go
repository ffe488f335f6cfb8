package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netsatbench/netsatbench/pkg/audit"
	"github.com/netsatbench/netsatbench/pkg/compiler"
	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
)

var runCmd = &cobra.Command{
	Use:   "run <epoch-file>",
	Short: "Apply an epoch file (links-add/links-del/links-update/run) to the store",
	Long: `run parses an epoch file (JSON, or YAML as an author-facing
convenience) and applies it to the store: links-del, then links-add,
then links-update, then run — in that order, matching the compiler's
ordering guarantee.

A malformed epoch or an invalid element (unknown endpoint, duplicate
link, out-of-range antenna) aborts the whole epoch with no partial
writes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return usageErrorf("reading epoch file %s: %v", args[0], err)
		}
		epoch, err := compiler.ParseEpochFile(data)
		if err != nil {
			return usageErrorf("%v", err)
		}

		ctx := cmd.Context()
		cli, err := connectStore(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()

		knownNodes, err := loadKnownNodes(ctx, cli)
		if err != nil {
			return fmt.Errorf("loading known nodes: %w", err)
		}
		if err := compiler.ValidateEpochEndpoints(epoch, knownNodes); err != nil {
			return usageErrorf("%v", err)
		}

		comp, err := compiler.New(ctx, cli)
		if err != nil {
			return fmt.Errorf("constructing compiler: %w", err)
		}

		ev := audit.NewEvent("nsbctl", "", "apply-epoch").WithExecuteMode(true)
		applyErr := comp.ApplyEpoch(ctx, epoch)
		if applyErr != nil {
			audit.Log(ev.WithError(applyErr))
			return applyErr
		}
		audit.Log(ev.WithSuccess())

		fmt.Printf("epoch applied: +%d links, -%d links, ~%d links updated, %d run batch(es)\n",
			len(epoch.LinksAdd), len(epoch.LinksDel), len(epoch.LinksUpdate), len(epoch.Run))
		return nil
	},
}

// loadKnownNodes fetches every node record currently in the store, for
// endpoint validation against an epoch.
func loadKnownNodes(ctx context.Context, kv store.KV) (map[string]topo.Node, error) {
	raw, err := kv.GetPrefix(ctx, topo.PrefixNodes)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]topo.Node, len(raw))
	for key, val := range raw {
		var n topo.Node
		if err := json.Unmarshal([]byte(val), &n); err != nil {
			continue
		}
		nodes[topo.NameFromKey(key, topo.PrefixNodes)] = n
	}
	return nodes, nil
}
