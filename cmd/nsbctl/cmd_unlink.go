package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/netsatbench/netsatbench/pkg/audit"
	"github.com/netsatbench/netsatbench/pkg/compiler"
	"github.com/netsatbench/netsatbench/pkg/topo"
)

var unlinkCmd = &cobra.Command{
	Use:   "unlink <node1> <antenna1> <node2> <antenna2>",
	Short: "Delete a single link outside of an epoch file",
	Long: `unlink is a convenience wrapper around an epoch containing a
single links-del entry. Deletion is idempotent: unlinking a link that
does not exist logs a warning, not an error.`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ant1, err := strconv.Atoi(args[1])
		if err != nil {
			return usageErrorf("antenna1 %q is not an integer", args[1])
		}
		ant2, err := strconv.Atoi(args[3])
		if err != nil {
			return usageErrorf("antenna2 %q is not an integer", args[3])
		}

		ctx := cmd.Context()
		cli, err := connectStore(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()

		comp, err := compiler.New(ctx, cli)
		if err != nil {
			return fmt.Errorf("constructing compiler: %w", err)
		}

		epoch := topo.Epoch{LinksDel: []topo.LinkRef{{
			Endpoint1: args[0], Endpoint2: args[2],
			Endpoint1Antenna: ant1, Endpoint2Antenna: ant2,
		}}}

		ev := audit.NewEvent("nsbctl", "", "unlink").WithExecuteMode(true).
			WithLinkKey(epoch.LinksDel[0].Key())
		if err := comp.ApplyEpoch(ctx, epoch); err != nil {
			audit.Log(ev.WithError(err))
			return err
		}
		audit.Log(ev.WithSuccess())
		fmt.Printf("unlinked %s\n", epoch.LinksDel[0].Key())
		return nil
	},
}
