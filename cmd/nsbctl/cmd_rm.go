package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netsatbench/netsatbench/pkg/audit"
	"github.com/netsatbench/netsatbench/pkg/compiler"
	"github.com/netsatbench/netsatbench/pkg/orchestrator"
)

var removeNodes bool

var rmCmd = &cobra.Command{
	Use:   "rm",
	Short: "Tear down containers, worker overlay state, links, and run blocks",
	Long: `rm is the mirror image of init+deploy: it removes this lab's
containers and worker-side overlay/firewall state (best-effort — a
failure on one rule does not abort the cleanup loop) and deletes
/config/links/ and /config/run/ from the store. Pass --nodes to also
remove /config/nodes/, /config/workers/ and /config/L3-config.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cli, err := connectStore(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()

		workers, err := loadKnownWorkers(ctx, cli)
		if err != nil {
			return fmt.Errorf("loading workers: %w", err)
		}

		orch := orchestrator.New(&sshDialer{}, labName)
		ev := audit.NewEvent("nsbctl", "", "rm").WithExecuteMode(true)

		var teardownErrs []error
		if len(workers) > 0 {
			teardownErrs = orch.Teardown(ctx, workers)
			if len(teardownErrs) > 0 {
				printErrors(teardownErrs)
			}
		}

		comp, err := compiler.New(ctx, cli)
		if err != nil {
			audit.Log(ev.WithError(err))
			return fmt.Errorf("constructing compiler: %w", err)
		}
		if err := comp.Teardown(ctx, removeNodes); err != nil {
			audit.Log(ev.WithError(err))
			return err
		}

		if len(teardownErrs) > 0 {
			audit.Log(ev.WithError(teardownErrs[0]))
			return fmt.Errorf("rm completed with %d worker teardown failure(s) (store state was still cleared)", len(teardownErrs))
		}
		audit.Log(ev.WithSuccess())
		fmt.Println("teardown complete")
		return nil
	},
}

func init() {
	rmCmd.Flags().BoolVar(&removeNodes, "nodes", false, "Also remove /config/nodes/, /config/workers/ and /config/L3-config")
}
