package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/netsatbench/netsatbench/pkg/audit"
)

var execCmd = &cobra.Command{
	Use:   "exec <node> -- <command...>",
	Short: "Execute a shell command inside one node's container",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		node := args[0]
		remoteCmd := splitCommand(args[1:])

		ctx := cmd.Context()
		cli, err := connectStore(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()

		target, err := resolveTarget(ctx, cli, node)
		if err != nil {
			return err
		}

		dockerCmd := fmt.Sprintf("sudo docker exec %s sh -c %q", target.Container, remoteCmd)
		res, err := target.Runner.Run(ctx, dockerCmd)
		ev := audit.NewEvent("nsbctl", node, "exec").WithExecuteMode(true)
		if err != nil {
			audit.Log(ev.WithError(err))
			return fmt.Errorf("exec on %s: %w", node, err)
		}
		fmt.Print(res.Stdout)
		if res.Stderr != "" {
			fmt.Fprint(os.Stderr, res.Stderr)
		}
		if !res.Succeeded() {
			audit.Log(ev.WithError(fmt.Errorf("exit code %d", res.ExitCode)))
			return fmt.Errorf("command exited %d", res.ExitCode)
		}
		audit.Log(ev.WithSuccess())
		return nil
	},
}

var exectypeCmd = &cobra.Command{
	Use:   "exectype <type> -- <command...>",
	Short: "Execute a shell command inside every container of a given node type",
	Long: `exectype fans a command out to every node whose type matches
<type> (e.g. "satellite", "user"). Per spec §7.6, a fan-out exec refuses
to run (exit code 2) if stdin is attached to a terminal: an interactive
TTY session makes no sense broadcast across many containers.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return usageErrorf("refusing exectype with a TTY attached to stdin; redirect stdin or run exec against a single node")
		}

		typeName := args[0]
		remoteCmd := splitCommand(args[1:])

		ctx := cmd.Context()
		cli, err := connectStore(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()

		nodes, err := nodesOfType(ctx, cli, typeName)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return usageErrorf("no nodes of type %q found", typeName)
		}

		var failures int
		for _, n := range nodes {
			target, err := resolveTarget(ctx, cli, n.Name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", n.Name, err)
				failures++
				continue
			}
			dockerCmd := fmt.Sprintf("sudo docker exec %s sh -c %q", target.Container, remoteCmd)
			res, err := target.Runner.Run(ctx, dockerCmd)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", n.Name, err)
				failures++
				continue
			}
			fmt.Printf("== %s ==\n%s", n.Name, res.Stdout)
			if res.Stderr != "" {
				fmt.Fprintf(os.Stderr, "== %s (stderr) ==\n%s", n.Name, res.Stderr)
			}
			if !res.Succeeded() {
				failures++
			}
		}

		ev := audit.NewEvent("nsbctl", "", "exectype").WithExecuteMode(true)
		if failures > 0 {
			audit.Log(ev.WithError(fmt.Errorf("%d of %d nodes failed", failures, len(nodes))))
			return fmt.Errorf("exectype: %d of %d nodes failed", failures, len(nodes))
		}
		audit.Log(ev.WithSuccess())
		return nil
	},
}
