package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netsatbench/netsatbench/pkg/audit"
	"github.com/netsatbench/netsatbench/pkg/sshexec"
)

var cptypeCmd = &cobra.Command{
	Use:   "cptype <local-file> <type> <remote-path>",
	Short: "Copy a local file into every container of a given node type",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		localPath, typeName, remotePath := args[0], args[1], args[2]

		data, err := os.ReadFile(localPath)
		if err != nil {
			return usageErrorf("reading %s: %v", localPath, err)
		}

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

		dockerTail := fmt.Sprintf("sh -c %q", "cat > "+remotePath)
		ev := audit.NewEvent("nsbctl", "", "cptype").WithExecuteMode(true)

		var failures int
		for _, n := range nodes {
			target, err := resolveTarget(ctx, cli, n.Name)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", n.Name, err)
				failures++
				continue
			}
			sshRunner, ok := target.Runner.(*sshexec.Runner)
			if !ok {
				fmt.Fprintf(os.Stderr, "%s: runner does not support streaming stdin\n", n.Name)
				failures++
				continue
			}
			dockerCmd := fmt.Sprintf("sudo docker exec -i %s %s", target.Container, dockerTail)
			res, err := sshRunner.RunWithStdin(ctx, dockerCmd, bytes.NewReader(data))
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", n.Name, err)
				failures++
				continue
			}
			if !res.Succeeded() {
				fmt.Fprintf(os.Stderr, "%s: exited %d: %s\n", n.Name, res.ExitCode, res.Stderr)
				failures++
				continue
			}
			fmt.Printf("copied %s to %s:%s\n", localPath, n.Name, remotePath)
		}

		if failures > 0 {
			audit.Log(ev.WithError(fmt.Errorf("%d of %d nodes failed", failures, len(nodes))))
			return fmt.Errorf("cptype: %d of %d nodes failed", failures, len(nodes))
		}
		audit.Log(ev.WithSuccess())
		return nil
	},
}
