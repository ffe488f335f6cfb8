package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netsatbench/netsatbench/pkg/audit"
	"github.com/netsatbench/netsatbench/pkg/sshexec"
)

var cpCmd = &cobra.Command{
	Use:   "cp <local-file> <node> <remote-path>",
	Short: "Copy a local file into one node's container",
	Long: `cp streams local-file's contents over the worker's SSH session
into "docker exec -i <container> sh -c 'cat > remote-path'", so the
worker never needs a shared filesystem with the node container.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		localPath, node, remotePath := args[0], args[1], args[2]

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

		target, err := resolveTarget(ctx, cli, node)
		if err != nil {
			return err
		}
		sshRunner, ok := target.Runner.(*sshexec.Runner)
		if !ok {
			return fmt.Errorf("cp: runner for %s does not support streaming stdin", node)
		}

		dockerCmd := fmt.Sprintf("sudo docker exec -i %s sh -c %q", target.Container, "cat > "+remotePath)
		ev := audit.NewEvent("nsbctl", node, "cp").WithExecuteMode(true)
		res, err := sshRunner.RunWithStdin(ctx, dockerCmd, bytes.NewReader(data))
		if err != nil {
			audit.Log(ev.WithError(err))
			return fmt.Errorf("cp to %s: %w", node, err)
		}
		if !res.Succeeded() {
			audit.Log(ev.WithError(fmt.Errorf("exit code %d", res.ExitCode)))
			return fmt.Errorf("cp to %s exited %d: %s", node, res.ExitCode, res.Stderr)
		}
		audit.Log(ev.WithSuccess())
		fmt.Printf("copied %s to %s:%s\n", localPath, node, remotePath)
		return nil
	},
}
