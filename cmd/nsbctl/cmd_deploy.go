package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netsatbench/netsatbench/pkg/audit"
	"github.com/netsatbench/netsatbench/pkg/command"
	"github.com/netsatbench/netsatbench/pkg/orchestrator"
	"github.com/netsatbench/netsatbench/pkg/sshexec"
	"github.com/netsatbench/netsatbench/pkg/store"
	"github.com/netsatbench/netsatbench/pkg/topo"
)

var (
	deployImage string
	labName     string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Bring up every worker's overlay network, routes, and assigned containers",
	Long: `deploy reads /config/nodes/ and /config/workers/ and, for each
worker host: ensures the overlay docker network exists, installs inter-
worker routes, inserts the DOCKER-USER/NAT rules, and launches each
assigned node's container. Per-worker failures are collected and do not
block provisioning the rest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cli, err := connectStore(ctx)
		if err != nil {
			return err
		}
		defer cli.Close()

		nodes, err := loadKnownNodes(ctx, cli)
		if err != nil {
			return fmt.Errorf("loading nodes: %w", err)
		}
		workers, err := loadKnownWorkers(ctx, cli)
		if err != nil {
			return fmt.Errorf("loading workers: %w", err)
		}
		if len(workers) == 0 {
			return usageErrorf("no workers found, run 'nsbctl init' first")
		}

		containersByWorker := make(map[string][]orchestrator.ContainerSpec)
		for _, n := range nodes {
			containersByWorker[n.Worker] = append(containersByWorker[n.Worker], orchestrator.ContainerSpec{
				Node:      n,
				Image:     deployImage,
				StoreAddr: app.storeAddr,
				StoreUser: app.storeUser,
				StorePass: app.storePass,
			})
		}

		orch := orchestrator.New(&sshDialer{}, labName)
		ev := audit.NewEvent("nsbctl", "", "deploy").WithExecuteMode(true)
		errs := orch.Deploy(ctx, workers, containersByWorker)
		if len(errs) > 0 {
			audit.Log(ev.WithError(errs[0]))
			printErrors(errs)
			return fmt.Errorf("deploy completed with %d worker failure(s)", len(errs))
		}
		audit.Log(ev.WithSuccess())
		fmt.Printf("deployed %d node(s) across %d worker(s)\n", len(nodes), len(workers))
		return nil
	},
}

func init() {
	deployCmd.Flags().StringVar(&deployImage, "image", "netsatbench/node:latest", "Container image launched per node")
	deployCmd.Flags().StringVar(&labName, "lab", "default", "Lab name, used as the docker resource label and network/container name prefix")
	rmCmd.Flags().StringVar(&labName, "lab", "default", "Lab name to tear down")
}

// sshDialer implements orchestrator.Dialer over real SSH connections,
// keyed by each worker's own ssh_user/ssh_key fields.
type sshDialer struct{}

func (d *sshDialer) Dial(ctx context.Context, w topo.Worker) (command.Runner, error) {
	if w.SSHKey == "" {
		return nil, fmt.Errorf("worker %s has no ssh_key configured", w.Name)
	}
	return sshexec.DialWithKeyFile(w.IP, 22, w.SSHUser, w.SSHKey)
}

// loadKnownWorkers fetches every worker record currently in the store.
func loadKnownWorkers(ctx context.Context, kv store.KV) ([]topo.Worker, error) {
	raw, err := kv.GetPrefix(ctx, topo.PrefixWorkers)
	if err != nil {
		return nil, err
	}
	workers := make([]topo.Worker, 0, len(raw))
	for _, val := range raw {
		var w topo.Worker
		if err := json.Unmarshal([]byte(val), &w); err != nil {
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func printErrors(errs []error) {
	for _, e := range errs {
		fmt.Println(e)
	}
}
